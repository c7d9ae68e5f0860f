// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package log provides the logging backend used throughout kestrel,
// a thin wrapper around go-logging that hands out named module loggers.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/op/go-logging.v1"
)

const format = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a log backend shared by all loggers of one process.
type Backend struct {
	backend logging.LeveledBackend
}

// New initializes a Backend writing to the given file, or stderr when the
// path is empty. A disabled backend swallows everything.
func New(file string, level string, disable bool) (*Backend, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	var w io.Writer
	switch {
	case disable:
		w = io.Discard
	case file == "":
		w = os.Stderr
	default:
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, err
		}
		w = f
	}

	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(format))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	return &Backend{backend: leveled}, nil
}

// NewWithWriter initializes a Backend writing to w.
func NewWithWriter(w io.Writer, level string) (*Backend, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(format))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	return &Backend{backend: leveled}, nil
}

// GetLogger returns a named logger attached to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

func parseLevel(level string) (logging.Level, error) {
	if level == "" {
		level = "NOTICE"
	}
	switch strings.ToUpper(level) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	}
	return 0, fmt.Errorf("log: invalid level: '%v'", level)
}
