// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the kestrel event framing: the binary event
// header, the payload composition forms, and the serializer registry.
//
// An event frame is laid out big-endian as
//
//	u64 id
//	u8  event type (0 initial, 1 response)
//	u64 reference id (0 for initial events)
//	u8  namespace length (0 means no namespace)
//	u8  name length (must be > 0)
//	u64 payload length
//	namespace, name, payload
//
// Frames are concatenated on the stream without separators.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// EventType discriminates initial events from responses.
type EventType uint8

const (
	// EventInitial is a fresh event that does not reference a prior one.
	EventInitial EventType = 0
	// EventResponse is a reply; its ReferenceID names the event it answers.
	EventResponse EventType = 1
)

const (
	// headerSize is the fixed frame prefix length.
	headerSize = 8 + 1 + 8 + 1 + 1 + 8

	// MaxNameLen bounds the name and namespace fields, which are length
	// prefixed with a single byte.
	MaxNameLen = 255

	// DefaultMaxPayloadSize is the per connection inbound payload cap
	// applied when the caller does not configure one.
	DefaultMaxPayloadSize = 64 * 1024 * 1024
)

var (
	// ErrEmptyName is returned for events without a name.
	ErrEmptyName = errors.New("wire: event name must not be empty")

	// ErrNameTooLong is returned when a name or namespace exceeds MaxNameLen.
	ErrNameTooLong = errors.New("wire: name exceeds 255 bytes")

	// ErrInvalidEventType is returned for unknown event type discriminators.
	ErrInvalidEventType = errors.New("wire: invalid event type")

	// ErrPayloadTooLarge is returned when a payload exceeds the configured cap.
	ErrPayloadTooLarge = errors.New("wire: payload exceeds maximum size")

	// ErrZeroReference is returned for response events without a reference id.
	ErrZeroReference = errors.New("wire: response references event id 0")
)

// Event is one discrete, named message exchanged between peers.
type Event struct {
	// ID is unique per sender per connection.
	ID uint64

	// Type is EventInitial or EventResponse.
	Type EventType

	// ReferenceID is the id of the event this one answers; 0 for
	// initial events.
	ReferenceID uint64

	// Namespace scopes handler lookup on the receiving side. Empty means
	// the global handler table.
	Namespace string

	// Name selects the handler.
	Name string

	// Payload is the opaque event payload.
	Payload []byte
}

// IsResponse reports whether the event answers a prior event.
func (e *Event) IsResponse() bool {
	return e.Type == EventResponse
}

// Data decodes a serialized payload into v using the payload's format id
// byte. See Serialized.
func (e *Event) Data(v interface{}) error {
	return DecodeSerialized(e.Payload, v)
}

// validate checks the header constraints shared by encode and decode.
func (e *Event) validate(maxPayload uint64) error {
	switch e.Type {
	case EventInitial, EventResponse:
	default:
		return ErrInvalidEventType
	}
	if len(e.Name) == 0 {
		return ErrEmptyName
	}
	if len(e.Name) > MaxNameLen || len(e.Namespace) > MaxNameLen {
		return ErrNameTooLong
	}
	if e.Type == EventResponse && e.ReferenceID == 0 {
		return ErrZeroReference
	}
	if maxPayload > 0 && uint64(len(e.Payload)) > maxPayload {
		return ErrPayloadTooLarge
	}
	return nil
}

// WriteEvent encodes ev and writes the frame to w.
func WriteEvent(w io.Writer, ev *Event) error {
	if err := ev.validate(0); err != nil {
		return err
	}

	buf := make([]byte, headerSize+len(ev.Namespace)+len(ev.Name)+len(ev.Payload))
	binary.BigEndian.PutUint64(buf[0:], ev.ID)
	buf[8] = byte(ev.Type)
	binary.BigEndian.PutUint64(buf[9:], ev.ReferenceID)
	buf[17] = byte(len(ev.Namespace))
	buf[18] = byte(len(ev.Name))
	binary.BigEndian.PutUint64(buf[19:], uint64(len(ev.Payload)))
	n := copy(buf[headerSize:], ev.Namespace)
	n += copy(buf[headerSize+n:], ev.Name)
	copy(buf[headerSize+n:], ev.Payload)

	_, err := w.Write(buf)
	return err
}

// ReadEvent reads and decodes one frame from r. Payloads larger than
// maxPayload are rejected; maxPayload <= 0 applies DefaultMaxPayloadSize.
func ReadEvent(r io.Reader, maxPayload int64) (*Event, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	ev := &Event{
		ID:          binary.BigEndian.Uint64(hdr[0:]),
		Type:        EventType(hdr[8]),
		ReferenceID: binary.BigEndian.Uint64(hdr[9:]),
	}
	nsLen := int(hdr[17])
	nameLen := int(hdr[18])
	payloadLen := binary.BigEndian.Uint64(hdr[19:])

	switch ev.Type {
	case EventInitial, EventResponse:
	default:
		return nil, ErrInvalidEventType
	}
	if nameLen == 0 {
		return nil, ErrEmptyName
	}
	if ev.Type == EventResponse && ev.ReferenceID == 0 {
		return nil, ErrZeroReference
	}
	if payloadLen > uint64(maxPayload) {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payloadLen)
	}

	variable := make([]byte, nsLen+nameLen+int(payloadLen))
	if _, err := io.ReadFull(r, variable); err != nil {
		return nil, err
	}
	ev.Namespace = string(variable[:nsLen])
	ev.Name = string(variable[nsLen : nsLen+nameLen])
	ev.Payload = variable[nsLen+nameLen:]

	return ev, nil
}
