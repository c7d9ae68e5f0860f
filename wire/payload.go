// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Payload composes a typed value into the byte blob carried by an event.
// All payload forms reduce to a flat byte slice on the wire.
type Payload interface {
	MarshalPayload() ([]byte, error)
}

// Bytes is a pass-through payload carrying raw bytes without any framing.
type Bytes []byte

// MarshalPayload implements Payload.
func (b Bytes) MarshalPayload() ([]byte, error) {
	return b, nil
}

// Empty is the zero-length payload.
type Empty struct{}

// MarshalPayload implements Payload.
func (Empty) MarshalPayload() ([]byte, error) {
	return nil, nil
}

// Tandem carries two independent payloads in one blob. Each half is
// prefixed with its encoded length as a big-endian u64.
type Tandem struct {
	First  Payload
	Second Payload
}

// MarshalPayload implements Payload.
func (t Tandem) MarshalPayload() ([]byte, error) {
	p1, err := t.First.MarshalPayload()
	if err != nil {
		return nil, err
	}
	p2, err := t.Second.MarshalPayload()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 16+len(p1)+len(p2))
	var l [8]byte
	binary.BigEndian.PutUint64(l[:], uint64(len(p1)))
	buf = append(buf, l[:]...)
	buf = append(buf, p1...)
	binary.BigEndian.PutUint64(l[:], uint64(len(p2)))
	buf = append(buf, l[:]...)
	buf = append(buf, p2...)
	return buf, nil
}

// SplitTandem decomposes a tandem blob into its two halves.
func SplitTandem(b []byte) (first, second []byte, err error) {
	read := func(b []byte) ([]byte, []byte, error) {
		if len(b) < 8 {
			return nil, nil, errors.New("wire: tandem payload truncated")
		}
		n := binary.BigEndian.Uint64(b)
		b = b[8:]
		if uint64(len(b)) < n {
			return nil, nil, errors.New("wire: tandem payload truncated")
		}
		return b[:n], b[n:], nil
	}

	first, rest, err := read(b)
	if err != nil {
		return nil, nil, err
	}
	second, rest, err = read(rest)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) != 0 {
		return nil, nil, fmt.Errorf("wire: %d trailing bytes after tandem payload", len(rest))
	}
	return first, second, nil
}

// Serialized carries an arbitrary value encoded by one of the enumerated
// serializers. The wire form is the format id byte followed by the encoding.
type Serialized struct {
	Format Format
	Value  interface{}
}

// Serialize wraps v for transmission with the default format.
func Serialize(v interface{}) Serialized {
	return Serialized{Format: DefaultFormat, Value: v}
}

// MarshalPayload implements Payload.
func (s Serialized) MarshalPayload() ([]byte, error) {
	enc, err := s.Format.encode(s.Value)
	if err != nil {
		return nil, fmt.Errorf("wire: serialize: %w", err)
	}
	return append([]byte{byte(s.Format)}, enc...), nil
}

// DecodeSerialized decodes a serialized payload blob into v, dispatching
// on the leading format id byte.
func DecodeSerialized(b []byte, v interface{}) error {
	if len(b) == 0 {
		return errors.New("wire: empty serialized payload")
	}
	if err := Format(b[0]).decode(b[1:], v); err != nil {
		return fmt.Errorf("wire: deserialize: %w", err)
	}
	return nil
}
