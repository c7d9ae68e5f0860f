// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ugorji/go/codec"
)

// Format identifies the serializer that produced a payload. The format id
// byte travels as the first byte of every serialized payload so that a
// receiver built with a different default can still decode it.
type Format uint8

const (
	// FormatCBOR is self describing binary.
	FormatCBOR Format = 0
	// FormatMsgpack is compact binary.
	FormatMsgpack Format = 1
)

// DefaultFormat is used by emitters that do not select a format explicitly.
const DefaultFormat = FormatCBOR

var msgpackHandle = &codec.MsgpackHandle{}

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case FormatCBOR:
		return "cbor"
	case FormatMsgpack:
		return "msgpack"
	}
	return fmt.Sprintf("unknown(%d)", uint8(f))
}

func (f Format) encode(v interface{}) ([]byte, error) {
	switch f {
	case FormatCBOR:
		return cbor.Marshal(v)
	case FormatMsgpack:
		var b []byte
		err := codec.NewEncoderBytes(&b, msgpackHandle).Encode(v)
		return b, err
	}
	return nil, fmt.Errorf("wire: unknown serializer format id %d", uint8(f))
}

func (f Format) decode(b []byte, v interface{}) error {
	switch f {
	case FormatCBOR:
		return cbor.Unmarshal(b, v)
	case FormatMsgpack:
		return codec.NewDecoderBytes(b, msgpackHandle).Decode(v)
	}
	return fmt.Errorf("wire: unknown serializer format id %d", uint8(f))
}
