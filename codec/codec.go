// Package codec serializes frames with msgpack.
//
// Packer turns a value into bytes. Unpacker is the streaming side: socket
// reads return arbitrary byte counts, so it buffers whatever it is fed and
// hands out complete values one at a time, in arrival order.
package codec

import (
	"reflect"

	mpcodec "github.com/ugorji/go/codec"
	"golang.org/x/text/encoding"
)

// Codec encodes and decodes single, complete values.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// Msgpack is the msgpack Codec. Text scalars are transcoded with Encoding
// when it is set; a nil Encoding passes Go strings through untouched.
type Msgpack struct {
	handle   *mpcodec.MsgpackHandle
	encoding encoding.Encoding
}

var _ Codec = (*Msgpack)(nil)

// NewMsgpack returns a msgpack codec using enc for text scalars.
func NewMsgpack(enc encoding.Encoding) *Msgpack {
	return &Msgpack{handle: newHandle(), encoding: enc}
}

func newHandle() *mpcodec.MsgpackHandle {
	h := &mpcodec.MsgpackHandle{}
	// str8 and bin types: strings and []byte stay distinguishable on the wire.
	h.WriteExt = true
	h.RawToString = true
	h.SignedInteger = true
	h.MapType = reflect.TypeOf(map[any]any(nil))
	return h
}

func (c *Msgpack) Encode(v any) ([]byte, error) {
	if c.encoding != nil {
		var err error
		if v, err = transcode(v, c.encoding.NewEncoder()); err != nil {
			return nil, err
		}
	}
	var out []byte
	if err := mpcodec.NewEncoderBytes(&out, c.handle).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode decodes exactly one value from data. When v points to an empty
// interface the decoded strings are transcoded with the codec's Encoding.
func (c *Msgpack) Decode(data []byte, v any) error {
	if err := mpcodec.NewDecoderBytes(data, c.handle).Decode(v); err != nil {
		return err
	}
	return c.decodeText(v)
}

func (c *Msgpack) Name() string {
	return "msgpack"
}

func (c *Msgpack) decodeText(v any) error {
	if c.encoding == nil {
		return nil
	}
	p, ok := v.(*any)
	if !ok {
		return nil
	}
	out, err := transcode(*p, c.encoding.NewDecoder())
	if err != nil {
		return err
	}
	*p = out
	return nil
}
