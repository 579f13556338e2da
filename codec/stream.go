package codec

import (
	"errors"

	"github.com/tinylib/msgp/msgp"
	mpcodec "github.com/ugorji/go/codec"
	"golang.org/x/text/encoding"
)

// Packer serializes outbound values. It holds no stream state.
type Packer struct {
	codec *Msgpack
}

func NewPacker(enc encoding.Encoding) *Packer {
	return &Packer{codec: NewMsgpack(enc)}
}

func (p *Packer) Pack(v any) ([]byte, error) {
	return p.codec.Encode(v)
}

// Unpacker buffers partial input and yields decoded values in arrival order.
// It is owned by a single reader and is not safe for concurrent use.
type Unpacker struct {
	codec *Msgpack
	buf   []byte
	dec   *mpcodec.Decoder
}

func NewUnpacker(enc encoding.Encoding) *Unpacker {
	u := &Unpacker{codec: NewMsgpack(enc)}
	u.dec = mpcodec.NewDecoderBytes(nil, u.codec.handle)
	return u
}

// Feed appends a chunk read from the stream.
func (u *Unpacker) Feed(data []byte) {
	u.buf = append(u.buf, data...)
}

// Buffered returns the number of bytes fed but not yet consumed.
func (u *Unpacker) Buffered() int {
	return len(u.buf)
}

// Next returns the next complete value. ok is false when the buffered bytes
// do not hold a whole value yet; nothing is consumed in that case. A non-nil
// error means the buffered bytes are not valid msgpack and the stream cannot
// be resynchronized.
func (u *Unpacker) Next() (v any, ok bool, err error) {
	n, err := u.frameLen()
	if err != nil || n == 0 {
		return nil, false, err
	}
	u.dec.ResetBytes(u.buf[:n])
	if err := u.dec.Decode(&v); err != nil {
		return nil, false, err
	}
	u.consume(n)
	if err := u.codec.decodeText(&v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// frameLen returns the size of the first complete value in the buffer, or 0
// while it is still incomplete. Scanning only walks the type headers, so a
// large value arriving over many reads is decoded once.
func (u *Unpacker) frameLen() (int, error) {
	if len(u.buf) == 0 {
		return 0, nil
	}
	rest, err := msgp.Skip(u.buf)
	if err != nil {
		if errors.Is(err, msgp.ErrShortBytes) {
			return 0, nil
		}
		return 0, err
	}
	return len(u.buf) - len(rest), nil
}

func (u *Unpacker) consume(n int) {
	rest := len(u.buf) - n
	if rest == 0 {
		u.buf = u.buf[:0]
		return
	}
	// Shift the tail down so the buffer does not grow without bound on a
	// long-lived connection.
	copy(u.buf, u.buf[n:])
	u.buf = u.buf[:rest]
}
