package protocol

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Framing limits.
const (
	// CompressionThreshold is the JSON size in bytes above which the encoder
	// tries zlib. Smaller payloads always go out raw.
	CompressionThreshold = 1024
	// MaxPayloadSize caps the JSON payload in either direction, before
	// compression on the way out and after inflation on the way in.
	MaxPayloadSize = 4 << 20
	// TagSize is the length of the compression tag that starts every body.
	TagSize = 4
	// FrameHeaderSize is the length prefix on stream transports.
	FrameHeaderSize = 4
)

// Compression tags. Exactly four ASCII bytes each.
const (
	TagNone = "NONE"
	TagComp = "COMP"
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	// Connections that hit it on the read path are closed.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrBadTag is returned for an unrecognized compression tag.
	ErrBadTag = errors.New("unknown compression tag")
	// ErrShortBody is returned when a body cannot even hold the tag.
	ErrShortBody = errors.New("body shorter than compression tag")
)

// Codec encodes envelopes to tagged bodies and back. A body is the 4-byte
// compression tag followed by the (possibly deflated) JSON. On websocket the
// body is the whole binary message; on streams WriteFrame adds a big-endian
// length prefix counting the tag plus payload.
type Codec struct {
	Compress bool // attempt zlib above CompressionThreshold
	MaxSize  int  // payload cap; 0 means MaxPayloadSize
}

// NewCodec returns a codec with the default payload cap.
func NewCodec(compress bool) *Codec {
	return &Codec{Compress: compress, MaxSize: MaxPayloadSize}
}

func (c *Codec) max() int {
	if c.MaxSize > 0 {
		return c.MaxSize
	}
	return MaxPayloadSize
}

// EncodeBody marshals env and prepends the compression tag. The JSON is
// deflated only when compression is enabled, the payload crosses
// CompressionThreshold, and deflating actually saves bytes.
func (c *Codec) EncodeBody(env *Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if len(raw) > c.max() {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(raw))
	}
	if c.Compress && len(raw) > CompressionThreshold {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		if buf.Len() < len(raw) {
			body := make([]byte, 0, TagSize+buf.Len())
			body = append(body, TagComp...)
			return append(body, buf.Bytes()...), nil
		}
	}
	body := make([]byte, 0, TagSize+len(raw))
	body = append(body, TagNone...)
	return append(body, raw...), nil
}

// DecodeBody strips the compression tag, inflates when tagged COMP, and
// unmarshals the JSON payload.
func (c *Codec) DecodeBody(body []byte) (*Envelope, error) {
	if len(body) < TagSize {
		return nil, ErrShortBody
	}
	tag, payload := string(body[:TagSize]), body[TagSize:]
	switch tag {
	case TagNone:
		if len(payload) > c.max() {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
		}
	case TagComp:
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("inflate: %w", err)
		}
		defer zr.Close()
		raw, err := io.ReadAll(io.LimitReader(zr, int64(c.max())+1))
		if err != nil {
			return nil, fmt.Errorf("inflate: %w", err)
		}
		if len(raw) > c.max() {
			return nil, fmt.Errorf("%w: inflates past %d bytes", ErrPayloadTooLarge, c.max())
		}
		payload = raw
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadTag, tag)
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// WriteFrame writes one length-prefixed frame to w. The length word counts
// everything after itself: the compression tag and the payload.
func (c *Codec) WriteFrame(w io.Writer, env *Envelope) error {
	body, err := c.EncodeBody(env)
	if err != nil {
		return err
	}
	frame := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:FrameHeaderSize], uint32(len(body)))
	copy(frame[FrameHeaderSize:], body)
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed frame from r. Oversized frames are
// rejected before their body is read so a hostile peer cannot force a large
// allocation.
func (c *Codec) ReadFrame(r io.Reader) (*Envelope, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n < TagSize {
		return nil, ErrShortBody
	}
	if n > uint32(c.max()+TagSize) {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrPayloadTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return c.DecodeBody(body)
}
