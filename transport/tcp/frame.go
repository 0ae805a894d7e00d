package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/BackupTheBerlios/nova-svn/core"
)

// DefaultMaxFrame is the largest encoded frame accepted by default.
const DefaultMaxFrame = 4 << 20

// ErrFrameTooLarge is returned for frames above the configured limit.
var ErrFrameTooLarge = errors.New("frame too large")

// FrameKind identifies the payload of a frame.
type FrameKind uint8

const (
	FrameUnknown FrameKind = iota
	FrameMessage
	FrameResolve
	FrameResolveReply
)

// String returns the string representation of FrameKind.
func (k FrameKind) String() string {
	switch k {
	case FrameMessage:
		return "message"
	case FrameResolve:
		return "resolve"
	case FrameResolveReply:
		return "resolve-reply"
	default:
		return "unknown"
	}
}

// Frame is the unit written to a connection.
type Frame struct {
	Kind FrameKind `cbor:"1,keyasint"`

	// ID pairs a resolve request with its reply
	ID string `cbor:"2,keyasint,omitempty"`

	Message   *core.Message         `cbor:"3,keyasint,omitempty"`
	Name      string                `cbor:"4,keyasint,omitempty"`
	Component *core.RemoteComponent `cbor:"5,keyasint,omitempty"`

	// Error is set on a resolve reply that found nothing
	Error string `cbor:"6,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 1 << 16}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeFrame returns the CBOR encoding of f.
func EncodeFrame(f *Frame) ([]byte, error) {
	return encMode.Marshal(f)
}

// DecodeFrame parses a CBOR encoded frame.
func DecodeFrame(data []byte) (*Frame, error) {
	f := &Frame{}
	if err := decMode.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// FrameReader reads length-prefixed CBOR frames from a stream.
type FrameReader struct {
	reader   io.Reader
	maxFrame int
}

// NewFrameReader creates a FrameReader enforcing maxFrame.
func NewFrameReader(r io.Reader, maxFrame int) *FrameReader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &FrameReader{reader: r, maxFrame: maxFrame}
}

// ReadFrame reads a single frame.
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	// 4-byte big-endian length prefix
	var lengthBuf [4]byte
	if _, err := io.ReadFull(fr.reader, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if int64(length) > int64(fr.maxFrame) {
		return nil, fmt.Errorf("frame size %d exceeds %d: %w", length, fr.maxFrame, ErrFrameTooLarge)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(fr.reader, buf); err != nil {
		return nil, err
	}
	return DecodeFrame(buf)
}

// FrameWriter writes length-prefixed CBOR frames to a stream.
type FrameWriter struct {
	writer   io.Writer
	maxFrame int
}

// NewFrameWriter creates a FrameWriter enforcing maxFrame.
func NewFrameWriter(w io.Writer, maxFrame int) *FrameWriter {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &FrameWriter{writer: w, maxFrame: maxFrame}
}

// WriteFrame encodes and writes f.
func (fw *FrameWriter) WriteFrame(f *Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return fw.WriteEncoded(data)
}

// WriteEncoded writes an already encoded frame.
func (fw *FrameWriter) WriteEncoded(data []byte) error {
	if len(data) > fw.maxFrame {
		return fmt.Errorf("encoded frame size %d exceeds %d: %w", len(data), fw.maxFrame, ErrFrameTooLarge)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err := fw.writer.Write(buf)
	return err
}
