// Package protocol implements the framed wire format exchanged with
// the remote dialog service. The codec is a pure transformation between
// Message values and frame bytes: no I/O, no logging, no state beyond
// the configured framing options. That isolation is what keeps the
// transport layer testable without a live socket.
package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// Kind is the 4-bit message type tag carried in the frame header.
type Kind byte

const (
	KindHandshake  Kind = 0b0001
	KindAudioChunk Kind = 0b0010
	KindTextChunk  Kind = 0b0011
	KindTurnStart  Kind = 0b0100
	KindTurnEnd    Kind = 0b0101
	KindControl    Kind = 0b0110
	KindError      Kind = 0b1111
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindAudioChunk:
		return "audio-chunk"
	case KindTextChunk:
		return "text-chunk"
	case KindTurnStart:
		return "turn-start"
	case KindTurnEnd:
		return "turn-end"
	case KindControl:
		return "control"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%#04b)", byte(k))
	}
}

type serializationType byte
type compressionType byte

// Frame layout (big-endian):
//
//	Header (4 bytes):
//	  - (4 bits) version      + (4 bits) header size (4-byte words)
//	  - (4 bits) kind         + (4 bits) flags
//	  - (4 bits) serialization + (4 bits) compression
//	  - (8 bits) reserved
//	Body:
//	  - sequence  (4 bytes, if flagSequence)
//	  - timestamp (8 bytes unix millis, if flagTimestamp)
//	  - payload size (4 bytes) + payload bytes
const (
	protocolVersion byte = 0b0001
	headerWords     byte = 0b0001

	flagSequence  byte = 0b0001
	flagTimestamp byte = 0b0010

	serializationNone serializationType = 0b0000
	serializationJSON serializationType = 0b0001

	compressionNone compressionType = 0b0000
	compressionGzip compressionType = 0b0001

	headerLen = 4
)

// DefaultMaxPayloadSize is the service-defined frame ceiling. Large
// audio is the caller's responsibility to pre-chunk.
const DefaultMaxPayloadSize = 512 * 1024

// Message is a single framed unit exchanged over the transport.
//
// Sequence numbers increase monotonically per direction and are never
// reused within a session. RawKind preserves the original header tag
// when an unknown kind was decoded into KindControl.
type Message struct {
	Kind      Kind
	RawKind   byte
	Sequence  uint32
	Payload   []byte
	Timestamp int64 // unix milliseconds
}

// EncodingError reports a message that cannot be framed.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string {
	return "encode frame: " + e.Reason
}

// DecodingError reports bytes that cannot be parsed as a frame.
type DecodingError struct {
	Reason string
	Err    error
}

func (e *DecodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodingError) Unwrap() error { return e.Err }

// Codec encodes and decodes frames with a fixed framing profile.
type Codec struct {
	maxPayload  int
	compression compressionType
}

// NewCodec creates a codec with the given payload ceiling.
// maxPayload <= 0 selects DefaultMaxPayloadSize.
func NewCodec(maxPayload int) *Codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	return &Codec{maxPayload: maxPayload, compression: compressionNone}
}

// SetCompression toggles gzip payload compression on encoded frames.
// Decoding honors whatever the inbound header declares either way.
func (c *Codec) SetCompression(enabled bool) {
	if enabled {
		c.compression = compressionGzip
	} else {
		c.compression = compressionNone
	}
}

// MaxPayloadSize returns the configured frame payload ceiling.
func (c *Codec) MaxPayloadSize() int { return c.maxPayload }

func serializationFor(k Kind) serializationType {
	switch k {
	case KindHandshake, KindControl, KindError:
		return serializationJSON
	default:
		return serializationNone
	}
}

// Encode serializes a message into frame bytes. It fails with an
// *EncodingError if the payload exceeds the configured ceiling.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	if len(msg.Payload) > c.maxPayload {
		return nil, &EncodingError{Reason: fmt.Sprintf("payload %d bytes exceeds frame ceiling %d", len(msg.Payload), c.maxPayload)}
	}

	kind := byte(msg.Kind)
	if msg.Kind == KindControl && msg.RawKind != 0 {
		kind = msg.RawKind
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(protocolVersion<<4 | headerWords)
	buf.WriteByte(kind<<4 | flagSequence | flagTimestamp)
	buf.WriteByte(byte(serializationFor(msg.Kind))<<4 | byte(c.compression))
	buf.WriteByte(0x00) // reserved

	if err := binary.Write(buf, binary.BigEndian, msg.Sequence); err != nil {
		return nil, &EncodingError{Reason: "write sequence: " + err.Error()}
	}
	if err := binary.Write(buf, binary.BigEndian, msg.Timestamp); err != nil {
		return nil, &EncodingError{Reason: "write timestamp: " + err.Error()}
	}

	payload := msg.Payload
	if c.compression == compressionGzip && len(payload) > 0 {
		compressed, err := gzipCompress(payload)
		if err != nil {
			return nil, &EncodingError{Reason: "gzip compress: " + err.Error()}
		}
		payload = compressed
	}

	if err := binary.Write(buf, binary.BigEndian, uint32(len(payload))); err != nil {
		return nil, &EncodingError{Reason: "write payload size: " + err.Error()}
	}
	buf.Write(payload)

	return buf.Bytes(), nil
}

// Decode parses frame bytes into a message. Truncated frames and
// header/length mismatches fail with a *DecodingError. Unknown kind
// tags decode into a KindControl message with RawKind preserved, so
// forward-compatible additions from the remote side are tolerated
// rather than rejected.
func (c *Codec) Decode(data []byte) (*Message, error) {
	if len(data) < headerLen {
		return nil, &DecodingError{Reason: fmt.Sprintf("frame too short: %d bytes", len(data))}
	}

	buf := bytes.NewBuffer(data)
	versionAndSize, _ := buf.ReadByte()
	kindAndFlags, _ := buf.ReadByte()
	serAndComp, _ := buf.ReadByte()
	_, _ = buf.ReadByte() // reserved

	msg := &Message{}
	rawKind := kindAndFlags >> 4
	flags := kindAndFlags & 0x0f
	compression := compressionType(serAndComp & 0x0f)

	switch Kind(rawKind) {
	case KindHandshake, KindAudioChunk, KindTextChunk, KindTurnStart, KindTurnEnd, KindControl, KindError:
		msg.Kind = Kind(rawKind)
	default:
		msg.Kind = KindControl
		msg.RawKind = rawKind
	}

	// Header size is expressed in 4-byte words; skip any extension.
	if words := int(versionAndSize & 0x0f); words > 1 {
		ext := (words - 1) * 4
		if buf.Len() < ext {
			return nil, &DecodingError{Reason: "truncated header extension"}
		}
		buf.Next(ext)
	}

	if flags&flagSequence != 0 {
		if err := binary.Read(buf, binary.BigEndian, &msg.Sequence); err != nil {
			return nil, &DecodingError{Reason: "read sequence", Err: err}
		}
	}
	if flags&flagTimestamp != 0 {
		if err := binary.Read(buf, binary.BigEndian, &msg.Timestamp); err != nil {
			return nil, &DecodingError{Reason: "read timestamp", Err: err}
		}
	}

	var payloadSize uint32
	if err := binary.Read(buf, binary.BigEndian, &payloadSize); err != nil {
		return nil, &DecodingError{Reason: "read payload size", Err: err}
	}
	if int(payloadSize) != buf.Len() {
		return nil, &DecodingError{Reason: fmt.Sprintf("payload size mismatch: header says %d, %d bytes remain", payloadSize, buf.Len())}
	}

	if payloadSize > 0 {
		msg.Payload = make([]byte, payloadSize)
		if _, err := io.ReadFull(buf, msg.Payload); err != nil {
			return nil, &DecodingError{Reason: "read payload", Err: err}
		}
		if compression == compressionGzip {
			decompressed, err := gzipDecompress(msg.Payload)
			if err != nil {
				return nil, &DecodingError{Reason: "gzip decompress", Err: err}
			}
			msg.Payload = decompressed
		}
	}

	return msg, nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
