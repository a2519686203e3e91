// Package wire implements the fixed binary frame format exchanged between
// peers: an 18-byte header followed by sender id, message id, and a JSON
// payload.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the only version this package emits or accepts.
const ProtocolVersion uint8 = 1

// headerSize is the sum of the fixed header fields: ver(1) + type(1) +
// ts(8) + senderLen(2) + msgIdLen(2) + payloadLen(4) = 18 bytes.
const (
	headerSize = 18
	maxUint16  = 1<<16 - 1
	maxUint32  = 1<<32 - 1
)

// ErrProtocol is the category sentinel for every malformed-frame condition
// this package detects (unknown version, truncated buffer, oversized
// field). Callers that only care about the category can errors.Is against
// ErrProtocol; callers that need the specific cause match the narrower
// sentinel below.
var (
	ErrProtocol       = errors.New("wire: protocol error")
	ErrUnknownVersion = errors.New("wire: unknown protocol version")
	ErrTruncatedFrame = errors.New("wire: truncated frame")
	ErrFieldTooLarge  = errors.New("wire: field exceeds wire size limit")
)

// Message is one frame's worth of data, already decoded.
type Message struct {
	Version   uint8
	Type      Opcode
	Timestamp int64 // unix milliseconds
	SenderID  string
	MessageID string
	Payload   []byte // JSON
}

// IsOpaque reports whether m's opcode is one the core transports but never
// emits or interprets (20-33: presence, cursor, comment threads).
func (m Message) IsOpaque() bool {
	return m.Type.opaque()
}

// Encode serializes m into the canonical binary frame. Version is forced
// to ProtocolVersion; callers do not need to set it.
func Encode(m Message) ([]byte, error) {
	sender := []byte(m.SenderID)
	msgID := []byte(m.MessageID)

	if len(sender) > maxUint16 {
		return nil, fmt.Errorf("%w: %w: senderId %d bytes", ErrProtocol, ErrFieldTooLarge, len(sender))
	}
	if len(msgID) > maxUint16 {
		return nil, fmt.Errorf("%w: %w: messageId %d bytes", ErrProtocol, ErrFieldTooLarge, len(msgID))
	}
	if uint64(len(m.Payload)) > maxUint32 {
		return nil, fmt.Errorf("%w: %w: payload %d bytes", ErrProtocol, ErrFieldTooLarge, len(m.Payload))
	}

	buf := make([]byte, headerSize, headerSize+len(sender)+len(msgID)+len(m.Payload))
	buf[0] = ProtocolVersion
	buf[1] = byte(m.Type)
	binary.BigEndian.PutUint64(buf[2:10], uint64(m.Timestamp))
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(sender)))
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(msgID)))
	binary.BigEndian.PutUint32(buf[14:18], uint32(len(m.Payload)))

	buf = append(buf, sender...)
	buf = append(buf, msgID...)
	buf = append(buf, m.Payload...)
	return buf, nil
}

// Decode parses a single frame from data. It rejects unknown versions and
// truncated buffers before touching any field.
func Decode(data []byte) (Message, error) {
	if len(data) < headerSize {
		return Message{}, fmt.Errorf("%w: %w", ErrProtocol, ErrTruncatedFrame)
	}

	version := data[0]
	if version != ProtocolVersion {
		return Message{}, fmt.Errorf("%w: %w: got %d", ErrProtocol, ErrUnknownVersion, version)
	}

	typ := Opcode(data[1])
	ts := int64(binary.BigEndian.Uint64(data[2:10]))
	senderLen := int(binary.BigEndian.Uint16(data[10:12]))
	msgIDLen := int(binary.BigEndian.Uint16(data[12:14]))
	payloadLen := int(binary.BigEndian.Uint32(data[14:18]))

	want := headerSize + senderLen + msgIDLen + payloadLen
	if len(data) < want {
		return Message{}, fmt.Errorf("%w: %w", ErrProtocol, ErrTruncatedFrame)
	}

	cursor := headerSize
	sender := string(data[cursor : cursor+senderLen])
	cursor += senderLen
	msgID := string(data[cursor : cursor+msgIDLen])
	cursor += msgIDLen
	payload := append([]byte{}, data[cursor:cursor+payloadLen]...)

	return Message{
		Version:   version,
		Type:      typ,
		Timestamp: ts,
		SenderID:  sender,
		MessageID: msgID,
		Payload:   payload,
	}, nil
}

// textEnvelope is the debug-mode JSON wire shape; fields mirror the binary
// header so a frame sniffer can switch on Type alone.
type textEnvelope struct {
	Version   uint8           `json:"version"`
	Type      Opcode          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	SenderID  string          `json:"senderId"`
	MessageID string          `json:"messageId"`
	Payload   json.RawMessage `json:"payload"`
}

// EncodeText renders m as the JSON debug fallback. Payload must already be
// valid JSON.
func EncodeText(m Message) ([]byte, error) {
	if !json.Valid(m.Payload) {
		return nil, errors.New("wire: payload is not valid JSON")
	}
	env := textEnvelope{
		Version:   ProtocolVersion,
		Type:      m.Type,
		Timestamp: m.Timestamp,
		SenderID:  m.SenderID,
		MessageID: m.MessageID,
		Payload:   json.RawMessage(bytes.TrimSpace(m.Payload)),
	}
	return json.Marshal(env)
}

// DecodeText parses the JSON debug fallback.
func DecodeText(data []byte) (Message, error) {
	var env textEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("wire: decode text frame: %w", err)
	}
	if env.Version != ProtocolVersion {
		return Message{}, fmt.Errorf("%w: %w: got %d", ErrProtocol, ErrUnknownVersion, env.Version)
	}
	return Message{
		Version:   env.Version,
		Type:      env.Type,
		Timestamp: env.Timestamp,
		SenderID:  env.SenderID,
		MessageID: env.MessageID,
		Payload:   []byte(env.Payload),
	}, nil
}
