package hook

import (
	"encoding/binary"
	"fmt"
)

// Message types matching the LDHOOK_MSG_* defines in the C prologue.
const (
	MsgLog    = 1 // ldhook_log() from an override
	MsgData   = 2 // ldhook_data() from an override
	MsgLoaded = 3 // library constructor ran in a new process
)

// HeaderSize is the fixed size of the binary wire protocol header.
const HeaderSize = 32

// MaxPayload is the maximum payload per message.
const MaxPayload = 16 * 1024

// Header is the Go representation of ldhook_header_t.
type Header struct {
	MsgType     uint8
	PID         uint32
	TID         uint32
	FD          int32
	PayloadLen  uint32
	TimestampNS uint64
}

// Message is a complete event with header and optional payload.
type Message struct {
	Header  Header
	Payload []byte
}

// MsgTypeName returns a human-readable name for a message type.
func MsgTypeName(t uint8) string {
	switch t {
	case MsgLog:
		return "LOG"
	case MsgData:
		return "DATA"
	case MsgLoaded:
		return "LOADED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// ParseHeader decodes a 32-byte binary header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("buffer too small: %d < %d", len(buf), HeaderSize)
	}

	return Header{
		MsgType:     buf[0],
		PID:         binary.LittleEndian.Uint32(buf[4:8]),
		TID:         binary.LittleEndian.Uint32(buf[8:12]),
		FD:          int32(binary.LittleEndian.Uint32(buf[12:16])),
		PayloadLen:  binary.LittleEndian.Uint32(buf[16:20]),
		TimestampNS: binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

// ParseMessage decodes a complete message from a byte buffer.
func ParseMessage(buf []byte) (*Message, error) {
	hdr, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}

	if hdr.PayloadLen > MaxPayload {
		return nil, fmt.Errorf("payload too large: %d > %d", hdr.PayloadLen, MaxPayload)
	}

	msg := &Message{Header: hdr}

	if hdr.PayloadLen > 0 {
		if uint32(len(buf)) < uint32(HeaderSize)+hdr.PayloadLen {
			return nil, fmt.Errorf("payload truncated: have %d, need %d",
				len(buf)-HeaderSize, hdr.PayloadLen)
		}
		msg.Payload = make([]byte, hdr.PayloadLen)
		copy(msg.Payload, buf[HeaderSize:HeaderSize+hdr.PayloadLen])
	}

	return msg, nil
}

// EncodeMessage is the inverse of ParseMessage. The preloaded library builds
// the same layout in C; this is used by tests and tools replaying events.
func EncodeMessage(msg *Message) []byte {
	payload := msg.Payload
	if len(payload) > MaxPayload {
		payload = payload[:MaxPayload]
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = msg.Header.MsgType
	binary.LittleEndian.PutUint32(buf[4:8], msg.Header.PID)
	binary.LittleEndian.PutUint32(buf[8:12], msg.Header.TID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(msg.Header.FD))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[24:32], msg.Header.TimestampNS)
	copy(buf[HeaderSize:], payload)
	return buf
}
