package hook

import (
	"encoding/binary"
	"testing"
)

func TestParseHeader(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = MsgLog                                    // msg_type
	binary.LittleEndian.PutUint32(buf[4:8], 12345)     // pid
	binary.LittleEndian.PutUint32(buf[8:12], 67890)    // tid
	binary.LittleEndian.PutUint32(buf[12:16], 5)       // fd
	binary.LittleEndian.PutUint32(buf[16:20], 100)     // payload_len
	binary.LittleEndian.PutUint64(buf[24:32], 1000000) // timestamp

	hdr, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader error: %v", err)
	}

	if hdr.MsgType != MsgLog {
		t.Errorf("MsgType = %d, want %d", hdr.MsgType, MsgLog)
	}
	if hdr.PID != 12345 {
		t.Errorf("PID = %d, want 12345", hdr.PID)
	}
	if hdr.TID != 67890 {
		t.Errorf("TID = %d, want 67890", hdr.TID)
	}
	if hdr.FD != 5 {
		t.Errorf("FD = %d, want 5", hdr.FD)
	}
	if hdr.PayloadLen != 100 {
		t.Errorf("PayloadLen = %d, want 100", hdr.PayloadLen)
	}
	if hdr.TimestampNS != 1000000 {
		t.Errorf("TimestampNS = %d, want 1000000", hdr.TimestampNS)
	}
}

func TestParseHeaderShort(t *testing.T) {
	if _, err := ParseHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestParseMessageNegativeFD(t *testing.T) {
	msg := &Message{Header: Header{MsgType: MsgLoaded, PID: 1, FD: -1}}

	got, err := ParseMessage(EncodeMessage(msg))
	if err != nil {
		t.Fatalf("ParseMessage error: %v", err)
	}
	if got.Header.FD != -1 {
		t.Errorf("FD = %d, want -1", got.Header.FD)
	}
	if got.Payload != nil {
		t.Errorf("Payload = %q, want nil", got.Payload)
	}
}

func TestParseMessageTruncated(t *testing.T) {
	buf := EncodeMessage(&Message{
		Header:  Header{MsgType: MsgData},
		Payload: []byte("abcdef"),
	})

	if _, err := ParseMessage(buf[:len(buf)-2]); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestParseMessageOversized(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = MsgData
	binary.LittleEndian.PutUint32(buf[16:20], MaxPayload+1)

	if _, err := ParseMessage(buf); err == nil {
		t.Fatal("expected error for oversized payload length")
	}
}

func TestEncodeMessageClampsPayload(t *testing.T) {
	big := make([]byte, MaxPayload+10)
	buf := EncodeMessage(&Message{Header: Header{MsgType: MsgData}, Payload: big})

	if len(buf) != HeaderSize+MaxPayload {
		t.Fatalf("len = %d, want %d", len(buf), HeaderSize+MaxPayload)
	}
}

func TestMsgTypeName(t *testing.T) {
	tests := []struct {
		msgType uint8
		want    string
	}{
		{MsgLog, "LOG"},
		{MsgData, "DATA"},
		{MsgLoaded, "LOADED"},
		{99, "UNKNOWN(99)"},
	}

	for _, tt := range tests {
		got := MsgTypeName(tt.msgType)
		if got != tt.want {
			t.Errorf("MsgTypeName(%d) = %q, want %q", tt.msgType, got, tt.want)
		}
	}
}
