package fbdp

import (
	"errors"
	"testing"
)

func TestControlFrameRoundTrip(t *testing.T) {
	cases := []ControlFrame{
		{Type: Open, Revision: Revision, TypeData: 0},
		{Type: Ready, Revision: Revision, TypeData: 50},
		{Type: Data, Revision: Revision, TypeData: 7},
		{Type: Close, Revision: Revision, TypeData: uint16(CodeInvalidData)},
	}
	for _, cf := range cases {
		buf := make([]byte, HeaderSize)
		n, err := MarshalControlFrame(cf, buf)
		if err != nil {
			t.Fatalf("MarshalControlFrame(%+v): %v", cf, err)
		}
		if n != HeaderSize {
			t.Fatalf("MarshalControlFrame returned %d, want %d", n, HeaderSize)
		}
		got, err := UnmarshalControlFrame(buf)
		if err != nil {
			t.Fatalf("UnmarshalControlFrame: %v", err)
		}
		if got != cf {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, cf)
		}
	}
}

func TestUnmarshalControlFrameRejectsWrongMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], "FBSP")
	if _, err := UnmarshalControlFrame(buf); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestUnmarshalControlFrameRejectsReservedBits(t *testing.T) {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	buf[4] = Revision | 0x10
	buf[5] = byte(Open)
	if _, err := UnmarshalControlFrame(buf); !errors.Is(err, ErrReservedBits) {
		t.Fatalf("expected ErrReservedBits, got %v", err)
	}
}

func TestUnmarshalControlFrameRejectsBadRevision(t *testing.T) {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	buf[4] = 0x03
	buf[5] = byte(Open)
	if _, err := UnmarshalControlFrame(buf); !errors.Is(err, ErrUnsupportedRevision) {
		t.Fatalf("expected ErrUnsupportedRevision, got %v", err)
	}
}

func TestUnmarshalControlFrameRejectsUnknownType(t *testing.T) {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	buf[4] = Revision
	buf[5] = 9
	if _, err := UnmarshalControlFrame(buf); !errors.Is(err, ErrUnknownMsgType) {
		t.Fatalf("expected ErrUnknownMsgType, got %v", err)
	}
}

func TestUnmarshalControlFrameTooShort(t *testing.T) {
	if _, err := UnmarshalControlFrame(make([]byte, 3)); !errors.Is(err, ErrBufTooSmall) {
		t.Fatalf("expected ErrBufTooSmall, got %v", err)
	}
}
