package transport

import "testing"

func TestSegmentMarshalUnmarshalRoundTrip(t *testing.T) {
	s := &segment{
		ConvID: 0xC0FFEE,
		Cmd:    CmdPush,
		Frg:    2,
		Wnd:    64,
		SN:     17,
		Una:    12,
		Data:   []byte("hello ghostlink"),
	}
	buf := make([]byte, headerSize+len(s.Data))
	n, err := s.marshal(buf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("marshal wrote %d, want %d", n, len(buf))
	}

	got, err := unmarshalSegment(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ConvID != s.ConvID || got.Cmd != s.Cmd || got.Frg != s.Frg ||
		got.Wnd != s.Wnd || got.SN != s.SN || got.Una != s.Una {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, s)
	}
	if string(got.Data) != string(s.Data) {
		t.Fatalf("payload mismatch: got %q, want %q", got.Data, s.Data)
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	buf := make([]byte, headerSize-1)
	if _, err := unmarshalSegment(buf); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestConvID(t *testing.T) {
	s := &segment{ConvID: 42, Cmd: CmdAck}
	buf := make([]byte, headerSize)
	s.marshal(buf)
	got, ok := ConvID(buf)
	if !ok || got != 42 {
		t.Fatalf("ConvID() = %d, %v, want 42, true", got, ok)
	}
}
