package punch

import "testing"

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	p := Probe{CandidateConvID: 0xDEADBEEF}
	buf := make([]byte, Size)
	n, err := p.Marshal(buf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if n != Size {
		t.Fatalf("marshal returned %d, want %d", n, Size)
	}

	var got Probe
	if err := got.Unmarshal(buf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.CandidateConvID != p.CandidateConvID {
		t.Fatalf("got %x, want %x", got.CandidateConvID, p.CandidateConvID)
	}
}

func TestUnmarshalBadMagic(t *testing.T) {
	buf := make([]byte, Size)
	var got Probe
	if err := got.Unmarshal(buf); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestLooksLikeProbe(t *testing.T) {
	p := Probe{CandidateConvID: 1}
	buf := make([]byte, Size)
	p.Marshal(buf)
	if !LooksLikeProbe(buf) {
		t.Fatalf("expected true for valid probe")
	}
	if LooksLikeProbe([]byte{1, 2, 3}) {
		t.Fatalf("expected false for short buffer")
	}
}

func TestWinningConvID(t *testing.T) {
	if WinningConvID(5, 10) != 5 {
		t.Fatalf("expected lower value to win")
	}
	if WinningConvID(10, 5) != 5 {
		t.Fatalf("expected lower value to win")
	}
}
