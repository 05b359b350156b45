package tcp

import "testing"

func TestStateCanReadCanWrite(t *testing.T) {
	cases := []struct {
		s               State
		canRead, canWrite bool
	}{
		{StateClosed, false, false},
		{StateListen, false, false},
		{StateSynSent, false, false},
		{StateEstablished, true, true},
		{StateFinWait1, true, false},
		{StateFinWait2, true, false},
		{StateCloseWait, true, true},
		{StateClosing, false, false},
		{StateLastAck, false, false},
		{StateTimeWait, false, false},
	}
	for _, c := range cases {
		if got := c.s.CanRead(); got != c.canRead {
			t.Errorf("%s.CanRead() = %v, want %v", c.s, got, c.canRead)
		}
		if got := c.s.CanWrite(); got != c.canWrite {
			t.Errorf("%s.CanWrite() = %v, want %v", c.s, got, c.canWrite)
		}
	}
}

func TestStateStringKnownValues(t *testing.T) {
	if StateEstablished.String() != "ESTABLISHED" {
		t.Fatalf("got %q", StateEstablished.String())
	}
	if StateTimeWait.String() != "TIME_WAIT" {
		t.Fatalf("got %q", StateTimeWait.String())
	}
}
