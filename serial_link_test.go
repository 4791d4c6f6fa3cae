package main

import (
	"testing"
	"time"
)

func TestIsM8Port(t *testing.T) {
	cases := []struct {
		vid, pid string
		want     bool
	}{
		{"16C0", "048A", true},
		{"16c0", "048a", true},
		{"16C0", "048B", true},
		{"16C0", "0483", false},
		{"0403", "048A", false},
		{"", "", false},
	}
	for _, tc := range cases {
		if got := isM8Port(tc.vid, tc.pid); got != tc.want {
			t.Fatalf("isM8Port(%q,%q) = %v", tc.vid, tc.pid, got)
		}
	}
}

func TestWriteWhileDisconnected(t *testing.T) {
	link := NewSerialLink(115200, false, time.Second)
	if err := link.Write([]byte{0x43, 0x00}); err != errNotConnected {
		t.Fatalf("expected errNotConnected, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	link := NewSerialLink(115200, true, time.Second)
	link.Stop()
	link.Stop()
}
