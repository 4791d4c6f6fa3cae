package main

import "testing"

// The procedures themselves poke live sysfs and are not exercised here;
// these tests cover the ladder table and its dispatch.

func TestLadderOrder(t *testing.T) {
	want := []string{
		"authorize-toggle",
		"remove-rescan",
		"hcd-rebind",
		"pci-power-cycle",
		"multi-cycle",
		"runtime-pm",
	}
	if len(recoveryLadder) != len(want) {
		t.Fatalf("ladder has %d procedures", len(recoveryLadder))
	}
	for i, proc := range recoveryLadder {
		if proc.name != want[i] {
			t.Fatalf("level %d = %q, want %q", i, proc.name, want[i])
		}
		if proc.run == nil {
			t.Fatalf("level %d has no procedure", i)
		}
	}
}

func TestRecoverLevelOutOfRange(t *testing.T) {
	for _, level := range []int{-1, len(recoveryLadder)} {
		res := usbRecoverLevel(level)
		if res.Success || res.DeviceFound {
			t.Fatalf("out-of-range level %d reported success", level)
		}
		if res.Level != level {
			t.Fatalf("result level = %d", res.Level)
		}
	}
}
