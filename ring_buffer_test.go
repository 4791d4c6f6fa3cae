package main

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func TestRingPushPop(t *testing.T) {
	rb := NewRingBuffer(16, false)
	if n, err := rb.Push([]byte("hello")); err != nil || n != 5 {
		t.Fatalf("push: n=%d err=%v", n, err)
	}
	if rb.Length() != 5 || rb.Available() != 11 {
		t.Fatalf("length=%d available=%d", rb.Length(), rb.Available())
	}

	out := make([]byte, 5)
	if n := rb.Pop(out); n != 5 || string(out) != "hello" {
		t.Fatalf("pop: n=%d out=%q", n, out)
	}
	if rb.Length() != 0 {
		t.Fatalf("length after drain = %d", rb.Length())
	}
}

func TestRingOverflowRejected(t *testing.T) {
	rb := NewRingBuffer(4, false)
	rb.Push([]byte{1, 2, 3})
	if _, err := rb.Push([]byte{4, 5}); err != ErrRingOverflow {
		t.Fatalf("expected overflow, got %v", err)
	}
	// Rejected push stores nothing.
	if rb.Length() != 3 {
		t.Fatalf("length after rejected push = %d", rb.Length())
	}
}

func TestRingOverwriteKeepsNewest(t *testing.T) {
	// Push 1000 bytes through a 100-byte overwriting ring; popping yields
	// the last 100 bytes pushed.
	rb := NewRingBuffer(100, true)
	var all []byte
	for i := 0; i < 100; i++ {
		chunk := make([]byte, 10)
		for j := range chunk {
			chunk[j] = byte(i*10 + j)
		}
		all = append(all, chunk...)
		if _, err := rb.Push(chunk); err != nil {
			t.Fatalf("overwriting push failed: %v", err)
		}
	}

	out := make([]byte, 100)
	if n := rb.Pop(out); n != 100 {
		t.Fatalf("pop returned %d", n)
	}
	if !bytes.Equal(out, all[len(all)-100:]) {
		t.Fatalf("popped bytes are not the newest 100")
	}
}

func TestRingOversizedPushKeepsTail(t *testing.T) {
	rb := NewRingBuffer(8, true)
	rb.Push([]byte{0xAA})
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	if n, _ := rb.Push(data); n != 8 {
		t.Fatalf("oversized push wrote %d", n)
	}
	out := make([]byte, 8)
	rb.Pop(out)
	if !bytes.Equal(out, data[12:]) {
		t.Fatalf("tail not retained: %v", out)
	}
}

func TestRingPeekDoesNotConsume(t *testing.T) {
	rb := NewRingBuffer(8, false)
	rb.Push([]byte{1, 2, 3})
	out := make([]byte, 3)
	rb.Peek(out)
	if rb.Length() != 3 {
		t.Fatalf("peek consumed bytes")
	}
	out2 := make([]byte, 3)
	rb.Pop(out2)
	if !bytes.Equal(out, out2) {
		t.Fatalf("peek and pop disagree: %v vs %v", out, out2)
	}
}

func TestRingClear(t *testing.T) {
	rb := NewRingBuffer(8, false)
	rb.Push([]byte{1, 2, 3})
	rb.Clear()
	if rb.Length() != 0 || rb.Available() != 8 {
		t.Fatalf("clear did not reset counters")
	}
}

func TestRingInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 64).Draw(t, "capacity")
		overwrite := rapid.Bool().Draw(t, "overwrite")
		rb := NewRingBuffer(capacity, overwrite)

		// Model the ring as a plain FIFO byte slice.
		var model []byte

		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "push") {
				data := rapid.SliceOfN(rapid.Byte(), 0, capacity*2).Draw(t, "data")
				n, err := rb.Push(data)
				if overwrite {
					if err != nil {
						t.Fatalf("overwriting push errored: %v", err)
					}
					model = append(model, data...)
					if len(model) > capacity {
						model = model[len(model)-capacity:]
					}
					if len(data) > capacity && n != capacity {
						t.Fatalf("oversized push wrote %d", n)
					}
				} else if err == nil {
					model = append(model, data...)
				}
			} else {
				out := make([]byte, rapid.IntRange(0, capacity).Draw(t, "readLen"))
				n := rb.Pop(out)
				want := min(len(out), len(model))
				if n != want {
					t.Fatalf("pop returned %d, want %d", n, want)
				}
				if !bytes.Equal(out[:n], model[:n]) {
					t.Fatalf("pop content mismatch")
				}
				model = model[n:]
			}

			if rb.Length() != len(model) {
				t.Fatalf("length %d, model %d", rb.Length(), len(model))
			}
			if rb.Length() < 0 || rb.Length() > capacity {
				t.Fatalf("length %d out of [0,%d]", rb.Length(), capacity)
			}
			if rb.Available() != capacity-rb.Length() {
				t.Fatalf("available %d, want %d", rb.Available(), capacity-rb.Length())
			}
		}
	})
}
