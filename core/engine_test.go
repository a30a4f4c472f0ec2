// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package core

import (
	"sync"
	"testing"

	"pgregory.net/rapid"
)

// eventSink collects emitted events in order; safe to share across the
// single goroutine these tests drive the controller from.
type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) record(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) of(tag string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Tag() == tag {
			out = append(out, ev)
		}
	}
	return out
}

func (s *eventSink) count(tag string) int { return len(s.of(tag)) }

func newTestController() (*Controller, *eventSink) {
	sink := &eventSink{}
	c := New(sink.record)
	c.streamingEnabled = true
	return c, sink
}

// S1: character-counting throughput, default 128-byte window.
func TestCharacterCountingThroughput(t *testing.T) {
	c, sink := newTestController()
	c.Write([]string{"G1X1", "G1X2", "G1X3"})
	c.JobRun(nil)

	sent := sink.of("on_line_sent")
	if len(sent) != 3 {
		t.Fatalf("expected all 3 lines sent back-to-back, got %d", len(sent))
	}
	if len(c.rxFifo) != 3 {
		t.Fatalf("expected 3 entries in flight, got %d", len(c.rxFifo))
	}

	c.handleOk()
	c.handleOk()
	c.handleOk()

	if got := sink.count("on_job_completed"); got != 1 {
		t.Errorf("expected on_job_completed exactly once, got %d", got)
	}
	if len(c.rxFifo) != 0 {
		t.Errorf("expected RX-FIFO drained, got %d entries", len(c.rxFifo))
	}
}

// S2: a window too small to fit all lines at once.
func TestRxBufferBoundary(t *testing.T) {
	c, sink := newTestController()
	c.RxBufferSize = 10
	c.Write([]string{"AAAA", "BBBB", "CCCC"})
	c.JobRun(nil)

	sent := sink.of("on_line_sent")
	if len(sent) != 2 {
		t.Fatalf("expected 2 lines sent before blocking on room, got %d", len(sent))
	}
	if sent[0].(EventLineSent).Line != "AAAA" || sent[1].(EventLineSent).Line != "BBBB" {
		t.Fatalf("unexpected send order: %v", sent)
	}

	c.handleOk() // acks AAAA, room frees for CCCC
	sent = sink.of("on_line_sent")
	if len(sent) != 3 {
		t.Fatalf("expected C sent after first ok, got %d sends", len(sent))
	}
	if sent[2].(EventLineSent).Line != "CCCC" {
		t.Errorf("expected third send to be CCCC, got %q", sent[2].(EventLineSent).Line)
	}

	c.handleOk() // acks BBBB, nothing left to prepare
	if got := sink.count("on_line_sent"); got != 3 {
		t.Errorf("expected no new sends on second ok, got %d total", got)
	}
	if got := sink.count("on_job_completed"); got != 0 {
		t.Errorf("job should not finish until CCCC is acked, got %d completions", got)
	}

	c.handleOk() // acks CCCC
	if got := sink.count("on_job_completed"); got != 1 {
		t.Errorf("expected job_completed exactly once after final ok, got %d", got)
	}
}

// S3: an undefined #N variable reference halts the job without sending it.
func TestVarSubstitutionHaltsJob(t *testing.T) {
	c, sink := newTestController()
	one := "5"
	c.gc.Vars["1"] = &one
	c.Write([]string{"G1X#1Y#2"})
	c.JobRun(nil)

	if got := sink.count("on_line_sent"); got != 0 {
		t.Errorf("expected the undefined-var line never sent, got %d sends", got)
	}
	undef := sink.of("on_preprocessor_var_undefined")
	if len(undef) != 1 || undef[0].(EventPreprocessorVarUndefined).Key != "2" {
		t.Fatalf("expected on_preprocessor_var_undefined(2), got %v", undef)
	}
	if c.streamingEnabled {
		t.Errorf("expected streaming halted after undefined var")
	}
}

// S6: an error response halts further sends until job_new.
func TestErrorRecoveryHaltsThenResumes(t *testing.T) {
	c, sink := newTestController()
	c.Write([]string{"G1X1", "XBAD", "G1X2"})
	c.JobRun(nil)

	if got := sink.count("on_line_sent"); got != 3 {
		t.Fatalf("expected all 3 fit the default window and get sent, got %d", got)
	}

	c.handleOk()               // G1X1 acked
	c.handleError("error:20") // XBAD rejected
	if !c.errorFlag {
		t.Errorf("expected error flag set")
	}
	errs := sink.of("on_error")
	if len(errs) != 1 {
		t.Fatalf("expected exactly one on_error, got %d", len(errs))
	}
	got := errs[0].(EventError)
	if got.Command != "XBAD" || got.LineNr != 1 {
		t.Errorf("expected error attributed to XBAD at line 1, got %+v", got)
	}
	if c.streamingEnabled {
		t.Errorf("expected streaming disabled after an error")
	}

	c.handleOk() // G1X2's earlier ack, if any, must not resume sending
	if got := sink.count("on_line_sent"); got != 3 {
		t.Errorf("expected no further sends after the error, got %d total sends", got)
	}

	c.JobNew()
	if c.errorFlag {
		t.Errorf("expected job_new to clear the error flag")
	}
	c.Write([]string{"G1X3"})
	c.JobRun(nil)
	if got := sink.count("on_line_sent"); got != 4 {
		t.Errorf("expected streaming resumed after job_new, got %d total sends", got)
	}
}

// Incremental streaming never has more than one line in flight.
func TestIncrementalStreamingAtMostOneInFlight(t *testing.T) {
	c, sink := newTestController()
	c.SetIncrementalStreaming(true)
	c.Write([]string{"G1X1", "G1X2", "G1X3"})
	c.JobRun(nil)

	if len(c.rxFifo) > 1 {
		t.Fatalf("incremental mode must keep at most one line in flight, got %d", len(c.rxFifo))
	}
	for i := 0; i < 3; i++ {
		if len(c.rxFifo) > 1 {
			t.Fatalf("at most one line in flight at any point, got %d", len(c.rxFifo))
		}
		c.handleOk()
	}
	if got := sink.count("on_job_completed"); got != 1 {
		t.Errorf("expected job_completed exactly once, got %d", got)
	}
}

// Stash/unstash round-trips the buffer and cursor exactly.
func TestStashUnstashRoundTrip(t *testing.T) {
	c, _ := newTestController()
	c.Write([]string{"G1X1", "G1X2", "G1X3"})
	c.currentLineNr = 1

	c.Stash()
	if len(c.buffer) != 0 {
		t.Fatalf("expected job_new to clear the live buffer after stash, got %v", c.buffer)
	}

	c.Unstash()
	if len(c.buffer) != 3 || c.currentLineNr != 1 {
		t.Errorf("expected buffer+cursor restored exactly, got buffer=%v cursor=%d", c.buffer, c.currentLineNr)
	}
}

// Property: the RX-FIFO byte sum never exceeds RxBufferSize.
func TestRxFifoNeverExceedsWindow(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c, _ := newTestController()
		// rx_buffer_size stays comfortably above any single line's
		// byte length (max 6 chars + 1 for the newline) so a line can
		// never be individually too large to fit the window.
		c.RxBufferSize = rapid.IntRange(8, 64).Draw(t, "rx_buffer_size")
		n := rapid.IntRange(1, 20).Draw(t, "n")
		lines := make([]string, n)
		for i := range lines {
			lines[i] = rapid.StringMatching(`[A-Z]{1,6}`).Draw(t, "line")
		}
		c.Write(lines)
		c.JobRun(nil)

		sum := 0
		for _, e := range c.rxFifo {
			sum += e.byteLen
		}
		if sum > c.RxBufferSize {
			t.Fatalf("RX-FIFO byte sum %d exceeds window %d", sum, c.RxBufferSize)
		}

		// Drain by acking every in-flight entry repeatedly; the window
		// invariant must hold after every ok, and the job must finish.
		for i := 0; i < n+5; i++ {
			if len(c.rxFifo) == 0 && c.jobFinished {
				break
			}
			c.handleOk()
			sum = 0
			for _, e := range c.rxFifo {
				sum += e.byteLen
			}
			if sum > c.RxBufferSize {
				t.Fatalf("RX-FIFO byte sum %d exceeds window %d after ok", sum, c.RxBufferSize)
			}
		}
		if !c.jobFinished {
			t.Fatalf("expected job to finish after draining all acks")
		}
	})
}

// Property: cursor never decreases across advances.
func TestCursorMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c, _ := newTestController()
		n := rapid.IntRange(1, 10).Draw(t, "n")
		// "G1X1" is 5 bytes with the newline; a window of 6 forces at
		// most one line in flight, so the cursor advances across the
		// handleOk loop below instead of all at once up front.
		c.RxBufferSize = 6
		lines := make([]string, n)
		for i := range lines {
			lines[i] = "G1X1"
		}
		c.Write(lines)
		c.JobRun(nil)

		last := c.currentLineNr
		for i := 0; i < n; i++ {
			c.handleOk()
			if c.currentLineNr < last {
				t.Fatalf("cursor went backwards: %d -> %d", last, c.currentLineNr)
			}
			last = c.currentLineNr
		}
	})
}
