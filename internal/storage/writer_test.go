package storage

import (
	"testing"
	"time"

	"agent-refinery/internal/feedback"
)

func TestMetricWriter_RecordNeverBlocks(t *testing.T) {
	// No Start: nothing drains the buffer, so a second record overflows it.
	w := NewMetricWriter(nil, 1)

	done := make(chan struct{})
	go func() {
		w.Record(feedback.MetricRecord{ExecutionID: "exec-1"})
		w.Record(feedback.MetricRecord{ExecutionID: "exec-2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
}

func TestMetricWriter_DropInvokesCallback(t *testing.T) {
	w := NewMetricWriter(nil, 1)
	drops := 0
	w.OnDrop = func() { drops++ }

	w.Record(feedback.MetricRecord{ExecutionID: "exec-1"})
	if drops != 0 {
		t.Fatalf("drops = %d after a buffered record, want 0", drops)
	}

	w.Record(feedback.MetricRecord{ExecutionID: "exec-2"})
	w.Record(feedback.MetricRecord{ExecutionID: "exec-3"})
	if drops != 2 {
		t.Errorf("drops = %d, want 2", drops)
	}
}

func TestMetricWriter_DropWithoutCallback(t *testing.T) {
	w := NewMetricWriter(nil, 1)
	w.Record(feedback.MetricRecord{ExecutionID: "exec-1"})
	// Overflow with OnDrop unset must not panic.
	w.Record(feedback.MetricRecord{ExecutionID: "exec-2"})
}
