package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu       sync.Mutex
	failures int
	events   []*SecurityEvent
	calls    int
}

func (f *fakeSink) LogSecurityEvent(_ context.Context, event *SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeSink) snapshot() (int, []*SecurityEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]*SecurityEvent(nil), f.events...)
}

func TestAuditWriter_FlushDrains(t *testing.T) {
	sink := &fakeSink{}
	w := NewAuditWriter(sink, 16)
	w.Start()

	for _, typ := range []string{"denied_import", "dunder_traversal", "root_access"} {
		w.Log(&SecurityEvent{SessionID: "s1", Type: typ})
	}
	w.Flush(5 * time.Second)

	_, events := sink.snapshot()
	if len(events) != 3 {
		t.Fatalf("persisted %d events, want 3", len(events))
	}
	if events[0].Type != "denied_import" {
		t.Errorf("first event = %q, want denied_import", events[0].Type)
	}
}

func TestAuditWriter_Retries(t *testing.T) {
	sink := &fakeSink{failures: 2}
	w := NewAuditWriter(sink, 4)
	w.backoff = time.Millisecond
	w.Start()

	w.Log(&SecurityEvent{SessionID: "s1", Type: "denied_call"})
	w.Flush(5 * time.Second)

	calls, events := sink.snapshot()
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(events) != 1 {
		t.Errorf("persisted %d events, want 1", len(events))
	}
}

func TestAuditWriter_DropsWhenFull(t *testing.T) {
	sink := &fakeSink{}
	w := NewAuditWriter(sink, 1)

	w.Log(&SecurityEvent{Type: "kept"})
	w.Log(&SecurityEvent{Type: "dropped"})

	w.Start()
	w.Flush(5 * time.Second)

	_, events := sink.snapshot()
	if len(events) != 1 || events[0].Type != "kept" {
		t.Errorf("events = %v, want only the first", events)
	}
}

func TestPrepare(t *testing.T) {
	ev := &SecurityEvent{}
	prepare(ev)
	if ev.ID == "" {
		t.Error("ID not assigned")
	}
	if ev.CreatedAt.IsZero() {
		t.Error("CreatedAt not assigned")
	}

	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ev = &SecurityEvent{ID: "keep", CreatedAt: fixed}
	prepare(ev)
	if ev.ID != "keep" || !ev.CreatedAt.Equal(fixed) {
		t.Errorf("prepare overwrote set fields: %+v", ev)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 100},
		{-5, 100},
		{50, 50},
		{1000, 1000},
		{1001, 100},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
