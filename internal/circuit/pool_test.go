package circuit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"samgpt/internal/logging"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) byType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestPool(t *testing.T) (*Pool, *clock.Mock, *eventRecorder) {
	t.Helper()
	mock := clock.NewMock()
	pool := NewPoolWithClock(DefaultConfig(), logging.Nop(), mock)
	rec := &eventRecorder{}
	pool.SetEventSink(rec.sink)
	return pool, mock, rec
}

func TestNewPoolCreatesFixedCircuits(t *testing.T) {
	pool, _, _ := newTestPool(t)

	if pool.Size() != 3 {
		t.Fatalf("pool size = %d, want 3", pool.Size())
	}
	for i, info := range pool.Snapshot() {
		if info.ID != i {
			t.Errorf("circuit %d has id %d", i, info.ID)
		}
		if info.Port != 9050+i {
			t.Errorf("circuit %d has port %d, want %d", i, info.Port, 9050+i)
		}
		if info.Status != "ready" {
			t.Errorf("circuit %d starts %s, want ready", i, info.Status)
		}
	}
}

func TestSelectPrefersLeastRecentlyUsed(t *testing.T) {
	pool, mock, _ := newTestPool(t)

	useCircuit := func(want int) {
		t.Helper()
		id, err := pool.Select(NoExclusion)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if id != want {
			t.Fatalf("selected circuit %d, want %d", id, want)
		}
		if err := pool.MarkBusy(id); err != nil {
			t.Fatalf("mark busy: %v", err)
		}
		mock.Add(time.Second)
		if err := pool.MarkReady(id); err != nil {
			t.Fatalf("mark ready: %v", err)
		}
	}

	// Fresh pool walks the circuits in id order, then cycles back to the
	// one that has been idle longest.
	useCircuit(0)
	useCircuit(1)
	useCircuit(2)
	useCircuit(0)
	useCircuit(1)
}

func TestSelectSkipsBusyCircuits(t *testing.T) {
	pool, _, _ := newTestPool(t)

	first, _ := pool.Select(NoExclusion)
	pool.MarkBusy(first)

	second, err := pool.Select(NoExclusion)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if second == first {
		t.Fatalf("selected busy circuit %d", first)
	}
}

func TestSelectHonorsExclusion(t *testing.T) {
	pool, _, _ := newTestPool(t)

	for i := 0; i < 10; i++ {
		id, err := pool.Select(1)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if id == 1 {
			t.Fatal("excluded circuit was selected")
		}
	}
}

func TestSelectDegradesWhenAllCooling(t *testing.T) {
	pool, mock, rec := newTestPool(t)

	for id := 0; id < pool.Size(); id++ {
		if err := pool.MarkBusy(id); err != nil {
			t.Fatal(err)
		}
		mock.Add(time.Second)
		pool.MarkReady(id)
		pool.Cooldown(id, 30*time.Second)
	}

	id, err := pool.Select(NoExclusion)
	if err != nil {
		t.Fatalf("expected degraded selection, got error %v", err)
	}
	// Circuit 0 has been idle longest.
	if id != 0 {
		t.Fatalf("degraded selection picked %d, want 0", id)
	}
	if len(rec.byType(EventDegradedSelection)) == 0 {
		t.Fatal("expected degraded-selection event")
	}
}

func TestBusyForExactCallDuration(t *testing.T) {
	pool, _, _ := newTestPool(t)

	pool.MarkBusy(2)
	status, _ := pool.Status(2)
	if status != StatusBusy {
		t.Fatalf("status = %s, want busy", status)
	}

	pool.MarkReady(2)
	status, _ = pool.Status(2)
	if status != StatusReady {
		t.Fatalf("status = %s, want ready after completion", status)
	}
}

func TestMarkBusyCountsRequests(t *testing.T) {
	pool, _, _ := newTestPool(t)

	pool.MarkBusy(0)
	pool.MarkReady(0)
	pool.MarkBusy(0)
	pool.MarkReady(0)

	count, err := pool.RequestCount(0)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("requestCount = %d, want 2", count)
	}
}

func TestCooldownSelfClears(t *testing.T) {
	pool, mock, rec := newTestPool(t)

	pool.Cooldown(1, 30*time.Second)

	status, _ := pool.Status(1)
	if status != StatusCooling {
		t.Fatalf("status = %s, want cooling", status)
	}

	mock.Add(31 * time.Second)

	status, _ = pool.Status(1)
	if status != StatusReady {
		t.Fatalf("status = %s, want ready after cooldown", status)
	}
	if len(rec.byType(EventCooldownCleared)) != 1 {
		t.Fatalf("expected exactly one cooldown-cleared event, got %d", len(rec.byType(EventCooldownCleared)))
	}
}

func TestLaterFailureExtendsCooldown(t *testing.T) {
	pool, mock, _ := newTestPool(t)

	pool.Cooldown(1, 30*time.Second)
	mock.Add(15 * time.Second)
	pool.Cooldown(1, 30*time.Second)

	mock.Add(16 * time.Second)
	status, _ := pool.Status(1)
	if status != StatusCooling {
		t.Fatalf("status = %s, want cooling until the extended deadline", status)
	}

	mock.Add(15 * time.Second)
	status, _ = pool.Status(1)
	if status != StatusReady {
		t.Fatalf("status = %s, want ready after extended cooldown", status)
	}
}

func TestRotateResetsRequestCountAndPulses(t *testing.T) {
	pool, mock, rec := newTestPool(t)

	for i := 0; i < 5; i++ {
		pool.MarkBusy(0)
		pool.MarkReady(0)
	}

	if err := pool.Rotate(0, RotationManual); err != nil {
		t.Fatal(err)
	}

	count, _ := pool.RequestCount(0)
	if count != 0 {
		t.Fatalf("requestCount = %d after rotation, want 0", count)
	}

	status, _ := pool.Status(0)
	if status != StatusRotating {
		t.Fatalf("status = %s, want rotating pulse", status)
	}

	mock.Add(3 * time.Second)
	status, _ = pool.Status(0)
	if status != StatusReady {
		t.Fatalf("status = %s, want ready after pulse", status)
	}

	events := rec.byType(EventRotated)
	if len(events) != 1 || events[0].Reason != RotationManual {
		t.Fatalf("unexpected rotation events %+v", events)
	}
}

func TestRotateIfOverusedAtThreshold(t *testing.T) {
	pool, _, _ := newTestPool(t)

	for i := 0; i < 7; i++ {
		pool.MarkBusy(1)
		pool.MarkReady(1)
	}
	if pool.RotateIfOverused(1) {
		t.Fatal("rotated below threshold")
	}

	pool.MarkBusy(1)
	pool.MarkReady(1)
	if !pool.RotateIfOverused(1) {
		t.Fatal("expected rotation at threshold")
	}

	count, _ := pool.RequestCount(1)
	if count != 0 {
		t.Fatalf("requestCount = %d after threshold rotation, want 0", count)
	}
}

func TestScheduledRotationFiresAndSkipsBusy(t *testing.T) {
	mock := clock.NewMock()
	config := DefaultConfig()
	config.RotationInterval = time.Minute
	pool := NewPoolWithClock(config, logging.Nop(), mock)
	rec := &eventRecorder{}
	pool.SetEventSink(rec.sink)

	// Circuit 2 is mid-call and must be skipped.
	pool.MarkBusy(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	// Let the rotation goroutines attach their timers.
	time.Sleep(20 * time.Millisecond)
	// Jitter stretches the period to at most 1.2x the interval.
	mock.Add(80 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		events := rec.byType(EventRotated)
		rotatedBusy := false
		for _, e := range events {
			if e.CircuitID == 2 {
				rotatedBusy = true
			}
		}
		if rotatedBusy {
			t.Fatal("busy circuit was rotated on schedule")
		}
		if len(events) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scheduled rotations never fired, saw %d events", len(events))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSnapshotReportsCooldownDeadline(t *testing.T) {
	pool, mock, _ := newTestPool(t)

	pool.Cooldown(2, time.Minute)
	snapshot := pool.Snapshot()

	info := snapshot[2]
	if info.Status != "cooling" {
		t.Fatalf("status = %s, want cooling", info.Status)
	}
	if info.CooldownUntil == nil {
		t.Fatal("expected cooldown deadline in snapshot")
	}
	want := mock.Now().Add(time.Minute)
	if !info.CooldownUntil.Equal(want) {
		t.Fatalf("cooldown deadline = %v, want %v", info.CooldownUntil, want)
	}
}
