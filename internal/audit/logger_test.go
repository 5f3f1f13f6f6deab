package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLogger_Record_AssignsFields(t *testing.T) {
	store := &memStore{}
	l := NewLogger(store, WithClock(fixedClock()))

	rec, err := l.Record(t.Context(), Record{
		Resource: "users", Action: "manage", Outcome: OutcomeDenied, Reason: "missing_token",
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if rec.ID == "" || len(rec.ID) != 26 {
		t.Errorf("ID = %q, want 26-char ULID", rec.ID)
	}
	if rec.Seq != 1 {
		t.Errorf("Seq = %d, want 1", rec.Seq)
	}
	if rec.ActorID != ActorAnonymous {
		t.Errorf("ActorID = %q, want %q", rec.ActorID, ActorAnonymous)
	}
	if rec.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	if rec.Hash != ComputeHash(rec) {
		t.Error("Hash does not match content")
	}
	if got := store.snapshot(); len(got) != 1 || got[0].ID != rec.ID {
		t.Errorf("store = %+v, want the recorded entry", got)
	}
}

func TestLogger_Record_Validation(t *testing.T) {
	l := NewLogger(&memStore{})
	bad := []Record{
		{Action: "read", Outcome: OutcomeDenied, Reason: "x"},
		{Resource: "users", Outcome: OutcomeDenied, Reason: "x"},
		{Resource: "users", Action: "read", Outcome: "MAYBE", Reason: "x"},
		{Resource: "users", Action: "read", Outcome: OutcomeAllowed},
	}
	for _, rec := range bad {
		if _, err := l.Record(t.Context(), rec); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("Record(%+v) error = %v, want ErrInvalidRecord", rec, err)
		}
	}
}

func TestLogger_ResumesChainFromStore(t *testing.T) {
	store := &memStore{}
	first := NewLogger(store, WithClock(fixedClock()))
	for range 3 {
		if _, err := first.Record(t.Context(), allowed("usr-1", "orders", "read")); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	// A restarted process picks up the head.
	second := NewLogger(store, WithClock(fixedClock()))
	rec, err := second.Record(t.Context(), allowed("usr-1", "orders", "read"))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if rec.Seq != 4 {
		t.Errorf("Seq = %d, want 4", rec.Seq)
	}
	if err := VerifyChain(store.snapshot()); err != nil {
		t.Errorf("VerifyChain() error = %v", err)
	}
}

func TestLogger_Concurrent(t *testing.T) {
	store := &memStore{}
	l := NewLogger(store, WithTimeout(5*time.Second))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Record(t.Context(), allowed("usr-1", "orders", "read")); err != nil {
				t.Errorf("Record() error = %v", err)
			}
		}()
	}
	wg.Wait()

	records := store.snapshot()
	if len(records) != 50 {
		t.Fatalf("stored %d records, want 50", len(records))
	}
	if err := VerifyChain(records); err != nil {
		t.Errorf("VerifyChain() after concurrent writes error = %v", err)
	}
}

func TestLogger_StoreFailureAlerts(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	alerts := &recordingNotifier{}
	l := NewLogger(store, WithAlerts(alerts))

	_, err := l.Record(t.Context(), denied("usr-1", "users", "read", "permission_denied"))
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("Record() error = %v, want ErrWriteFailed", err)
	}
	if alerts.count() != 1 {
		t.Errorf("alerts = %d, want 1", alerts.count())
	}

	// The failed record does not consume a sequence number.
	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	rec, err := l.Record(t.Context(), denied("usr-1", "users", "read", "permission_denied"))
	if err != nil {
		t.Fatalf("Record() after recovery error = %v", err)
	}
	if rec.Seq != 1 {
		t.Errorf("Seq = %d, want 1", rec.Seq)
	}
}

func TestLogger_TimeoutIsBoundedAndDetached(t *testing.T) {
	store := &memStore{block: true}
	alerts := &recordingNotifier{}
	l := NewLogger(store, WithTimeout(30*time.Millisecond), WithAlerts(alerts))

	// A cancelled request context does not short-circuit the write.
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	start := time.Now()
	_, err := l.Record(ctx, denied("usr-1", "users", "read", "permission_denied"))
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Record() error = %v, want ErrTimeout", err)
	}
	if elapsed < 25*time.Millisecond {
		t.Errorf("Record() returned after %v; request cancellation leaked into the write", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Record() took %v, timeout not applied", elapsed)
	}
	if alerts.count() != 1 {
		t.Errorf("alerts = %d, want 1", alerts.count())
	}
}

func TestLogger_FanoutDeliversAfterCommit(t *testing.T) {
	store := &memStore{}
	got := make(chan Record, 4)
	var failing int
	var mu sync.Mutex

	l := NewLogger(store, WithSubscribers(
		SubscriberFunc{SinkName: "capture", Fn: func(_ context.Context, rec Record) error {
			got <- rec
			return nil
		}},
		SubscriberFunc{SinkName: "broken", Fn: func(context.Context, Record) error {
			mu.Lock()
			failing++
			mu.Unlock()
			return errors.New("sink down")
		}},
	))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	rec, err := l.Record(t.Context(), allowed("usr-1", "orders", "read"))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	select {
	case delivered := <-got:
		if delivered.Hash != rec.Hash {
			t.Errorf("delivered hash = %q, want %q", delivered.Hash, rec.Hash)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("record never reached subscriber")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if failing != 1 {
		t.Errorf("broken sink called %d times, want 1", failing)
	}
}

func TestLogger_FullFanoutDoesNotBlock(t *testing.T) {
	l := NewLogger(&memStore{}, WithFanoutBuffer(1))

	// Nothing drains the queue.
	for range 5 {
		if _, err := l.Record(t.Context(), allowed("usr-1", "orders", "read")); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
}
