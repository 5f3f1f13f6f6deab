package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/authcore/internal/alert"
	"github.com/nerrad567/authcore/internal/infrastructure/config"
	"github.com/nerrad567/authcore/internal/infrastructure/database"
	"github.com/nerrad567/authcore/migrations"
)

// testDB creates a temporary SQLite database with every migration applied.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "audit-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(t.Context(), migrations.FS); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}
	return db.DB
}

func fixedClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func denied(actor, resource, action, reason string) Record {
	return Record{
		ActorID:  actor,
		Role:     "basic",
		Resource: resource,
		Action:   action,
		Outcome:  OutcomeDenied,
		Reason:   reason,
		Origin:   "192.0.2.10",
	}
}

func allowed(actor, resource, action string) Record {
	return Record{
		ActorID:  actor,
		Role:     "admin",
		Resource: resource,
		Action:   action,
		Outcome:  OutcomeAllowed,
		Reason:   "permission_granted",
		Origin:   "192.0.2.11",
	}
}

// memStore is an in-memory Store with injectable failures.
type memStore struct {
	mu      sync.Mutex
	records []Record
	err     error
	block   bool
}

func (m *memStore) Append(ctx context.Context, rec *Record) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, *rec)
	return nil
}

func (m *memStore) Head(context.Context) (int64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return 0, GenesisHash, nil
	}
	last := m.records[len(m.records)-1]
	return last.Seq, last.Hash, nil
}

func (m *memStore) snapshot() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a alert.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}
