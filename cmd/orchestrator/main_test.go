package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/exchange/saga-orchestrator/internal/config"
	"github.com/exchange/saga-orchestrator/pkg/audit"
	"github.com/exchange/saga-orchestrator/pkg/saga"
)

func TestOpenStoreMemory(t *testing.T) {
	st, err := openStore(context.Background(), &config.Config{StoreDriver: config.DriverMemory})
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer st.close()
	if _, ok := st.store.(*saga.MemoryStore); !ok || st.db != nil {
		t.Fatalf("expected memory store without db, got %T", st.store)
	}
}

func TestOpenStoreSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.db")
	st, err := openStore(context.Background(), &config.Config{StoreDriver: config.DriverSQLite, SQLitePath: path})
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer st.close()
	if st.db == nil || st.dialect != audit.DialectSQLite {
		t.Fatal("expected sqlite db handle for the audit journal")
	}
	if _, ok := st.store.(saga.StaleLister); !ok {
		t.Fatal("expected sqlite store to list stale sagas")
	}

	// The audit journal shares the database and its migrated table.
	journal, err := audit.NewDBLogger(st.db, audit.WithDialect(st.dialect), audit.WithSynchronousWrite())
	if err != nil {
		t.Fatalf("NewDBLogger: %v", err)
	}
	defer journal.Close()
	if err := journal.Log(context.Background(), &audit.Entry{SagaID: "s-1", SagaType: "T", FromStatus: "pending", ToStatus: "done", Trigger: "tick", Data: "{}", Timestamp: 1}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	entries, err := journal.Query(context.Background(), &audit.QueryFilter{SagaID: "s-1"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("Query: %v (%d entries)", err, len(entries))
	}
}
