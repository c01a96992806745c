package entstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/wilhg/eventcore/pkg/store"
	"github.com/wilhg/eventcore/pkg/store/storetest"
)

var dbSeq atomic.Int64

// openSQLite returns a migrated store on a private in-memory database.
func openSQLite(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	name := fmt.Sprintf("ent%d", dbSeq.Add(1))
	st, err := Open(ctx, "sqlite:file:"+name+"?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestSQLite_EventStore(t *testing.T) {
	storetest.EventStore(t, func(t *testing.T) store.EventStore { return openSQLite(t) })
}

func TestSQLite_SnapshotStore(t *testing.T) {
	storetest.SnapshotStore(t, func(t *testing.T) store.SnapshotStore { return openSQLite(t) })
}

func TestSQLite_ReadModelBackend(t *testing.T) {
	storetest.ReadModelBackend(t, func(t *testing.T) store.ReadModelBackend { return openSQLite(t) })
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	st := openSQLite(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestParseDSN(t *testing.T) {
	cases := []struct {
		in      string
		driver  string
		dialect string
		wantErr bool
	}{
		{in: "sqlite:", driver: "sqlite3", dialect: "sqlite3"},
		{in: "sqlite:file:x.db", driver: "sqlite3", dialect: "sqlite3"},
		{in: "postgres://u:p@localhost:5432/db?sslmode=disable", driver: "pgx", dialect: "postgres"},
		{in: "host=localhost user=u dbname=db", driver: "pgx", dialect: "postgres"},
		{in: "mysql://localhost/db", wantErr: true},
		{in: "", wantErr: true},
		{in: "nonsense", wantErr: true},
	}
	for _, c := range cases {
		drv, dsn, dia, err := parseDSN(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", c.in, err)
			continue
		}
		if drv != c.driver || dia != c.dialect || dsn == "" {
			t.Errorf("%q: got driver=%s dialect=%s dsn=%q", c.in, drv, dia, dsn)
		}
	}
}
