package auditlog

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/animus-labs/shipyard-go/internal/platform/auth"
	"github.com/animus-labs/shipyard-go/internal/platform/migrate"
	"github.com/animus-labs/shipyard-go/internal/platform/sqlite"
)

func TestComputeIntegritySHA256Deterministic(t *testing.T) {
	ev := Event{
		OccurredAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Actor:        "alice",
		Action:       "run.start",
		ResourceType: "run",
		ResourceID:   "r1",
		IP:           net.ParseIP("10.0.0.1"),
	}
	a, err := ComputeIntegritySHA256(ev, []byte(`{"target":"web"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256: %v", err)
	}
	b, _ := ComputeIntegritySHA256(ev, []byte(`{"target":"web"}`))
	if a != b || len(a) != 64 {
		t.Fatalf("integrity=%q,%q", a, b)
	}
	ev.Actor = "mallory"
	c, _ := ComputeIntegritySHA256(ev, []byte(`{"target":"web"}`))
	if c == a {
		t.Fatalf("integrity should change with actor")
	}
}

func TestInsertSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, sqlite.Config{Path: filepath.Join(t.TempDir(), "audit.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := migrate.Up(ctx, db, migrate.DialectSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	id, err := Insert(ctx, db, migrate.DialectSQLite, Event{
		Action:       "run.cancel",
		ResourceType: "run",
		ResourceID:   "r1",
		Payload:      map[string]any{"reason": "operator"},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id <= 0 {
		t.Fatalf("id=%d, want > 0", id)
	}

	var actor string
	if err := db.QueryRowContext(ctx, `SELECT actor FROM audit_events WHERE event_id = ?`, id).Scan(&actor); err != nil {
		t.Fatalf("select: %v", err)
	}
	if actor != "system" {
		t.Fatalf("actor=%q, want system", actor)
	}
}

func TestInsertRejectsMissingAction(t *testing.T) {
	if _, _, err := (Event{ResourceType: "run", ResourceID: "r1"}).Normalize(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestFromAuthDeny(t *testing.T) {
	ev := FromAuthDeny("shipyard", auth.DenyEvent{
		Time:       time.Now().UTC(),
		Status:     403,
		Reason:     "forbidden",
		Method:     "POST",
		Path:       "/v1/runs",
		RemoteAddr: "192.0.2.1:5555",
	})
	if ev.Actor != "anonymous" || ev.Action != "auth.forbidden" || ev.ResourceID != "POST /v1/runs" {
		t.Fatalf("event=%+v", ev)
	}
	if ev.IP.String() != "192.0.2.1" {
		t.Fatalf("ip=%v", ev.IP)
	}
}
