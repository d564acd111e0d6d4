package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "genflow/pkg/logx"
)

func drivers(t *testing.T) map[string]Config {
	dir := t.TempDir()
	return map[string]Config{
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "genflow.db")},
		"file":   {Driver: "file", Path: filepath.Join(dir, "genflow")},
	}
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none"} {
		db, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || db != nil {
			t.Fatalf("Open(%q) = (%v, %v), want disabled nil store", driver, db, err)
		}
	}
}

func TestAccountRoundtrip(t *testing.T) {
	for name, cfg := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			db, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer db.Close()
			ctx := context.Background()

			a := AccountRecord{ID: "acct-1", Label: "main", Budget: 2, CookiesPath: "/tmp/c.json"}
			if err := db.PutAccount(ctx, a); err != nil {
				t.Fatalf("put: %v", err)
			}

			got, err := db.GetAccount(ctx, "acct-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Label != "main" || got.Budget != 2 || got.CookiesPath != "/tmp/c.json" {
				t.Fatalf("got = %+v", got)
			}

			// Whole-document replace, expiry flag included.
			got.Expired = true
			if err := db.PutAccount(ctx, got); err != nil {
				t.Fatalf("replace: %v", err)
			}
			got2, _ := db.GetAccount(ctx, "acct-1")
			if !got2.Expired {
				t.Fatal("expiry flag lost on replace")
			}

			if err := db.DeleteAccount(ctx, "acct-1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := db.GetAccount(ctx, "acct-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get after delete: %v, want ErrNotFound", err)
			}
		})
	}
}

func TestSessionRoundtripAcrossReopen(t *testing.T) {
	for name, cfg := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			db, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			rec := SessionRecord{
				AccountID: "acct-1",
				ProfileID: "prof-1",
				Address:   "ws://127.0.0.1:9222/devtools",
				CreatedAt: time.Now().Add(-time.Minute),
			}
			if err := db.PutSession(ctx, rec); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := db.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			// Reopen simulates a second process invocation reusing the session.
			db, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer db.Close()

			got, err := db.GetSession(ctx, "acct-1")
			if err != nil {
				t.Fatalf("get after reopen: %v", err)
			}
			if got.ProfileID != "prof-1" || got.Address != rec.Address {
				t.Fatalf("got = %+v", got)
			}

			recs, err := db.ListSessions(ctx)
			if err != nil || len(recs) != 1 {
				t.Fatalf("list = %v (err %v)", recs, err)
			}

			if err := db.DeleteSession(ctx, "acct-1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := db.GetSession(ctx, "acct-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get after delete: %v, want ErrNotFound", err)
			}
		})
	}
}

func TestAppendRun(t *testing.T) {
	for name, cfg := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			db, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer db.Close()

			e := RunEntry{Selected: 5, Done: 4, Errored: 1, TookMS: 1234}
			if err := db.AppendRun(context.Background(), e); err != nil {
				t.Fatalf("append: %v", err)
			}
		})
	}
}
