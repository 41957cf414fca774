package adapter_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mirkobrombin/go-replica/v1/adapter"
	warperrors "github.com/mirkobrombin/go-replica/v1/errors"
	"github.com/mirkobrombin/go-replica/v1/watchbus"
)

func TestSQLiteStoreSharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "replica.db")
	ctx := context.Background()

	first, err := adapter.OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer first.Close()
	second, err := adapter.OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	defer second.Close()

	if _, ok, err := second.Get(ctx, "counter"); err != nil || ok {
		t.Fatalf("Get: expected miss, got ok=%v err=%v", ok, err)
	}
	if err := first.Set(ctx, "counter", []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := first.Set(ctx, "counter", []byte("2")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := first.Set(ctx, "a", []byte("true")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := second.Get(ctx, "counter")
	if err != nil || !ok || string(v) != "2" {
		t.Fatalf("Get: expected 2, got %s ok=%v err=%v", v, ok, err)
	}
	keys, err := second.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "counter" {
		t.Fatalf("Keys: expected [a counter], got %v", keys)
	}
}

func TestAreaSQLiteWriteAndChangeCommitTogether(t *testing.T) {
	ctx := context.Background()
	store, err := adapter.OpenSQLiteStore(filepath.Join(t.TempDir(), "replica.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	changes, err := watchbus.NewSQLiteWatchBus(store.DB(), watchbus.WithPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("change log: %v", err)
	}
	defer changes.Close()

	a := adapter.NewArea(store, changes, "a")
	defer a.Close()
	b := adapter.NewArea(store, changes, "b")
	ch, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := a.Set(ctx, "k", []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	select {
	case c := <-ch:
		if string(c.Value) != "1" {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change")
	}

	// Without a change log the write itself must not land.
	if _, err := store.DB().Exec(`DROP TABLE replica_changes`); err != nil {
		t.Fatalf("drop change log: %v", err)
	}
	if err := a.Set(ctx, "k", []byte("2")); !errors.Is(err, warperrors.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if v, _, _ := store.Get(ctx, "k"); string(v) != "1" {
		t.Fatalf("unannounced write reached the store: %s", v)
	}
}
