package adapter_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-replica/v1/adapter"
	warperrors "github.com/mirkobrombin/go-replica/v1/errors"
	"github.com/mirkobrombin/go-replica/v1/watchbus"
)

func TestInMemoryStoreGetSetKeys(t *testing.T) {
	s := adapter.NewInMemoryStore()
	ctx := context.Background()
	if _, ok, err := s.Get(ctx, "foo"); err != nil || ok {
		t.Fatalf("Get: expected not found, got ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "foo", []byte(`"bar"`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := s.Get(ctx, "foo"); err != nil || !ok || string(v) != `"bar"` {
		t.Fatalf("Get: expected \"bar\", got %s ok=%v err=%v", v, ok, err)
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "foo" {
		t.Fatalf("Keys: expected [foo], got %v", keys)
	}
}

func TestInMemoryStoreCopiesValues(t *testing.T) {
	s := adapter.NewInMemoryStore()
	ctx := context.Background()
	buf := []byte("1")
	_ = s.Set(ctx, "k", buf)
	buf[0] = '2'
	v, _, _ := s.Get(ctx, "k")
	if string(v) != "1" {
		t.Fatalf("store aliased caller buffer: %s", v)
	}
}

func TestInMemoryStoreQuota(t *testing.T) {
	s := adapter.NewInMemoryStore(adapter.WithQuota(8))
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("1234")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// replacing a value only counts the difference
	if err := s.Set(ctx, "k", []byte("123456")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("1234567890")); !errors.Is(err, warperrors.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if v, _, _ := s.Get(ctx, "k"); string(v) != "123456" {
		t.Fatalf("rejected write changed the entry: %s", v)
	}
}

func TestAreaNotifiesOtherOrigins(t *testing.T) {
	store := adapter.NewInMemoryStore()
	changes := watchbus.NewInMemory()
	a := adapter.NewArea(store, changes, "a")
	b := adapter.NewArea(store, changes, "b")
	ctx := context.Background()

	chA, err := a.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	chB, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := a.Set(ctx, "k", []byte("7")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	select {
	case c := <-chB:
		if c.Key != "k" || string(c.Value) != "7" || c.Origin != "a" {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change")
	}
	select {
	case c := <-chA:
		t.Fatalf("writer observed its own change %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
	if v, ok, _ := b.Get(ctx, "k"); !ok || string(v) != "7" {
		t.Fatalf("expected shared value 7, got %s", v)
	}
}

func TestAreaRejectedWriteIsNotAnnounced(t *testing.T) {
	store := adapter.NewInMemoryStore(adapter.WithQuota(1))
	changes := watchbus.NewInMemory()
	a := adapter.NewArea(store, changes, "a")
	b := adapter.NewArea(store, changes, "b")
	ctx := context.Background()
	ch, _ := b.Watch(ctx)

	err := a.Set(ctx, "key", []byte("too large"))
	if !errors.Is(err, warperrors.ErrPersistence) || !errors.Is(err, warperrors.ErrQuotaExceeded) {
		t.Fatalf("expected persistence quota error, got %v", err)
	}
	select {
	case c := <-ch:
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

// flakyBus rejects publishes while down is set.
type flakyBus struct {
	*watchbus.InMemoryWatchBus
	down atomic.Bool
}

func (b *flakyBus) Publish(ctx context.Context, c watchbus.Change) error {
	if b.down.Load() {
		return errors.New("change bus down")
	}
	return b.InMemoryWatchBus.Publish(ctx, c)
}

func TestAreaRedeliversFailedAnnouncements(t *testing.T) {
	store := adapter.NewInMemoryStore()
	changes := &flakyBus{InMemoryWatchBus: watchbus.NewInMemory()}
	a := adapter.NewArea(store, changes, "a", adapter.WithRetryInterval(10*time.Millisecond))
	defer a.Close()
	b := adapter.NewArea(store, changes, "b")
	ctx := context.Background()
	ch, _ := b.Watch(ctx)

	changes.down.Store(true)
	err := a.Set(ctx, "k", []byte("7"))
	if err == nil || errors.Is(err, warperrors.ErrPersistence) {
		t.Fatalf("expected a notification error, got %v", err)
	}
	if v, ok, _ := store.Get(ctx, "k"); !ok || string(v) != "7" {
		t.Fatalf("expected stored 7, got %s ok=%v", v, ok)
	}
	if n := a.Pending(); n != 1 {
		t.Fatalf("expected one pending announcement, got %d", n)
	}

	changes.down.Store(false)
	select {
	case c := <-ch:
		if c.Key != "k" || string(c.Value) != "7" {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("announcement was never redelivered")
	}
	if n := a.Pending(); n != 0 {
		t.Fatalf("expected no pending announcements, got %d", n)
	}
}

func TestAreaNewerAnnouncementReplacesPending(t *testing.T) {
	store := adapter.NewInMemoryStore()
	changes := &flakyBus{InMemoryWatchBus: watchbus.NewInMemory()}
	a := adapter.NewArea(store, changes, "a", adapter.WithRetryInterval(10*time.Millisecond))
	defer a.Close()
	b := adapter.NewArea(store, changes, "b")
	ctx := context.Background()
	ch, _ := b.Watch(ctx)

	changes.down.Store(true)
	_ = a.Set(ctx, "k", []byte("1"))
	changes.down.Store(false)
	if err := a.Set(ctx, "k", []byte("2")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if n := a.Pending(); n != 0 {
		t.Fatalf("expected the newer write to clear the pending one, got %d", n)
	}
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case c := <-ch:
			if string(c.Value) != "2" {
				t.Fatalf("stale value redelivered: %s", c.Value)
			}
		case <-deadline:
			return
		}
	}
}
