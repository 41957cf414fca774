package nats

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	warperrors "github.com/mirkobrombin/go-replica/v1/errors"
	"github.com/mirkobrombin/go-replica/v1/syncbus"
)

func connect(t *testing.T) *nats.Conn {
	t.Helper()
	url := os.Getenv("REPLICA_TEST_NATS_ADDR")
	var s *server.Server
	if url == "" {
		s = natsserver.RunRandClientPortServer()
		url = s.ClientURL()
	} else {
		t.Logf("using real NATS at %s", url)
	}
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return conn
}

func TestNATSBusAcrossConnections(t *testing.T) {
	connA := connect(t)
	connB, err := nats.Connect(connA.ConnectedUrl())
	if err != nil {
		t.Fatalf("connect b: %v", err)
	}
	defer connB.Close()

	a := NewBus(connA)
	b := NewBus(connB)
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	ha, err := a.Open(ctx, "replica:state")
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	hb, err := b.Open(ctx, "replica:state")
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	if err := ha.Publish(ctx, "k", []byte("42")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case m := <-hb.Messages():
		if m.Key != "k" || string(m.Value) != "42" {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for remote message")
	}
	select {
	case m := <-ha.Messages():
		t.Fatalf("publisher received its own message %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSBusHandleCloseStopsDelivery(t *testing.T) {
	conn := connect(t)
	a := NewBus(conn)
	b := NewBus(conn)
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	ha, err := a.Open(ctx, "t")
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	hb, err := b.Open(ctx, "t")
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	if err := hb.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-hb.Messages(); ok {
		t.Fatal("expected closed channel")
	}
	if err := ha.Publish(ctx, "k", []byte("1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := b.Metrics().Delivered; got != 0 {
		t.Fatalf("expected no deliveries after close, got %d", got)
	}
}

func TestNATSTransportClosedConnection(t *testing.T) {
	conn := connect(t)
	tr := New(conn)
	conn.Close()

	err := tr.Send(context.Background(), "t", syncbus.Message{Key: "k"})
	if !errors.Is(err, warperrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed got %v", err)
	}
	if _, err := NewBus(conn).Open(context.Background(), "t"); !errors.Is(err, warperrors.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable got %v", err)
	}
}
