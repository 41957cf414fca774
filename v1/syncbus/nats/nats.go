// Package nats carries broadcast messages over core NATS subjects.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	nats "github.com/nats-io/nats.go"

	warperrors "github.com/mirkobrombin/go-replica/v1/errors"
	"github.com/mirkobrombin/go-replica/v1/syncbus"
)

// DefaultSubjectPrefix is prepended to every topic.
const DefaultSubjectPrefix = "replica.bcast."

// Transport implements syncbus.Transport using a NATS connection.
type Transport struct {
	conn   *nats.Conn
	prefix string
}

// New returns a Transport publishing on conn. The connection stays owned by
// the caller.
func New(conn *nats.Conn) *Transport {
	return &Transport{conn: conn, prefix: DefaultSubjectPrefix}
}

// NewBus returns a syncbus.Hub relaying through NATS.
func NewBus(conn *nats.Conn) *syncbus.Hub {
	return syncbus.NewHub(New(conn))
}

func (t *Transport) subject(topic string) string { return t.prefix + topic }

// Send implements syncbus.Transport.Send.
func (t *Transport) Send(ctx context.Context, topic string, msg syncbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return mapNATSErr(t.conn.Publish(t.subject(topic), data))
}

// Listen implements syncbus.Transport.Listen. The subscription is flushed
// to the server before returning so messages sent afterwards are seen.
func (t *Transport) Listen(ctx context.Context, topic string, deliver func(syncbus.Message)) (func() error, error) {
	sub, err := t.conn.Subscribe(t.subject(topic), func(m *nats.Msg) {
		var msg syncbus.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Warn("syncbus/nats: malformed message", "subject", m.Subject, "error", err)
			return
		}
		deliver(msg)
	})
	if err != nil {
		return nil, mapNATSErr(err)
	}
	if err := t.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, mapNATSErr(err)
	}
	return func() error {
		err := sub.Unsubscribe()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			return nil
		}
		return err
	}, nil
}

func mapNATSErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrConnectionClosed):
		return warperrors.ErrConnectionClosed
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	default:
		return err
	}
}
