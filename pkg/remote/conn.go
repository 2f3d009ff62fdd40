package remote

import (
	"context"
	"time"

	natsclient "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	internalnats "github.com/wehubfusion/Daedalus/internal/nats"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ControlConn is the minimal transport surface the control protocol needs.
// Production code wraps a *nats.Conn with WrapConn; tests use an in-memory
// implementation so no NATS server is required.
type ControlConn interface {
	// Request sends data on subject and waits for a single reply.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)

	// Subscribe registers a handler for all messages matching subject
	// (NATS wildcard syntax). The returned function unsubscribes.
	Subscribe(subject string, handler func(subject, reply string, data []byte)) (func() error, error)

	// Publish sends data on subject without expecting a reply.
	Publish(subject string, data []byte) error

	// Close drains in-flight control traffic and releases the transport.
	Close() error
}

// natsConn adapts *nats.Conn to ControlConn.
type natsConn struct {
	nc *natsclient.Conn
}

// WrapConn wraps an established NATS connection for control traffic.
func WrapConn(nc *natsclient.Conn) ControlConn {
	return &natsConn{nc: nc}
}

func (c *natsConn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if !internalnats.IsConnected(c.nc) {
		return nil, sdkerrors.ErrNotConnected
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (c *natsConn) Subscribe(subject string, handler func(subject, reply string, data []byte)) (func() error, error) {
	sub, err := c.nc.Subscribe(subject, func(m *natsclient.Msg) {
		handler(m.Subject, m.Reply, m.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (c *natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *natsConn) Close() error {
	return internalnats.Close(c.nc)
}

// Connect establishes a NATS connection for control traffic and wraps it.
// The config defaults are suitable for a long-lived control link; pass nil
// to use them with the given URL. Connect only returns once the link is
// live: the underlying connect retries on failure, so the connection may
// come up after the dial call, and we wait for it here.
func Connect(ctx context.Context, url string, config *internalnats.ConnectionConfig, logger *zap.Logger) (ControlConn, error) {
	if config == nil {
		config = internalnats.DefaultConnectionConfig(url)
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	conn, err := internalnats.Connect(ctx, config, logger)
	if err != nil {
		return nil, err
	}
	if err := internalnats.WaitForConnection(ctx, conn, 50*time.Millisecond); err != nil {
		conn.Close()
		return nil, err
	}
	return WrapConn(conn), nil
}
