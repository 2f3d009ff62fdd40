package remote

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/runtime"
)

// DefaultRequestTimeout bounds a single control round trip when the caller's
// context carries no deadline.
const DefaultRequestTimeout = 5 * time.Second

// Client issues lifecycle requests to a remote controller on behalf of a
// delegating group or supervisor. It implements the same start/cancel/status
// surface the local supervisor offers, with the state machine living on the
// controller's side.
type Client struct {
	conn    ControlConn
	desc    Descriptor
	logger  *zap.Logger
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the zap logger. Default is a production logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient creates a control client for entities of the descriptor's kind.
// The descriptor must select delegated access.
func NewClient(conn ControlConn, desc Descriptor, opts ...ClientOption) (*Client, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: control connection cannot be nil", sdkerrors.ErrInvalidConfig)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.Access != AccessDelegated {
		return nil, fmt.Errorf("%w: client requires delegated access, got %s",
			sdkerrors.ErrInvalidConfig, desc.Access)
	}

	logger, _ := zap.NewProduction()
	c := &Client{
		conn:    conn,
		desc:    desc,
		logger:  logger,
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start asks the controller to start the named entity and waits until the
// controller confirms it is serving.
func (c *Client) Start(ctx context.Context, id string) error {
	_, err := c.request(ctx, opStart, id)
	return err
}

// Cancel asks the controller to cancel the named entity and waits for its
// supervisors to reach a terminal state.
func (c *Client) Cancel(ctx context.Context, id string) error {
	_, err := c.request(ctx, opCancel, id)
	return err
}

// Status returns the remote entity's per-supervisor lifecycle states.
func (c *Client) Status(ctx context.Context, id string) (map[string]runtime.State, error) {
	rep, err := c.request(ctx, opStatus, id)
	if err != nil {
		return nil, err
	}
	states := make(map[string]runtime.State, len(rep.States))
	for name, raw := range rep.States {
		st, err := runtime.ParseState(raw)
		if err != nil {
			return nil, fmt.Errorf("controller reported %s: %w", name, err)
		}
		states[name] = st
	}
	return states, nil
}

func (c *Client) request(ctx context.Context, op, id string) (Reply, error) {
	if id == "" {
		return Reply{}, fmt.Errorf("%w: entity id cannot be empty", sdkerrors.ErrInvalidConfig)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	data, err := encodeRequest(Request{ID: id, Kind: c.desc.Kind.String()})
	if err != nil {
		return Reply{}, err
	}

	subject := controlSubject(c.desc.Kind, op)
	c.logger.Debug("Sending control request",
		zap.String("subject", subject),
		zap.String("entity", id))

	raw, err := c.conn.Request(ctx, subject, data)
	if err != nil {
		return Reply{}, fmt.Errorf("control request %s failed: %w", subject, err)
	}

	rep, err := decodeReply(raw)
	if err != nil {
		return Reply{}, err
	}
	if !rep.OK {
		if rep.Error == sdkerrors.ErrEntityNotFound.Error() {
			return rep, fmt.Errorf("%w: %s", sdkerrors.ErrEntityNotFound, id)
		}
		return rep, fmt.Errorf("controller rejected %s for %s: %s", op, id, rep.Error)
	}
	return rep, nil
}
