package remote

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/runtime"
	"github.com/wehubfusion/Daedalus/pkg/supervisor"
)

// Entity is one lifecycle-managed unit on the serving side of the control
// protocol. Group satisfies it directly; wrap a bare supervisor with
// SupervisorEntity.
type Entity interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	States() map[string]runtime.State
}

// SupervisorEntity adapts a single supervisor to the Entity interface so a
// controller can manage individual workers as well as groups.
type SupervisorEntity struct {
	Sup *supervisor.Supervisor
}

// Start starts the wrapped supervisor and waits until it is serving.
func (e SupervisorEntity) Start(ctx context.Context) error {
	if err := e.Sup.Start(ctx); err != nil {
		return err
	}
	return e.Sup.WaitUntilReady(ctx)
}

// Stop cancels the wrapped supervisor and waits for termination.
func (e SupervisorEntity) Stop(ctx context.Context) error {
	e.Sup.Cancel()
	return e.Sup.Join(ctx)
}

// States returns the supervisor's state keyed by its name.
func (e SupervisorEntity) States() map[string]runtime.State {
	return map[string]runtime.State{e.Sup.Name(): e.Sup.State()}
}

// Controller serves lifecycle requests over the control subjects against a
// registry of locally owned entities. It is the remote half of delegated
// management: the supervisors it drives are real, local ones, so the
// lifecycle contract holds unchanged across the boundary.
type Controller struct {
	conn   ControlConn
	logger *zap.Logger

	mu       sync.RWMutex
	entities map[string]registration
}

type registration struct {
	kind   EntityKind
	entity Entity
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the zap logger. Default is a production logger.
func WithControllerLogger(logger *zap.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewController creates a controller serving on the given connection.
func NewController(conn ControlConn, opts ...ControllerOption) (*Controller, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: control connection cannot be nil", sdkerrors.ErrInvalidConfig)
	}

	logger, _ := zap.NewProduction()
	c := &Controller{
		conn:     conn,
		logger:   logger,
		entities: make(map[string]registration),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Register makes an entity addressable under the given ID and kind.
// Registering the same ID twice errors.
func (c *Controller) Register(id string, kind EntityKind, entity Entity) error {
	if id == "" {
		return fmt.Errorf("%w: entity id cannot be empty", sdkerrors.ErrInvalidConfig)
	}
	if !kind.valid() {
		return fmt.Errorf("%w: unknown entity kind %d", sdkerrors.ErrInvalidConfig, int(kind))
	}
	if entity == nil {
		return fmt.Errorf("%w: entity cannot be nil", sdkerrors.ErrInvalidConfig)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entities[id]; exists {
		return fmt.Errorf("%w: entity %s already registered", sdkerrors.ErrInvalidConfig, id)
	}
	c.entities[id] = registration{kind: kind, entity: entity}
	c.logger.Info("Registered entity",
		zap.String("entity", id),
		zap.String("kind", kind.String()))
	return nil
}

// Serve subscribes to the control subject space and handles requests until
// the context is cancelled. It blocks. Each request is handled in its own
// goroutine: a start that is waiting for readiness must not stall status
// requests for other entities arriving on the same subscription.
func (c *Controller) Serve(ctx context.Context) error {
	unsubscribe, err := c.conn.Subscribe(subscribeSubject(), func(subject, reply string, data []byte) {
		go c.handle(ctx, subject, reply, data)
	})
	if err != nil {
		return fmt.Errorf("control subscription failed: %w", err)
	}
	defer func() {
		if err := unsubscribe(); err != nil {
			c.logger.Error("Error unsubscribing control handler", zap.Error(err))
		}
	}()

	c.logger.Info("Controller serving", zap.String("subjects", subscribeSubject()))
	<-ctx.Done()
	c.logger.Info("Controller stopped")
	return ctx.Err()
}

func (c *Controller) handle(ctx context.Context, subject, reply string, data []byte) {
	rep := c.dispatch(ctx, subject, data)
	if reply == "" {
		return
	}
	if err := c.conn.Publish(reply, encodeReply(rep)); err != nil {
		c.logger.Error("Error publishing control reply",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func (c *Controller) dispatch(ctx context.Context, subject string, data []byte) Reply {
	kindName, op, err := parseSubject(subject)
	if err != nil {
		return Reply{Error: err.Error()}
	}

	req, err := decodeRequest(data)
	if err != nil {
		return Reply{Error: err.Error()}
	}

	c.mu.RLock()
	reg, ok := c.entities[req.ID]
	c.mu.RUnlock()
	if !ok {
		c.logger.Warn("Control request for unknown entity",
			zap.String("entity", req.ID),
			zap.String("op", op))
		return Reply{Error: sdkerrors.ErrEntityNotFound.Error()}
	}
	if reg.kind.String() != kindName {
		return Reply{Error: fmt.Sprintf("entity %s is a %s, not a %s", req.ID, reg.kind, kindName)}
	}

	c.logger.Info("Handling control request",
		zap.String("entity", req.ID),
		zap.String("op", op))

	switch op {
	case opStart:
		if err := reg.entity.Start(ctx); err != nil {
			return Reply{Error: err.Error(), States: stateNames(reg.entity.States())}
		}
	case opCancel:
		if err := reg.entity.Stop(ctx); err != nil {
			return Reply{Error: err.Error(), States: stateNames(reg.entity.States())}
		}
	case opStatus:
		// Status is read-only.
	default:
		return Reply{Error: fmt.Sprintf("unknown control op %q", op)}
	}

	return Reply{OK: true, States: stateNames(reg.entity.States())}
}

func stateNames(states map[string]runtime.State) map[string]string {
	out := make(map[string]string, len(states))
	for name, st := range states {
		out[name] = st.String()
	}
	return out
}
