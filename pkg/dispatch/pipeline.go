package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/harun/onebot/internal/tracing"
	"github.com/harun/onebot/pkg/protocol"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Rule decides whether a handler applies to an event
type Rule func(ctx context.Context, s *Session) bool

// PreHandleFunc prepares the working copy before the main step
type PreHandleFunc func(ctx context.Context, s *Session) error

// HandleFunc is the main step of a handler
type HandleFunc func(ctx context.Context, s *Session) error

// Handler is one pipeline entry. Rule and PreHandle are optional.
type Handler struct {
	Name      string
	Rule      Rule
	PreHandle PreHandleFunc
	Handle    HandleFunc
}

// Pipeline holds handlers in registration order.
type Pipeline struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   zerolog.Logger
}

// NewPipeline creates an empty pipeline
func NewPipeline(logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		logger: logger.With().Str("component", "dispatch").Logger(),
	}
}

// Register appends handlers. A handler without a Handle step is rejected.
func (p *Pipeline) Register(handlers ...Handler) error {
	for i, h := range handlers {
		if h.Handle == nil {
			return fmt.Errorf("handler %d (%q) has no handle step", i, h.Name)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range handlers {
		if h.Name == "" {
			h.Name = fmt.Sprintf("handler-%d", len(p.handlers))
		}
		p.handlers = append(p.handlers, h)
	}
	return nil
}

// Len returns the number of registered handlers
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handlers)
}

// Dispatch runs ev through the handlers. ev itself is never modified.
// Handler errors are joined and returned once every applicable handler ran.
func (p *Pipeline) Dispatch(ctx context.Context, bot Caller, ev *protocol.Event) error {
	p.mu.RLock()
	handlers := make([]Handler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.RUnlock()

	ctx, span := tracing.StartSpan(ctx, "onebot/dispatch", "dispatch.event",
		attribute.String("onebot.event.type", ev.Type),
		attribute.String("onebot.event.detail_type", ev.DetailType),
		attribute.String("onebot.event.id", ev.ID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, p.logger)
	w := &walk{}

	var errs []error
	for _, h := range handlers {
		s := &Session{
			Event:  ev.Clone(),
			Bot:    bot,
			Logger: logger.With().Str("handler", h.Name).Logger(),
			walk:   w,
		}

		if err := p.run(ctx, h, s); err != nil {
			s.Logger.Warn().Err(err).Msg("Handler failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
		}
		if w.stopped {
			logger.Debug().Str("handler", h.Name).Msg("Event consumed")
			break
		}
	}

	err := errors.Join(errs...)
	tracing.Fail(span, err)
	return err
}

// run evaluates one handler, converting a panic into an error.
func (p *Pipeline) run(ctx context.Context, h Handler, s *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	if h.Rule != nil && !h.Rule(ctx, s) {
		return nil
	}
	if h.PreHandle != nil {
		if err := h.PreHandle(ctx, s); err != nil {
			return fmt.Errorf("pre-handle: %w", err)
		}
	}
	return h.Handle(ctx, s)
}
