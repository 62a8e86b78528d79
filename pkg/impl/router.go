package impl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/onebot/internal/observability"
	"github.com/harun/onebot/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// HandlerFunc executes one action. The returned data becomes the response
// data. Return a *protocol.ActionError to choose the retcode.
type HandlerFunc func(ctx context.Context, action *protocol.Action) (interface{}, error)

// Fail builds an error carrying a protocol retcode
func Fail(retcode int64, format string, args ...interface{}) error {
	return &protocol.ActionError{Retcode: retcode, Message: fmt.Sprintf(format, args...)}
}

type route struct {
	handler HandlerFunc
	schema  *gojsonschema.Schema
}

// Router maps action names to handlers.
type Router struct {
	mu     sync.RWMutex
	routes map[string]route
	logger zerolog.Logger
}

// NewRouter creates an empty router
func NewRouter(logger zerolog.Logger) *Router {
	return &Router{
		routes: make(map[string]route),
		logger: logger.With().Str("component", "action_router").Logger(),
	}
}

// Register adds a handler. schema, when not empty, is a JSON schema the
// action params must satisfy.
func (r *Router) Register(name string, handler HandlerFunc, schema string) error {
	if name == "" {
		return fmt.Errorf("action name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	rt := route{handler: handler}
	if schema != "" {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
		if err != nil {
			return fmt.Errorf("invalid params schema for %s: %w", name, err)
		}
		rt.schema = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[name] = rt
	return nil
}

// Unregister removes an action handler
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.routes, name)
}

// Has checks if an action is registered
func (r *Router) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.routes[name]
	return exists
}

// Actions returns the registered action names, sorted
func (r *Router) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Route executes action and always returns a response carrying its echo.
func (r *Router) Route(ctx context.Context, action *protocol.Action) *protocol.Response {
	resp := r.route(ctx, action)
	if action != nil {
		resp.Echo = action.Echo
		observability.RecordImplAction(action.Action, resp.Succeeded())
	}
	return resp
}

func (r *Router) route(ctx context.Context, action *protocol.Action) *protocol.Response {
	if action == nil || action.Action == "" {
		return protocol.Failed(protocol.RetBadRequest, "invalid request: missing action")
	}

	r.mu.RLock()
	rt, exists := r.routes[action.Action]
	r.mu.RUnlock()

	if !exists {
		return protocol.Failed(protocol.RetUnsupportedAction, fmt.Sprintf("unsupported action: %s", action.Action))
	}

	if rt.schema != nil {
		if err := validateParams(rt.schema, action.Params); err != nil {
			return protocol.Failed(protocol.RetBadParam, err.Error())
		}
	}

	data, err := r.call(ctx, rt.handler, action)
	if err != nil {
		var actionErr *protocol.ActionError
		if errors.As(err, &actionErr) {
			return protocol.Failed(actionErr.Retcode, actionErr.Message)
		}
		r.logger.Error().Err(err).Str("action", action.Action).Msg("Action handler failed")
		return protocol.Failed(protocol.RetInternalHandler, err.Error())
	}
	return protocol.OK(data)
}

func (r *Router) call(ctx context.Context, handler HandlerFunc, action *protocol.Action) (data interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action handler panicked: %v", rec)
		}
	}()
	return handler(ctx, action)
}

// validateParams validates parameters against a JSON Schema
func validateParams(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid params: %s", strings.Join(msgs, "; "))
	}
	return nil
}
