package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cloudctl/internal/logging"
)

// DefaultActor is recorded when a caller does not name itself
const DefaultActor = "admin"

// Call is what an action handler receives
type Call struct {
	Actor string
	Data  json.RawMessage
}

// Bind decodes the call data into v. Missing data leaves v untouched.
func (c *Call) Bind(v any) error {
	if len(bytes.TrimSpace(c.Data)) == 0 || string(bytes.TrimSpace(c.Data)) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(c.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// Action is one operation of a function. An empty Permission lets anyone
// call it.
type Action struct {
	Permission string
	Handle     func(ctx context.Context, call *Call) (any, error)
}

// Function groups actions under one name
type Function map[string]Action

// Authorizer decides whether actor may use permission
type Authorizer func(ctx context.Context, actor, permission string) error

type Gateway struct {
	functions map[string]Function
	authorize Authorizer
}

func New(authorize Authorizer) *Gateway {
	return &Gateway{
		functions: make(map[string]Function),
		authorize: authorize,
	}
}

func (g *Gateway) Register(name string, fn Function) {
	g.functions[name] = fn
}

// Functions lists registered function names
func (g *Gateway) Functions() []string {
	names := make([]string, 0, len(g.functions))
	for name := range g.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Actions lists the actions of a function
func (g *Gateway) Actions(function string) []string {
	fn := g.functions[function]
	names := make([]string, 0, len(fn))
	for name := range fn {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether function is registered
func (g *Gateway) Has(function string) bool {
	_, ok := g.functions[function]
	return ok
}

// Dispatch runs one request and wraps the outcome in an envelope
func (g *Gateway) Dispatch(ctx context.Context, function, actor string, req Request) Response {
	id := middleware.GetReqID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	if actor == "" {
		actor = DefaultActor
	}

	data, err := g.dispatch(ctx, function, actor, req)
	if err != nil {
		code := classify(err)
		message := err.Error()
		if code == CodeInternal {
			logging.Err.WithError(err).WithFields(logrus.Fields{
				"function":  function,
				"action":    req.Action,
				"requestId": id,
			}).Error("action failed")
			message = "internal error"
		}
		return Response{Code: code, Message: message, RequestID: id}
	}

	logging.Out.WithFields(logrus.Fields{
		"function": function,
		"action":   req.Action,
		"actor":    actor,
	}).Debug("action done")
	return Response{Code: CodeOK, Message: "ok", Data: data, RequestID: id}
}

func (g *Gateway) dispatch(ctx context.Context, function, actor string, req Request) (any, error) {
	fn, ok := g.functions[function]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, function)
	}
	if req.Action == "" {
		return nil, fmt.Errorf("%w: action is required", ErrBadRequest)
	}
	action, ok := fn[req.Action]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownAction, function, req.Action)
	}
	if action.Permission != "" && g.authorize != nil {
		if err := g.authorize(ctx, actor, action.Permission); err != nil {
			return nil, err
		}
	}
	return action.Handle(ctx, &Call{Actor: actor, Data: req.Data})
}
