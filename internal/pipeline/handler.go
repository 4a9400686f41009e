// Package pipeline provides the handler abstraction that every proxy stage
// implements and the combinators used to compose stages into request chains.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"solid-oidc-proxy/internal/model"
	"solid-oidc-proxy/internal/oauth"
)

// ErrNoHandler is returned when no candidate handler accepts the input.
var ErrNoHandler = errors.New("no handler can handle the input")

// ErrNilResponse is returned when a stage yields neither a response nor an error.
var ErrNilResponse = errors.New("handler returned a nil response")

// Matcher reports whether a handler applies to the given input.
// Implementations must not fail; missing fields mean false.
type Matcher[I any] interface {
	CanHandle(ctx context.Context, in I) bool
}

// Handler is a single-responsibility pipeline stage.
//
// Handle returns an error for two distinct reasons. An *oauth.Error is a
// protocol error and is turned into a response by the enclosing chain. Any
// other error is a fault that aborts the request.
type Handler[I, O any] interface {
	Matcher[I]
	Handle(ctx context.Context, in I) (O, error)
}

// RequestHandler turns a request into a response, usually by delegating to
// a next handler after rewriting the request.
type RequestHandler = Handler[*model.Request, *model.Response]

// ResponseHandler transforms the response produced for a request.
type ResponseHandler = Handler[*model.Exchange, *model.Response]

// MatchFunc adapts a function to the Matcher interface.
type MatchFunc[I any] func(ctx context.Context, in I) bool

// CanHandle calls f.
func (f MatchFunc[I]) CanHandle(ctx context.Context, in I) bool { return f(ctx, in) }

// HandlerFunc adapts a function to a Handler that accepts every input.
type HandlerFunc[I, O any] func(ctx context.Context, in I) (O, error)

// CanHandle always returns true.
func (f HandlerFunc[I, O]) CanHandle(context.Context, I) bool { return true }

// Handle calls f.
func (f HandlerFunc[I, O]) Handle(ctx context.Context, in I) (O, error) { return f(ctx, in) }

// Resolve applies the pipeline error model to a stage result: protocol
// errors become responses, faults are returned unchanged.
func Resolve(resp *model.Response, err error) (*model.Response, error) {
	if err != nil {
		if oe, ok := oauth.AsError(err); ok {
			return oe.Response(), nil
		}
		return nil, err
	}
	if resp == nil {
		return nil, ErrNilResponse
	}
	return resp, nil
}

// Chain runs a request source and feeds its response through an ordered
// list of response stages. Stages whose CanHandle returns false are skipped.
type Chain struct {
	source RequestHandler
	stages []ResponseHandler
}

// Respond creates a Chain.
func Respond(source RequestHandler, stages ...ResponseHandler) *Chain {
	return &Chain{source: source, stages: stages}
}

// CanHandle delegates to the source.
func (c *Chain) CanHandle(ctx context.Context, req *model.Request) bool {
	return c.source.CanHandle(ctx, req)
}

// Handle runs the source and every applicable stage in order.
func (c *Chain) Handle(ctx context.Context, req *model.Request) (*model.Response, error) {
	resp, err := Resolve(c.source.Handle(ctx, req))
	if err != nil {
		return nil, err
	}

	for i, stage := range c.stages {
		ex := &model.Exchange{Request: req, Response: resp}
		if !stage.CanHandle(ctx, ex) {
			continue
		}
		resp, err = Resolve(stage.Handle(ctx, ex))
		if err != nil {
			return nil, fmt.Errorf("response stage %d: %w", i, err)
		}
	}
	return resp, nil
}

// Branch selects between two handlers using a predicate.
type Branch[I, O any] struct {
	predicate Matcher[I]
	success   Handler[I, O]
	failure   Handler[I, O]
}

// NewBranch creates a Branch that routes to success when predicate accepts
// the input and to failure otherwise.
func NewBranch[I, O any](predicate Matcher[I], success, failure Handler[I, O]) *Branch[I, O] {
	return &Branch[I, O]{predicate: predicate, success: success, failure: failure}
}

// CanHandle reports whether the selected handler accepts the input.
func (b *Branch[I, O]) CanHandle(ctx context.Context, in I) bool {
	return b.pick(ctx, in).CanHandle(ctx, in)
}

// Handle delegates to the selected handler.
func (b *Branch[I, O]) Handle(ctx context.Context, in I) (O, error) {
	return b.pick(ctx, in).Handle(ctx, in)
}

func (b *Branch[I, O]) pick(ctx context.Context, in I) Handler[I, O] {
	if b.predicate.CanHandle(ctx, in) {
		return b.success
	}
	return b.failure
}

// Waterfall delegates to the first handler that accepts the input.
type Waterfall[I, O any] struct {
	handlers []Handler[I, O]
}

// NewWaterfall creates a Waterfall over handlers, tried in order.
func NewWaterfall[I, O any](handlers ...Handler[I, O]) *Waterfall[I, O] {
	return &Waterfall[I, O]{handlers: handlers}
}

// CanHandle reports whether any handler accepts the input.
func (w *Waterfall[I, O]) CanHandle(ctx context.Context, in I) bool {
	for _, h := range w.handlers {
		if h.CanHandle(ctx, in) {
			return true
		}
	}
	return false
}

// Handle delegates to the first accepting handler.
func (w *Waterfall[I, O]) Handle(ctx context.Context, in I) (O, error) {
	for _, h := range w.handlers {
		if h.CanHandle(ctx, in) {
			return h.Handle(ctx, in)
		}
	}
	var zero O
	return zero, ErrNoHandler
}
