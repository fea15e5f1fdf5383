// Package router dispatches envelopes to business handlers by their DOMAIN.EVENT_TYPE
// topic. A Router is itself an orchestrator.Executor, so it can sit behind the protected
// executor or be handed to a worker directly.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

// ErrorCodeNoRoute is the Fail code for envelopes no route accepts.
const ErrorCodeNoRoute = "NO_ROUTE"

// Handler runs the business logic of one envelope.
type Handler func(ctx context.Context, env orchestrator.Envelope) orchestrator.Outcome

type Subscription interface {
	Unsubscribe()
}

// Router maps topic patterns to handlers. The most specific matching pattern wins.
type Router struct {
	mu     sync.RWMutex
	routes map[string]*Entry
	sorted []string
	match  func(pattern, topic string) bool
}

// Entry is one registered route.
type Entry struct {
	router  *Router
	pattern string
	handler Handler
}

var (
	_ orchestrator.Executor = (*Router)(nil)
	_ Subscription          = (*Entry)(nil)
)

func New(opts ...Option) *Router {
	r := &Router{
		routes: make(map[string]*Entry),
		match:  MatchTopic,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Topic renders the routing topic of a command.
func Topic(domain orchestrator.Domain, eventType orchestrator.EventType) string {
	return domain.String() + Separator + eventType.String()
}

// Handle registers h for pattern. A pattern can be bound once until its entry is
// unsubscribed.
func (r *Router) Handle(pattern string, h Handler) (*Entry, error) {
	if !validPattern(pattern) {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "invalid route pattern", nil,
			map[string]any{"pattern": pattern})
	}
	if h == nil {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "route handler is required", nil,
			map[string]any{"pattern": pattern})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[pattern]; exists {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidArgument, "route already registered", nil,
			map[string]any{"pattern": pattern})
	}
	e := &Entry{router: r, pattern: pattern, handler: h}
	r.routes[pattern] = e
	r.resort()
	return e, nil
}

func (e *Entry) Pattern() string { return e.pattern }

// Unsubscribe removes the route. It is a no-op once the pattern was rebound.
func (e *Entry) Unsubscribe() {
	r := e.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.routes[e.pattern]; ok && current == e {
		delete(r.routes, e.pattern)
		r.resort()
	}
}

// Lookup returns the handler bound to the most specific pattern matching topic.
func (r *Router) Lookup(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.routes[topic]; ok {
		return e.handler, true
	}
	for _, p := range r.sorted {
		if r.match(p, topic) {
			return r.routes[p].handler, true
		}
	}
	return nil, false
}

// Patterns lists registered patterns in match order.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.sorted))
	copy(out, r.sorted)
	return out
}

// Execute routes env. Envelopes without a route fail permanently.
func (r *Router) Execute(ctx context.Context, env orchestrator.Envelope) orchestrator.Outcome {
	cmd := env.Command()
	topic := Topic(cmd.Domain(), cmd.EventType())
	h, ok := r.Lookup(topic)
	if !ok {
		return orchestrator.Fail{
			ErrorCode: ErrorCodeNoRoute,
			Message:   fmt.Sprintf("no handler registered for %s", topic),
		}
	}
	return h(ctx, env)
}

func (r *Router) resort() {
	keys := make([]string, 0, len(r.routes))
	for k := range r.routes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		li, wi, mi := specificity(keys[i])
		lj, wj, mj := specificity(keys[j])
		if mi != mj {
			return mi < mj
		}
		if wi != wj {
			return wi < wj
		}
		if li != lj {
			return li > lj
		}
		return keys[i] < keys[j]
	})
	r.sorted = keys
}
