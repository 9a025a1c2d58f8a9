package workflow

import (
	"fmt"
	"slices"

	"github.com/jonathan/survey-agent/internal/state"
)

// End is the terminal sentinel a router returns when the run is complete
const End = "__end__"

// Predicate picks a successor from the Record
type Predicate func(rec state.Record) (string, error)

type edge struct {
	fixed   string
	pred    Predicate
	targets []string
}

// Router decides which step runs after a completed step
type Router struct {
	edges map[string]edge
}

// NewRouter returns a Router with no edges
func NewRouter() *Router {
	return &Router{edges: map[string]edge{}}
}

// Connect adds an unconditional edge
func (r *Router) Connect(from, to string) error {
	if _, exists := r.edges[from]; exists {
		return fmt.Errorf("step %s already has an outgoing edge", from)
	}
	r.edges[from] = edge{fixed: to, targets: []string{to}}
	return nil
}

// Branch adds a predicate edge. The predicate must return one of targets.
func (r *Router) Branch(from string, pred Predicate, targets ...string) error {
	if _, exists := r.edges[from]; exists {
		return fmt.Errorf("step %s already has an outgoing edge", from)
	}
	if pred == nil || len(targets) == 0 {
		return fmt.Errorf("branch from %s needs a predicate and at least one target", from)
	}
	r.edges[from] = edge{pred: pred, targets: slices.Clone(targets)}
	return nil
}

// Next returns the successor of from
func (r *Router) Next(from string, rec state.Record) (string, error) {
	e, ok := r.edges[from]
	if !ok {
		return "", &RoutingError{From: from, Message: "no outgoing edge"}
	}
	if e.pred == nil {
		return e.fixed, nil
	}
	target, err := e.pred(rec)
	if err != nil {
		return "", Fatal(from, "routing predicate failed", err)
	}
	if !slices.Contains(e.targets, target) {
		return "", &RoutingError{From: from, Target: target, Message: "target is not a declared successor"}
	}
	return target, nil
}

// Successors lists the declared targets of from
func (r *Router) Successors(from string) []string {
	return slices.Clone(r.edges[from].targets)
}

// Validate checks that every registered step has an edge and every target exists
func (r *Router) Validate(reg *Registry) error {
	for _, id := range reg.IDs() {
		e, ok := r.edges[id]
		if !ok {
			return &RoutingError{From: id, Message: "no outgoing edge"}
		}
		for _, target := range e.targets {
			if target == End {
				continue
			}
			if _, ok := reg.Get(target); !ok {
				return &RoutingError{From: id, Target: target, Message: "target is not registered"}
			}
		}
	}
	for from := range r.edges {
		if _, ok := reg.Get(from); !ok {
			return &RoutingError{From: from, Message: "edge from unregistered step"}
		}
	}
	return nil
}
