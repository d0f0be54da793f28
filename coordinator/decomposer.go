package coordinator

import (
	"github.com/mycelium-cortex/cortex-core/envelope"
)

// DomainDirective is one capability-scoped piece of a decomposed goal.
type DomainDirective struct {
	Capability string
	Action     string
	Params     map[string]any
	Priority   int
}

// Decomposer turns a goal directive into domain directives. It is injected
// into the coordinator so decomposition strategies are swapped by
// composition, never by subclassing the coordinator.
type Decomposer interface {
	Decompose(goal envelope.Directive) ([]DomainDirective, error)
}

// DecomposerFunc adapts a function to the Decomposer interface.
type DecomposerFunc func(goal envelope.Directive) ([]DomainDirective, error)

// Decompose calls the function.
func (f DecomposerFunc) Decompose(goal envelope.Directive) ([]DomainDirective, error) {
	return f(goal)
}

// RouteDecomposer maps goal actions to capabilities one-to-one: the goal
// becomes a single domain directive for the mapped capability.
type RouteDecomposer struct {
	Routes map[string]string // action -> capability
}

// Decompose implements Decomposer.
func (d *RouteDecomposer) Decompose(goal envelope.Directive) ([]DomainDirective, error) {
	capability, ok := d.Routes[goal.Action]
	if !ok {
		return nil, NewNoRouteError(goal.Action)
	}
	return []DomainDirective{{
		Capability: capability,
		Action:     goal.Action,
		Params:     goal.Params,
	}}, nil
}

var (
	_ Decomposer = (DecomposerFunc)(nil)
	_ Decomposer = (*RouteDecomposer)(nil)
)
