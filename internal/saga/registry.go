// Package saga implements the orchestration core: an ordered step registry,
// a forward executor with reverse compensation, and the default campaign
// production pipeline.
package saga

import (
	"fmt"

	"github.com/adflowhq/adflow/pkg/api"
)

// Registry holds the pipeline's steps in execution order. Registration order
// defines both forward execution order and reverse compensation order.
type Registry struct {
	steps  []api.StepDefinition
	byName map[string]int
}

// NewRegistry validates and indexes the given steps.
func NewRegistry(steps ...api.StepDefinition) (*Registry, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("registry requires at least one step")
	}

	byName := make(map[string]int, len(steps))
	for i, s := range steps {
		if s.Name == "" {
			return nil, fmt.Errorf("step %d has no name", i)
		}
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate step name %q", s.Name)
		}
		if s.Forward == nil {
			return nil, fmt.Errorf("step %q has no forward action", s.Name)
		}
		if !api.Valid(s.From) {
			return nil, fmt.Errorf("step %q executes from unknown state %q", s.Name, s.From)
		}
		if s.ResumeFrom != "" && !api.Valid(s.ResumeFrom) {
			return nil, fmt.Errorf("step %q resumes from unknown state %q", s.Name, s.ResumeFrom)
		}
		byName[s.Name] = i
	}

	return &Registry{steps: steps, byName: byName}, nil
}

// Len returns the number of registered steps.
func (r *Registry) Len() int { return len(r.steps) }

// Step returns the step at position i.
func (r *Registry) Step(i int) api.StepDefinition { return r.steps[i] }

// IndexOf returns the position of the named step.
func (r *Registry) IndexOf(name string) (int, bool) {
	i, ok := r.byName[name]
	return i, ok
}

// IndexFor returns the position of the step that executes from the given
// state, matching either From or ResumeFrom. The second return is false when
// no step runs from that state (terminal states, or a branch parked for a
// later claim).
func (r *Registry) IndexFor(state api.State) (int, bool) {
	for i, s := range r.steps {
		if s.From == state || (s.ResumeFrom != "" && s.ResumeFrom == state) {
			return i, true
		}
	}
	return 0, false
}
