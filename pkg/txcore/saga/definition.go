package saga

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
	"github.com/randalmurphal/txcore/pkg/txcore/template"
)

// Target is one remote call: an address and the JSON payload posted to it.
type Target struct {
	URL     string
	Payload map[string]any
}

// IsZero reports whether the target has no address.
func (t Target) IsZero() bool { return t.URL == "" }

// Step is one unit of a saga. A Step whose Compensate target is empty has
// nothing to undo.
type Step struct {
	Name       string
	Execute    Target
	Compensate Target
}

type wireStep struct {
	Name              string         `json:"name"`
	ExecuteURL        string         `json:"execute_url"`
	ExecutePayload    map[string]any `json:"execute_payload"`
	CompensateURL     string         `json:"compensate_url"`
	CompensatePayload map[string]any `json:"compensate_payload"`
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// MarshalJSON writes the step descriptor. Missing payloads are written as
// empty objects.
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireStep{
		Name:              s.Name,
		ExecuteURL:        s.Execute.URL,
		ExecutePayload:    orEmpty(s.Execute.Payload),
		CompensateURL:     s.Compensate.URL,
		CompensatePayload: orEmpty(s.Compensate.Payload),
	})
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var w wireStep
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Step{
		Name:       w.Name,
		Execute:    Target{URL: w.ExecuteURL, Payload: w.ExecutePayload},
		Compensate: Target{URL: w.CompensateURL, Payload: w.CompensatePayload},
	}
	return nil
}

// StepStatus is the progress of one step within an execution.
type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepExecuted    StepStatus = "EXECUTED"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

// CompensationOrder returns the indices of executed steps, last executed
// first. Pending, failed and already compensated steps are never included.
func CompensationOrder(statuses []StepStatus) []int {
	var out []int
	for i := len(statuses) - 1; i >= 0; i-- {
		if statuses[i] == StepExecuted {
			out = append(out, i)
		}
	}
	return out
}

// Definition is a saga ready for submission.
type Definition struct {
	// SagaID is assigned on submission when empty.
	SagaID string
	Name   string
	Steps  []Step
}

// Validate checks the definition can be submitted.
func (d Definition) Validate() error {
	return validateSteps(d.Steps)
}

func validateSteps(steps []Step) error {
	const op = "saga.Validate"
	if len(steps) == 0 {
		return txerrors.Validation(op, "saga must have at least one step")
	}
	seen := make(map[string]bool, len(steps))
	for i, step := range steps {
		if step.Name == "" {
			return txerrors.Validation(op, "step %d: name is required", i)
		}
		if seen[step.Name] {
			return txerrors.Validation(op, "step %d: duplicate name %q", i, step.Name)
		}
		seen[step.Name] = true

		if err := checkTarget(step.Execute); err != nil {
			return txerrors.Validation(op, "step %q execute: %v", step.Name, err)
		}
		if step.Compensate.IsZero() {
			if len(step.Compensate.Payload) > 0 {
				return txerrors.Validation(op, "step %q: compensate payload without compensate url", step.Name)
			}
			continue
		}
		if err := checkTarget(step.Compensate); err != nil {
			return txerrors.Validation(op, "step %q compensate: %v", step.Name, err)
		}
	}
	return nil
}

func checkTarget(t Target) error {
	if t.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q must be absolute http(s)", t.URL)
	}
	if err := template.Check(t.URL); err != nil {
		return err
	}
	return template.Check(t.Payload)
}

// Placeholders lists every placeholder name used by the definition.
func (d Definition) Placeholders() []string {
	var names []string
	for _, s := range d.Steps {
		for _, t := range []Target{s.Execute, s.Compensate} {
			names = append(names, template.Scan(t.URL)...)
			names = append(names, template.Scan(t.Payload)...)
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// Builder assembles a Definition in step order.
type Builder struct {
	def Definition
}

// NewBuilder starts a definition called name.
func NewBuilder(name string) *Builder {
	return &Builder{def: Definition{Name: name}}
}

// ID fixes the saga id instead of generating one on submission.
func (b *Builder) ID(sagaID string) *Builder {
	b.def.SagaID = sagaID
	return b
}

// Step appends a step. Pass a zero Target for no compensation.
func (b *Builder) Step(name string, execute, compensate Target) *Builder {
	b.def.Steps = append(b.def.Steps, Step{Name: name, Execute: execute, Compensate: compensate})
	return b
}

// Build validates and returns the definition.
func (b *Builder) Build() (Definition, error) {
	def := Definition{
		SagaID: b.def.SagaID,
		Name:   b.def.Name,
		Steps:  slices.Clone(b.def.Steps),
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Argument is the document submitted to the executor.
type Argument struct {
	SagaID string `json:"saga_id"`
	Steps  []Step `json:"steps"`
}

// MarshalJSON writes an empty step list as [].
func (a Argument) MarshalJSON() ([]byte, error) {
	type plain Argument
	if a.Steps == nil {
		a.Steps = []Step{}
	}
	return json.Marshal(plain(a))
}
