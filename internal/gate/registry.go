package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/perimetra/release-pipeline/internal/logger"
)

// Result is the outcome of a single gate check. It is immutable once produced.
type Result struct {
	// Passed reports whether the check succeeded.
	Passed bool
	// Messages carries human-readable context, ordered as emitted by the check.
	Messages []string
}

// CheckFunc runs one acceptance check. Checks may perform read-only
// filesystem scans; they must not write.
type CheckFunc func(ctx context.Context) Result

// Gate is a named acceptance check evaluated before a release is packaged.
// Gates are stateless and re-evaluated on each run.
type Gate struct {
	// Name identifies the gate; it is unique within a registry.
	Name string
	// Check produces the gate's result.
	Check CheckFunc
}

// Failure reports the first failing gate of a registry run.
type Failure struct {
	// Gate is the name of the failing gate.
	Gate string
	// Messages are the failing gate's messages.
	Messages []string
}

// Error renders the gate name and its messages for operator remediation.
func (f *Failure) Error() string {
	if len(f.Messages) == 0 {
		return fmt.Sprintf("gate %q failed", f.Gate)
	}

	return fmt.Sprintf("gate %q failed: %s", f.Gate, strings.Join(f.Messages, "; "))
}

// errDuplicateGate is returned when two gates share a name.
var errDuplicateGate = errors.New("gate already registered")

// Registry holds gates in registration order.
type Registry struct {
	gates []Gate
	names map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		names: make(map[string]struct{}),
	}
}

// Register appends a gate. Gate names must be unique.
func (r *Registry) Register(g Gate) error {
	if _, exists := r.names[g.Name]; exists {
		return fmt.Errorf("%s: %w", g.Name, errDuplicateGate)
	}

	r.names[g.Name] = struct{}{}
	r.gates = append(r.gates, g)

	return nil
}

// MustRegister registers a gate and panics on a duplicate name.
// Intended for static registry construction.
func (r *Registry) MustRegister(g Gate) {
	if err := r.Register(g); err != nil {
		panic(err)
	}
}

// Names returns gate names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gates))
	for _, g := range r.gates {
		names = append(names, g.Name)
	}

	return names
}

// Evaluate runs every gate and returns the per-gate results in registration
// order, plus a *Failure describing the first failing gate when any failed.
//
// Checks are read-only and independent, so they run concurrently; the
// reported failure is still the first by registration order, not the first
// to finish. A gate that panics is treated as a failing gate whose message
// is the captured panic, so the registry never propagates a fault upward.
func (r *Registry) Evaluate(ctx context.Context) ([]Result, error) {
	if len(r.gates) == 0 {
		return nil, nil
	}

	results := make([]Result, len(r.gates))

	var wg sync.WaitGroup
	for i, g := range r.gates {
		i, g := i, g

		wg.Add(1)

		go func() {
			defer wg.Done()

			results[i] = runGate(ctx, g)
		}()
	}

	wg.Wait()

	for i, res := range results {
		if res.Passed {
			logger.DebugKV(ctx, "Gate passed", "gate", r.gates[i].Name)
			continue
		}

		return results, &Failure{
			Gate:     r.gates[i].Name,
			Messages: res.Messages,
		}
	}

	return results, nil
}

// runGate executes a single check, converting a panic into a failing result.
func runGate(ctx context.Context, g Gate) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{
				Messages: []string{fmt.Sprintf("gate panicked: %v", p)},
			}
		}
	}()

	return g.Check(ctx)
}

// Pass returns a passing result with optional messages.
func Pass(messages ...string) Result {
	return Result{Passed: true, Messages: messages}
}

// Fail returns a failing result with the given messages.
func Fail(messages ...string) Result {
	return Result{Messages: messages}
}
