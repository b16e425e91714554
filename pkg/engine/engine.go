// Package engine drives filter evaluation.
//
// The engine sits between stored filter programs and the virtual machine:
// it resolves filter IDs to verified programs (with an in-memory cache),
// reuses machines across evaluations through a pool, and applies the
// fail-closed policy — any execution error rejects the packet.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/netgrave/pfvm/internal/types"
	"github.com/netgrave/pfvm/pkg/loader"
	"github.com/netgrave/pfvm/pkg/vm"
)

// Engine errors.
var (
	ErrFilterNotFound = errors.New("filter not found")
)

// Store provides access to stored filter program bytes.
type Store interface {
	// GetProgram returns the wire bytes of the filter with the given ID.
	GetProgram(id types.FilterID) ([]byte, error)
}

// Config holds engine configuration.
type Config struct {
	// MaxSteps is the per-run instruction budget.
	MaxSteps uint64

	// OnResult, if set, is invoked after every evaluation. It is called
	// synchronously; keep it cheap or hand off to a goroutine.
	OnResult func(id types.FilterID, packet []byte, result *Result)
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxSteps: vm.DefaultMaxSteps,
	}
}

// Result is the outcome of evaluating one packet against one filter.
type Result struct {
	// Verdict is the numeric result of the run. Zero on error.
	Verdict uint32

	// Accepted is true when the run completed with a nonzero verdict.
	// Errors fail closed: Accepted is false whenever Err is set.
	Accepted bool

	// StepsUsed is the number of instructions executed.
	StepsUsed uint64

	// Err holds the execution error message, if any.
	Err string
}

// Engine evaluates packets against stored filters.
type Engine struct {
	config Config
	store  Store

	// cache holds verified programs by ID.
	cache   map[types.FilterID]*loader.Program
	cacheMu sync.RWMutex

	// machines pools VMs for reuse across evaluations.
	machines sync.Pool
}

// New creates an engine backed by the given store.
func New(config Config, store Store) *Engine {
	if config.MaxSteps == 0 {
		config.MaxSteps = vm.DefaultMaxSteps
	}

	e := &Engine{
		config: config,
		store:  store,
		cache:  make(map[types.FilterID]*loader.Program),
	}
	e.machines.New = func() interface{} {
		return vm.NewWithLimit(config.MaxSteps)
	}
	return e
}

// Evaluate runs the filter with the given ID against a packet.
//
// Store and parse failures are returned as errors; execution failures are
// reported inside the Result with Accepted=false, so a caller filtering
// traffic can distinguish "no such filter" from "this packet was rejected".
func (e *Engine) Evaluate(id types.FilterID, packet []byte) (*Result, error) {
	prog, err := e.loadProgram(id)
	if err != nil {
		return nil, err
	}
	return e.EvaluateProgram(prog, packet), nil
}

// EvaluateProgram runs an already-verified program against a packet.
func (e *Engine) EvaluateProgram(prog *loader.Program, packet []byte) *Result {
	m := e.machines.Get().(*vm.Machine)
	m.Reset()
	defer e.machines.Put(m)

	verdict, runErr := m.Run(prog.Instructions, packet)

	result := &Result{
		Verdict:   verdict,
		Accepted:  runErr == nil && verdict != 0,
		StepsUsed: e.config.MaxSteps - m.StepMeter().Remaining(),
	}
	if runErr != nil {
		result.Err = runErr.Error()
	}

	if e.config.OnResult != nil {
		e.config.OnResult(prog.ID, packet, result)
	}

	return result
}

// loadProgram resolves a filter ID through the cache or the store.
func (e *Engine) loadProgram(id types.FilterID) (*loader.Program, error) {
	e.cacheMu.RLock()
	prog, ok := e.cache[id]
	e.cacheMu.RUnlock()
	if ok {
		return prog, nil
	}

	data, err := e.store.GetProgram(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFilterNotFound, id)
	}

	prog, err = loader.Load(data)
	if err != nil {
		return nil, fmt.Errorf("stored filter %s failed verification: %w", id, err)
	}

	e.cacheMu.Lock()
	e.cache[id] = prog
	e.cacheMu.Unlock()

	return prog, nil
}

// Invalidate drops one filter from the program cache.
func (e *Engine) Invalidate(id types.FilterID) {
	e.cacheMu.Lock()
	delete(e.cache, id)
	e.cacheMu.Unlock()
}

// ClearCache drops all cached programs.
func (e *Engine) ClearCache() {
	e.cacheMu.Lock()
	e.cache = make(map[types.FilterID]*loader.Program)
	e.cacheMu.Unlock()
}
