package handlers

import (
	"fmt"
	"sync"
	"time"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
)

// Registry maps step types to Handler implementations.
// It implements the pipeline.HandlerRegistry interface. Handlers may be
// registered while executions are running.
type Registry struct {
	mu       sync.RWMutex
	handlers map[pipeline.StepType]pipeline.Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[pipeline.StepType]pipeline.Handler)}
}

// Register associates a handler with a step type. Registering a named custom
// kind ("custom:enrich") overrides the generic custom handler for that kind
// only.
func (r *Registry) Register(stepType pipeline.StepType, h pipeline.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[stepType] = h
}

// Get returns the handler for a step type, or an error if not registered.
// Named custom kinds fall back to the handler for "custom".
func (r *Registry) Get(stepType pipeline.StepType) (pipeline.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[stepType]; ok {
		return h, nil
	}
	if h, ok := r.handlers[stepType.Kind()]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("no handler registered for step type %q", stepType)
}

// Options tunes the built-in handlers.
type Options struct {
	// APICallLatency is the simulated round trip of an api_call step.
	APICallLatency time.Duration
	// Now stamps mock API responses. Defaults to time.Now.
	Now func() time.Time
}

// NewBuiltinRegistry returns a Registry with a handler for every built-in
// step type.
func NewBuiltinRegistry(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	reg := NewRegistry()
	reg.Register(pipeline.StepTypeTextProcessing, NewTextHandler())
	reg.Register(pipeline.StepTypeDataTransform, &TransformHandler{})
	reg.Register(pipeline.StepTypeAPICall, &APICallHandler{Latency: opts.APICallLatency, Now: opts.Now})
	reg.Register(pipeline.StepTypeCondition, &ConditionHandler{})
	reg.Register(pipeline.StepTypeLoop, &LoopHandler{})
	reg.Register(pipeline.StepTypeCustom, &CustomHandler{})
	return reg
}
