package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbeam/dispatch/pkg/errors"
	"github.com/runbeam/dispatch/pkg/work"
)

// stubSubmitter plays the dispatcher for pipeline steps: each submission
// resolves immediately through a per-pipeline outcome function.
type stubSubmitter struct {
	mu       sync.Mutex
	runs     map[string]*work.Run
	outcomes map[string]func(params map[string]any) (any, error)
	specs    []work.Spec
}

func newStubSubmitter() *stubSubmitter {
	return &stubSubmitter{
		runs:     make(map[string]*work.Run),
		outcomes: make(map[string]func(params map[string]any) (any, error)),
	}
}

func (s *stubSubmitter) on(pipeline string, fn func(params map[string]any) (any, error)) {
	s.outcomes[pipeline] = fn
}

func (s *stubSubmitter) Submit(ctx context.Context, spec work.Spec) (*work.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, spec)

	fn, ok := s.outcomes[spec.Name]
	if !ok {
		return nil, errors.Newf(errors.CategoryHandlerNotFound, "pipeline %q not registered", spec.Name)
	}

	now := time.Now().UTC()
	run := &work.Run{ID: uuid.NewString(), Spec: spec, CreatedAt: now, StartedAt: &now, CompletedAt: &now}
	result, err := fn(spec.Params)
	if err != nil {
		run.Status = work.StatusFailed
		run.Error = err.Error()
		run.ErrorCategory = string(errors.CategoryOf(err))
	} else {
		run.Status = work.StatusCompleted
		run.Result = result
	}
	s.runs[run.ID] = run
	return run, nil
}

func (s *stubSubmitter) Wait(ctx context.Context, runID string, timeout time.Duration) (*work.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return run, nil
}

func TestRunnerLambdaChain(t *testing.T) {
	def := &Definition{
		Name: "chain",
		Steps: []Step{
			{Name: "double", Kind: StepLambda, Lambda: func(ctx context.Context, inputs map[string]any) (any, error) {
				n := inputs["inputs"].(map[string]any)["n"].(int)
				return n * 2, nil
			}},
			{Name: "stringify", Kind: StepLambda, Lambda: func(ctx context.Context, inputs map[string]any) (any, error) {
				prev := inputs["steps"].(map[string]any)["double"].(int)
				if prev == 4 {
					return "four", nil
				}
				return "other", nil
			}},
		},
	}

	r := &Runner{}
	result, err := r.Run(context.Background(), def, map[string]any{"n": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, result.StepsRun)
	assert.Equal(t, "stringify", result.LastStep)
	assert.Equal(t, 4, result.Outputs["double"])
	assert.Equal(t, "four", result.Outputs["stringify"])
}

func TestRunnerPipelineStep(t *testing.T) {
	sub := newStubSubmitter()
	sub.on("fetch-order", func(params map[string]any) (any, error) {
		return map[string]any{"total": params["order_id"]}, nil
	})

	def := &Definition{
		Name: "orders",
		Steps: []Step{
			{
				Name:     "fetch",
				Kind:     StepPipeline,
				Pipeline: "fetch-order",
				Params:   map[string]any{"order_id": "=inputs.order_id", "verbatim": "plain"},
			},
		},
	}

	r := &Runner{Submitter: sub}
	result, err := r.Run(context.Background(), def, map[string]any{"order_id": 42})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": 42}, result.Outputs["fetch"])

	require.Len(t, sub.specs, 1)
	spec := sub.specs[0]
	assert.Equal(t, work.KindPipeline, spec.Kind)
	assert.Equal(t, work.TriggerParentWorkflow, spec.TriggerSource)
	assert.Equal(t, 42, spec.Params["order_id"], "= prefix evaluates against the context")
	assert.Equal(t, "plain", spec.Params["verbatim"], "non-expression values pass through")
}

func TestRunnerChoiceBranching(t *testing.T) {
	def := &Definition{
		Name: "branching",
		Steps: []Step{
			{Name: "start", Kind: StepLambda, Lambda: func(ctx context.Context, inputs map[string]any) (any, error) {
				return inputs["inputs"].(map[string]any)["total"], nil
			}, NextStep: "decide"},
			{Name: "decide", Kind: StepChoice, Default: "small", Branches: []Branch{
				{When: "steps.start > 100", Then: "big"},
			}},
			{Name: "big", Kind: StepLambda, Lambda: func(ctx context.Context, inputs map[string]any) (any, error) {
				return "reviewed", nil
			}, Terminal: true},
			{Name: "small", Kind: StepLambda, Lambda: func(ctx context.Context, inputs map[string]any) (any, error) {
				return "approved", nil
			}, Terminal: true},
		},
	}

	r := &Runner{}

	result, err := r.Run(context.Background(), def, map[string]any{"total": 500})
	require.NoError(t, err)
	assert.Equal(t, "big", result.LastStep)
	assert.Equal(t, "reviewed", result.Outputs["big"])
	_, ran := result.Outputs["small"]
	assert.False(t, ran)

	result, err = r.Run(context.Background(), def, map[string]any{"total": 5})
	require.NoError(t, err)
	assert.Equal(t, "small", result.LastStep)
	assert.Equal(t, "approved", result.Outputs["small"])
}

func TestRunnerPolicyFail(t *testing.T) {
	def := &Definition{
		Name: "failing",
		Steps: []Step{
			{Name: "boom", Kind: StepLambda, Lambda: func(ctx context.Context, inputs map[string]any) (any, error) {
				return nil, errors.Newf(errors.CategoryPermanent, "broken")
			}},
			{Name: "never", Kind: StepLambda, Lambda: noopLambda},
		},
	}

	r := &Runner{}
	_, err := r.Run(context.Background(), def, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step boom")
}

func TestRunnerPolicyContinue(t *testing.T) {
	def := &Definition{
		Name: "tolerant",
		Steps: []Step{
			{Name: "boom", Kind: StepLambda, OnError: PolicyContinue,
				Lambda: func(ctx context.Context, inputs map[string]any) (any, error) {
					return nil, errors.Newf(errors.CategoryTransient, "flaky")
				}},
			{Name: "after", Kind: StepLambda, Lambda: func(ctx context.Context, inputs map[string]any) (any, error) {
				return "ran", nil
			}},
		},
	}

	r := &Runner{}
	result, err := r.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.StepsRun)
	assert.Nil(t, result.Outputs["boom"], "failed step records a nil output")
	assert.Equal(t, "ran", result.Outputs["after"])
}

func TestRunnerPolicyRetry(t *testing.T) {
	attempts := 0
	def := &Definition{
		Name: "retrying",
		Steps: []Step{
			{Name: "flaky", Kind: StepLambda, OnError: PolicyRetry,
				Retry: &StepRetry{MaxRetries: 2},
				Lambda: func(ctx context.Context, inputs map[string]any) (any, error) {
					attempts++
					if attempts < 3 {
						return nil, errors.Newf(errors.CategoryTransient, "not yet")
					}
					return "done", nil
				}},
		},
	}

	r := &Runner{}
	result, err := r.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "done", result.Outputs["flaky"])
}

func TestRunnerPolicyRetryExhausted(t *testing.T) {
	attempts := 0
	def := &Definition{
		Name: "doomed",
		Steps: []Step{
			{Name: "flaky", Kind: StepLambda, OnError: PolicyRetry,
				Retry: &StepRetry{MaxRetries: 1},
				Lambda: func(ctx context.Context, inputs map[string]any) (any, error) {
					attempts++
					return nil, errors.Newf(errors.CategoryTransient, "never works")
				}},
		},
	}

	r := &Runner{}
	_, err := r.Run(context.Background(), def, nil)
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRunnerMaxTransitions(t *testing.T) {
	// Two choice steps that select each other forever. Choices record no
	// output, so only the transition bound stops the loop.
	def := &Definition{
		Name: "cycle",
		Steps: []Step{
			{Name: "ping", Kind: StepChoice, Default: "pong", Branches: []Branch{{Then: "pong"}}},
			{Name: "pong", Kind: StepChoice, Default: "ping", Branches: []Branch{{Then: "ping"}}},
		},
	}

	r := &Runner{MaxTransitions: 10}
	_, err := r.Run(context.Background(), def, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "choice cycles")
}

func TestRunnerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	def := &Definition{
		Name:  "cancelled",
		Steps: []Step{{Name: "a", Kind: StepLambda, Lambda: noopLambda}},
	}

	r := &Runner{}
	_, err := r.Run(ctx, def, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryCancelled, errors.CategoryOf(err))
}

func TestRunnerFailedPipelineKeepsCategory(t *testing.T) {
	sub := newStubSubmitter()
	sub.on("doomed", func(params map[string]any) (any, error) {
		return nil, errors.Newf(errors.CategoryPermanent, "bad data")
	})

	def := &Definition{
		Name:  "pfail",
		Steps: []Step{{Name: "run", Kind: StepPipeline, Pipeline: "doomed"}},
	}

	r := &Runner{Submitter: sub}
	_, err := r.Run(context.Background(), def, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryPermanent, errors.CategoryOf(err))
}
