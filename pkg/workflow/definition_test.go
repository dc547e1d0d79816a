package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbeam/dispatch/pkg/errors"
)

func noopLambda(ctx context.Context, inputs map[string]any) (any, error) {
	return nil, nil
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{
			name: "valid single lambda",
			def: Definition{
				Name:  "ok",
				Steps: []Step{{Name: "a", Kind: StepLambda, Lambda: noopLambda}},
			},
		},
		{
			name:    "empty name",
			def:     Definition{Steps: []Step{{Name: "a", Kind: StepLambda, Lambda: noopLambda}}},
			wantErr: "name cannot be empty",
		},
		{
			name:    "no steps",
			def:     Definition{Name: "empty"},
			wantErr: "at least one step",
		},
		{
			name: "duplicate step names",
			def: Definition{
				Name: "dup",
				Steps: []Step{
					{Name: "a", Kind: StepLambda, Lambda: noopLambda},
					{Name: "a", Kind: StepLambda, Lambda: noopLambda},
				},
			},
			wantErr: "duplicate step name",
		},
		{
			name: "unknown entry",
			def: Definition{
				Name:  "entry",
				Entry: "missing",
				Steps: []Step{{Name: "a", Kind: StepLambda, Lambda: noopLambda}},
			},
			wantErr: "entry references unknown step",
		},
		{
			name: "lambda without callable",
			def: Definition{
				Name:  "nocall",
				Steps: []Step{{Name: "a", Kind: StepLambda}},
			},
			wantErr: "has no callable",
		},
		{
			name: "pipeline without name",
			def: Definition{
				Name:  "nopipe",
				Steps: []Step{{Name: "a", Kind: StepPipeline}},
			},
			wantErr: "names no pipeline",
		},
		{
			name: "unknown next_step",
			def: Definition{
				Name: "badnext",
				Steps: []Step{
					{Name: "a", Kind: StepLambda, Lambda: noopLambda, NextStep: "missing"},
				},
			},
			wantErr: "next_step references unknown step",
		},
		{
			name: "choice without branches",
			def: Definition{
				Name: "nobranch",
				Steps: []Step{
					{Name: "pick", Kind: StepChoice, Default: "pick"},
				},
			},
			wantErr: "has no branches",
		},
		{
			name: "choice without default",
			def: Definition{
				Name: "nodefault",
				Steps: []Step{
					{Name: "pick", Kind: StepChoice, Branches: []Branch{{Then: "pick"}}},
				},
			},
			wantErr: "has no default branch",
		},
		{
			name: "choice branch references unknown step",
			def: Definition{
				Name: "badbranch",
				Steps: []Step{
					{Name: "pick", Kind: StepChoice, Default: "pick", Branches: []Branch{{Then: "missing"}}},
				},
			},
			wantErr: "branch references unknown step",
		},
		{
			name: "choice with next_step",
			def: Definition{
				Name: "choicenext",
				Steps: []Step{
					{Name: "pick", Kind: StepChoice, Default: "pick", NextStep: "pick",
						Branches: []Branch{{Then: "pick"}}},
				},
			},
			wantErr: "cannot declare next_step",
		},
		{
			name: "invalid branch predicate",
			def: Definition{
				Name: "badexpr",
				Steps: []Step{
					{Name: "pick", Kind: StepChoice, Default: "pick",
						Branches: []Branch{{When: "inputs.x >", Then: "pick"}}},
				},
			},
			wantErr: "invalid expression",
		},
		{
			name: "unknown step kind",
			def: Definition{
				Name:  "badkind",
				Steps: []Step{{Name: "a", Kind: StepKind("cron")}},
			},
			wantErr: "unknown kind",
		},
		{
			name: "unknown error policy",
			def: Definition{
				Name:  "badpolicy",
				Steps: []Step{{Name: "a", Kind: StepLambda, Lambda: noopLambda, OnError: ErrorPolicy("shrug")}},
			},
			wantErr: "unknown on_error policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseDefinition(t *testing.T) {
	yaml := `
name: fulfil-order
description: submit and verify an order
entry: fetch
steps:
  - name: fetch
    kind: pipeline
    pipeline: fetch-order
    params:
      order_id: "=inputs.order_id"
  - name: decide
    kind: choice
    branches:
      - when: steps.fetch.total > 100
        then: review
    default: approve
  - name: review
    kind: pipeline
    pipeline: manual-review
    terminal: true
  - name: approve
    kind: pipeline
    pipeline: auto-approve
`
	def, err := ParseDefinition([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "fulfil-order", def.Name)
	assert.Equal(t, "fetch", def.Entry)
	require.Len(t, def.Steps, 4)
	assert.Equal(t, StepChoice, def.Steps[1].Kind)
	assert.Equal(t, "approve", def.Steps[1].Default)
	assert.True(t, def.Steps[2].Terminal)
	assert.Equal(t, "=inputs.order_id", def.Steps[0].Params["order_id"])
}

func TestParseDefinitionBadYAML(t *testing.T) {
	_, err := ParseDefinition([]byte("steps: ["))
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "definition", verr.Field)
}

func TestParseDefinitionRejectsLambdaSteps(t *testing.T) {
	yaml := `
name: nope
steps:
  - name: compute
    kind: lambda
`
	_, err := ParseDefinition([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no callable")
}
