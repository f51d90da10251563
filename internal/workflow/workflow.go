// Package workflow implements the thin sequential YAML step interpreter: a
// workflow is an ordered list of chat-completion steps, each invoking the
// request pipeline once. Branching and loop control are explicitly out of
// scope; a workflow always runs every step in file order and fails the
// whole run on the first step error.
//
// Each step maps onto a single pipeline call with its cost folded into a
// running total, the same accounting a durable-workflow activity would do
// but without any external orchestration engine. YAML parsing follows the
// common gopkg.in/yaml.v3 unmarshal-plus-"${var}"-interpolation pattern.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openclaw-community/openclaw-hub/internal/events"
	"github.com/openclaw-community/openclaw-hub/internal/pipeline"
	"github.com/openclaw-community/openclaw-hub/internal/providers"
)

// Step is one entry of a workflow's step list.
type Step struct {
	Name   string `yaml:"name"`
	Model  string `yaml:"model"`
	System string `yaml:"system,omitempty"`
	Prompt string `yaml:"prompt"`
	SaveAs string `yaml:"save_as,omitempty"`
}

// Spec is a parsed workflow definition.
type Spec struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty"`
	Steps       []Step            `yaml:"steps"`
}

// Parse reads a workflow YAML document and validates it structurally. It
// does not validate that referenced models/connections exist; that
// surfaces naturally as a pipeline.ErrNoRoute when a step runs.
func Parse(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse workflow yaml: %w", err)
	}
	if s.Name == "" {
		return nil, errors.New("workflow: name is required")
	}
	if len(s.Steps) == 0 {
		return nil, errors.New("workflow: at least one step is required")
	}
	for i, st := range s.Steps {
		if st.Model == "" {
			return nil, fmt.Errorf("workflow: step %d (%q): model is required", i, st.Name)
		}
		if st.Prompt == "" {
			return nil, fmt.Errorf("workflow: step %d (%q): prompt is required", i, st.Name)
		}
	}
	return &s, nil
}

// StepResult pairs a step's name with the pipeline response it produced.
type StepResult struct {
	Name     string
	Response pipeline.Response
}

// PipelineRunner is the subset of *pipeline.Pipeline the interpreter needs;
// narrowed to an interface so tests can substitute a fake.
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Response, error)
}

// Runner executes a parsed Spec by calling a PipelineRunner once per step,
// threading each step's output into later steps via save_as/"${var}"
// interpolation.
type Runner struct {
	pipeline PipelineRunner
	eventBus *events.Bus
	logger   *slog.Logger
}

// NewRunner builds a workflow Runner. bus may be nil.
func NewRunner(p PipelineRunner, bus *events.Bus, logger *slog.Logger) *Runner {
	return &Runner{pipeline: p, eventBus: bus, logger: logger}
}

// Run executes every step of spec in order against the given input
// variables (merged over the spec's own defaults). It stops at the first
// step failure and returns the results gathered so far alongside the error.
func (r *Runner) Run(ctx context.Context, spec *Spec, vars map[string]string) ([]StepResult, error) {
	merged := mergeVars(spec.Variables, vars)
	results := make([]StepResult, 0, len(spec.Steps))
	var totalCost float64

	r.publish(events.EventWorkflowStarted, spec.Name, "", totalCost)

	for _, step := range spec.Steps {
		messages := make([]providers.Message, 0, 2)
		if step.System != "" {
			messages = append(messages, providers.Message{Role: "system", Content: interpolate(step.System, merged)})
		}
		messages = append(messages, providers.Message{Role: "user", Content: interpolate(step.Prompt, merged)})

		resp, err := r.pipeline.Run(ctx, pipeline.Request{
			Model:        step.Model,
			Messages:     messages,
			WorkflowName: spec.Name,
		})
		if err != nil {
			r.logger.Warn("workflow step failed",
				slog.String("workflow", spec.Name), slog.String("step", step.Name), slog.String("error", err.Error()))
			r.publish(events.EventWorkflowFailed, spec.Name, step.Name, totalCost)
			return results, fmt.Errorf("workflow %q step %q: %w", spec.Name, step.Name, err)
		}

		totalCost += resp.CostUSD
		if step.SaveAs != "" {
			merged[step.SaveAs] = resp.Content
		}
		results = append(results, StepResult{Name: step.Name, Response: resp})
		r.publish(events.EventActivityCompleted, spec.Name, step.Name, totalCost)
	}

	r.publish(events.EventWorkflowCompleted, spec.Name, "", totalCost)
	return results, nil
}

func (r *Runner) publish(t events.EventType, workflowName, activity string, totalCost float64) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.Publish(events.Event{
		Type:         t,
		WorkflowID:   workflowName,
		WorkflowType: "sequential",
		Activity:     activity,
		TotalCostUSD: totalCost,
	})
}

// interpolate replaces every "${name}" placeholder in template with the
// corresponding entry of vars, leaving unmatched placeholders untouched.
func interpolate(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	for name, value := range vars {
		template = strings.ReplaceAll(template, "${"+name+"}", value)
	}
	return template
}

func mergeVars(defaults, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
