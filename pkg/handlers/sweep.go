package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"llmarena/pkg/core"
	"llmarena/pkg/llm"
	"llmarena/pkg/registry"
	"llmarena/pkg/runner"
)

// SweepParams configures a param-sweep job: the same prompt is run at each
// grid point for every target.
type SweepParams struct {
	Targets      []llm.Target `json:"targets"`
	Prompt       string       `json:"prompt"`
	Temperatures []float64    `json:"temperatures"`
	MaxTokens    int          `json:"max_tokens"`
}

// SweepPoint is the outcome of one grid point.
type SweepPoint struct {
	Target           string  `json:"target"`
	Temperature      float64 `json:"temperature"`
	Content          string  `json:"content"`
	CompletionTokens int     `json:"completion_tokens"`
	Error            string  `json:"error,omitempty"`
}

// ParamSweep runs the prompt across a temperature grid, one grid point at
// a time per provider group.
func ParamSweep(deps Deps) registry.HandlerFunc {
	return func(ctx context.Context, job *core.Job, p registry.Reporter) (registry.Result, error) {
		var params SweepParams
		if err := parseParams(job.Params, &params); err != nil {
			return registry.Result{}, err
		}
		if len(params.Targets) == 0 || params.Prompt == "" {
			return registry.Result{}, fmt.Errorf("handlers: param sweep needs targets and a prompt")
		}
		if len(params.Temperatures) == 0 {
			params.Temperatures = []float64{0.0, 0.5, 1.0}
		}

		groups := make(map[string][]runner.Step)
		for provider, targets := range llm.GroupByProvider(params.Targets) {
			var steps []runner.Step
			for _, target := range targets {
				for _, temp := range params.Temperatures {
					steps = append(steps, sweepStep(deps.Client, target, temp, params))
				}
			}
			groups[provider] = steps
		}

		total := len(params.Targets) * len(params.Temperatures)
		done := 0
		points := make([]SweepPoint, 0, total)

		p.Progress(0, fmt.Sprintf("sweeping %d grid points", total))
		for outcome := range runner.Execute(ctx, groups) {
			done++
			point, ok := outcome.Value.(SweepPoint)
			if !ok {
				point = SweepPoint{Target: outcome.Group}
			}
			if outcome.Err != nil {
				point.Error = outcome.Err.Error()
			}
			points = append(points, point)

			p.Emit("sweep_point", map[string]any{
				"target":      point.Target,
				"temperature": point.Temperature,
				"tokens":      point.CompletionTokens,
				"error":       point.Error,
			})
			p.Progress(progressOf(done, total), fmt.Sprintf("%d/%d grid points complete", done, total))
		}
		if err := ctx.Err(); err != nil {
			return registry.Result{}, err
		}

		payload, err := json.Marshal(map[string]any{"points": points})
		if err != nil {
			return registry.Result{}, fmt.Errorf("handlers: marshal sweep report: %w", err)
		}
		ref, err := deps.Reports.Save(ctx, job.ID, "sweep-report", payload)
		if err != nil {
			return registry.Result{}, fmt.Errorf("handlers: save sweep report: %w", err)
		}

		p.Progress(100, "sweep complete")
		return registry.Result{Ref: ref, Type: "sweep-report"}, nil
	}
}

func sweepStep(client llm.Client, target llm.Target, temp float64, params SweepParams) runner.Step {
	return runner.Step{
		Key: fmt.Sprintf("%s@%.2f", target.Key(), temp),
		Run: func(ctx context.Context) (any, error) {
			point := SweepPoint{Target: target.Key(), Temperature: temp}
			resp, err := client.Complete(ctx, target, llm.ChatRequest{
				Messages:    []llm.ChatMessage{{Role: "user", Content: params.Prompt}},
				MaxTokens:   params.MaxTokens,
				Temperature: temp,
			})
			if err != nil {
				return point, err
			}
			point.Content = resp.Content
			point.CompletionTokens = resp.CompletionTokens
			return point, nil
		},
	}
}
