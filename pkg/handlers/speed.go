package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"llmarena/pkg/core"
	"llmarena/pkg/llm"
	"llmarena/pkg/registry"
	"llmarena/pkg/runner"
)

// SpeedParams configures a speed-benchmark job.
type SpeedParams struct {
	Targets   []llm.Target `json:"targets"`
	Prompt    string       `json:"prompt"`
	Rounds    int          `json:"rounds"`
	MaxTokens int          `json:"max_tokens"`
}

// SpeedSample is one measured round against one target.
type SpeedSample struct {
	Target           string  `json:"target"`
	Round            int     `json:"round"`
	LatencyMs        int64   `json:"latency_ms"`
	CompletionTokens int     `json:"completion_tokens"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
	Error            string  `json:"error,omitempty"`
}

// SpeedSummary aggregates the samples for one target.
type SpeedSummary struct {
	Target          string  `json:"target"`
	Rounds          int     `json:"rounds"`
	Failures        int     `json:"failures"`
	AvgLatencyMs    int64   `json:"avg_latency_ms"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

// SpeedBenchmark measures latency and throughput for each target over a
// fixed number of rounds.
func SpeedBenchmark(deps Deps) registry.HandlerFunc {
	return func(ctx context.Context, job *core.Job, p registry.Reporter) (registry.Result, error) {
		var params SpeedParams
		if err := parseParams(job.Params, &params); err != nil {
			return registry.Result{}, err
		}
		if len(params.Targets) == 0 {
			return registry.Result{}, fmt.Errorf("handlers: speed benchmark needs at least one target")
		}
		if params.Rounds <= 0 {
			params.Rounds = 3
		}
		if params.Prompt == "" {
			params.Prompt = "Write a short paragraph about the weather."
		}

		groups := make(map[string][]runner.Step)
		for provider, targets := range llm.GroupByProvider(params.Targets) {
			var steps []runner.Step
			for _, target := range targets {
				for round := 1; round <= params.Rounds; round++ {
					steps = append(steps, speedStep(deps.Client, target, round, params))
				}
			}
			groups[provider] = steps
		}

		total := len(params.Targets) * params.Rounds
		done := 0
		samples := make([]SpeedSample, 0, total)

		p.Progress(0, fmt.Sprintf("benchmarking %d targets, %d rounds", len(params.Targets), params.Rounds))
		for outcome := range runner.Execute(ctx, groups) {
			done++
			sample, ok := outcome.Value.(SpeedSample)
			if !ok {
				sample = SpeedSample{Target: outcome.Step}
			}
			if outcome.Err != nil {
				sample.Error = outcome.Err.Error()
			}
			samples = append(samples, sample)

			p.Emit("speed_sample", map[string]any{
				"target":     sample.Target,
				"round":      sample.Round,
				"latency_ms": sample.LatencyMs,
				"tok_per_s":  sample.TokensPerSecond,
				"error":      sample.Error,
			})
			p.Progress(progressOf(done, total), fmt.Sprintf("%d/%d probes complete", done, total))
		}
		if err := ctx.Err(); err != nil {
			return registry.Result{}, err
		}

		payload, err := json.Marshal(map[string]any{
			"samples":   samples,
			"summaries": summarizeSpeed(samples),
		})
		if err != nil {
			return registry.Result{}, fmt.Errorf("handlers: marshal speed report: %w", err)
		}
		ref, err := deps.Reports.Save(ctx, job.ID, "speed-report", payload)
		if err != nil {
			return registry.Result{}, fmt.Errorf("handlers: save speed report: %w", err)
		}

		p.Progress(100, "benchmark complete")
		return registry.Result{Ref: ref, Type: "speed-report"}, nil
	}
}

func speedStep(client llm.Client, target llm.Target, round int, params SpeedParams) runner.Step {
	return runner.Step{
		Key: fmt.Sprintf("%s#%d", target.Key(), round),
		Run: func(ctx context.Context) (any, error) {
			start := time.Now()
			resp, err := client.Complete(ctx, target, llm.ChatRequest{
				Messages:  []llm.ChatMessage{{Role: "user", Content: params.Prompt}},
				MaxTokens: params.MaxTokens,
			})
			elapsed := time.Since(start)

			sample := SpeedSample{
				Target:    target.Key(),
				Round:     round,
				LatencyMs: elapsed.Milliseconds(),
			}
			if err != nil {
				return sample, err
			}
			sample.CompletionTokens = resp.CompletionTokens
			if secs := elapsed.Seconds(); secs > 0 {
				sample.TokensPerSecond = float64(resp.CompletionTokens) / secs
			}
			return sample, nil
		},
	}
}

func summarizeSpeed(samples []SpeedSample) []SpeedSummary {
	byTarget := make(map[string]*SpeedSummary)
	order := make([]string, 0)
	totals := make(map[string]struct {
		latency int64
		tps     float64
		ok      int
	})

	for _, s := range samples {
		if _, seen := byTarget[s.Target]; !seen {
			byTarget[s.Target] = &SpeedSummary{Target: s.Target}
			order = append(order, s.Target)
		}
		sum := byTarget[s.Target]
		sum.Rounds++
		if s.Error != "" {
			sum.Failures++
			continue
		}
		t := totals[s.Target]
		t.latency += s.LatencyMs
		t.tps += s.TokensPerSecond
		t.ok++
		totals[s.Target] = t
	}

	out := make([]SpeedSummary, 0, len(order))
	for _, key := range order {
		sum := byTarget[key]
		if t := totals[key]; t.ok > 0 {
			sum.AvgLatencyMs = t.latency / int64(t.ok)
			sum.TokensPerSecond = t.tps / float64(t.ok)
		}
		out = append(out, *sum)
	}
	return out
}
