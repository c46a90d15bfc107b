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

// ToolCase is one evaluation case: a prompt, the tools offered, and the
// tool the model is expected to call.
type ToolCase struct {
	ID         string         `json:"id"`
	Prompt     string         `json:"prompt"`
	Tools      []llm.ToolSpec `json:"tools"`
	ExpectTool string         `json:"expect_tool"`
}

// ToolEvalParams configures a tool-eval job.
type ToolEvalParams struct {
	Targets []llm.Target `json:"targets"`
	Cases   []ToolCase   `json:"cases"`
}

// ToolCaseResult is the outcome of one case against one target.
type ToolCaseResult struct {
	Target     string `json:"target"`
	CaseID     string `json:"case_id"`
	ExpectTool string `json:"expect_tool"`
	GotTool    string `json:"got_tool"`
	Correct    bool   `json:"correct"`
	Error      string `json:"error,omitempty"`
}

// ToolEvalSummary aggregates per-target accuracy.
type ToolEvalSummary struct {
	Target   string  `json:"target"`
	Cases    int     `json:"cases"`
	Correct  int     `json:"correct"`
	Errors   int     `json:"errors"`
	Accuracy float64 `json:"accuracy"`
}

// ToolEval measures tool-calling accuracy: for each case the model must
// choose the expected tool. Cases run sequentially per provider group.
func ToolEval(deps Deps) registry.HandlerFunc {
	return func(ctx context.Context, job *core.Job, p registry.Reporter) (registry.Result, error) {
		var params ToolEvalParams
		if err := parseParams(job.Params, &params); err != nil {
			return registry.Result{}, err
		}
		if len(params.Targets) == 0 || len(params.Cases) == 0 {
			return registry.Result{}, fmt.Errorf("handlers: tool eval needs targets and cases")
		}

		groups := make(map[string][]runner.Step)
		for provider, targets := range llm.GroupByProvider(params.Targets) {
			var steps []runner.Step
			for _, target := range targets {
				for _, c := range params.Cases {
					steps = append(steps, toolCaseStep(deps.Client, target, c))
				}
			}
			groups[provider] = steps
		}

		total := len(params.Targets) * len(params.Cases)
		done := 0
		results := make([]ToolCaseResult, 0, total)

		p.Progress(0, fmt.Sprintf("evaluating %d cases against %d targets", len(params.Cases), len(params.Targets)))
		for outcome := range runner.Execute(ctx, groups) {
			done++
			res, ok := outcome.Value.(ToolCaseResult)
			if !ok {
				res = ToolCaseResult{Target: outcome.Group, CaseID: outcome.Step}
			}
			if outcome.Err != nil {
				res.Error = outcome.Err.Error()
			}
			results = append(results, res)

			p.Emit("tool_case_result", map[string]any{
				"target":  res.Target,
				"case_id": res.CaseID,
				"correct": res.Correct,
				"error":   res.Error,
			})
			p.Progress(progressOf(done, total), fmt.Sprintf("%d/%d cases complete", done, total))
		}
		if err := ctx.Err(); err != nil {
			return registry.Result{}, err
		}

		payload, err := json.Marshal(map[string]any{
			"results":   results,
			"summaries": summarizeToolEval(results),
		})
		if err != nil {
			return registry.Result{}, fmt.Errorf("handlers: marshal tool eval report: %w", err)
		}
		ref, err := deps.Reports.Save(ctx, job.ID, "tool-eval-report", payload)
		if err != nil {
			return registry.Result{}, fmt.Errorf("handlers: save tool eval report: %w", err)
		}

		p.Progress(100, "evaluation complete")
		return registry.Result{Ref: ref, Type: "tool-eval-report"}, nil
	}
}

func toolCaseStep(client llm.Client, target llm.Target, c ToolCase) runner.Step {
	return runner.Step{
		Key: fmt.Sprintf("%s#%s", target.Key(), c.ID),
		Run: func(ctx context.Context) (any, error) {
			res := ToolCaseResult{Target: target.Key(), CaseID: c.ID, ExpectTool: c.ExpectTool}
			resp, err := client.Complete(ctx, target, llm.ChatRequest{
				Messages: []llm.ChatMessage{{Role: "user", Content: c.Prompt}},
				Tools:    c.Tools,
			})
			if err != nil {
				return res, err
			}
			if len(resp.ToolCalls) > 0 {
				res.GotTool = resp.ToolCalls[0].Name
			}
			res.Correct = res.GotTool == c.ExpectTool
			return res, nil
		},
	}
}

func summarizeToolEval(results []ToolCaseResult) []ToolEvalSummary {
	byTarget := make(map[string]*ToolEvalSummary)
	order := make([]string, 0)

	for _, r := range results {
		sum, seen := byTarget[r.Target]
		if !seen {
			sum = &ToolEvalSummary{Target: r.Target}
			byTarget[r.Target] = sum
			order = append(order, r.Target)
		}
		sum.Cases++
		switch {
		case r.Error != "":
			sum.Errors++
		case r.Correct:
			sum.Correct++
		}
	}

	out := make([]ToolEvalSummary, 0, len(order))
	for _, key := range order {
		sum := byTarget[key]
		if sum.Cases > 0 {
			sum.Accuracy = float64(sum.Correct) / float64(sum.Cases)
		}
		out = append(out, *sum)
	}
	return out
}
