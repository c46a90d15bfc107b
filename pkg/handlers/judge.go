package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"llmarena/pkg/core"
	"llmarena/pkg/llm"
	"llmarena/pkg/registry"
	"llmarena/pkg/runner"
)

// Candidate is one model output to be scored by the judge.
type Candidate struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
	Output string `json:"output"`
}

// JudgeParams configures a judge-pass job.
type JudgeParams struct {
	Judge      llm.Target  `json:"judge"`
	Rubric     string      `json:"rubric"`
	Candidates []Candidate `json:"candidates"`
}

// JudgeScore is the judge's verdict on one candidate.
type JudgeScore struct {
	CandidateID string  `json:"candidate_id"`
	Score       float64 `json:"score"`
	Rationale   string  `json:"rationale"`
	Error       string  `json:"error,omitempty"`
}

var scorePattern = regexp.MustCompile(`(?m)^\s*(?:score|rating)?\s*[:=]?\s*(\d+(?:\.\d+)?)\s*(?:/\s*10)?`)

// JudgePass has a judge model score each candidate output against a
// rubric on a 0-10 scale. One judge means one provider group, so all
// candidates run sequentially.
func JudgePass(deps Deps) registry.HandlerFunc {
	return func(ctx context.Context, job *core.Job, p registry.Reporter) (registry.Result, error) {
		var params JudgeParams
		if err := parseParams(job.Params, &params); err != nil {
			return registry.Result{}, err
		}
		if params.Judge.Provider == "" || len(params.Candidates) == 0 {
			return registry.Result{}, fmt.Errorf("handlers: judge pass needs a judge target and candidates")
		}
		if params.Rubric == "" {
			params.Rubric = "Rate the response for correctness, helpfulness, and clarity."
		}

		steps := make([]runner.Step, 0, len(params.Candidates))
		for _, cand := range params.Candidates {
			steps = append(steps, judgeStep(deps.Client, params, cand))
		}
		groups := map[string][]runner.Step{params.Judge.Provider: steps}

		total := len(params.Candidates)
		done := 0
		scores := make([]JudgeScore, 0, total)

		p.Progress(0, fmt.Sprintf("judging %d candidates", total))
		for outcome := range runner.Execute(ctx, groups) {
			done++
			score, ok := outcome.Value.(JudgeScore)
			if !ok {
				score = JudgeScore{CandidateID: outcome.Step}
			}
			if outcome.Err != nil {
				score.Error = outcome.Err.Error()
			}
			scores = append(scores, score)

			p.Emit("judge_score", map[string]any{
				"candidate_id": score.CandidateID,
				"score":        score.Score,
				"error":        score.Error,
			})
			p.Progress(progressOf(done, total), fmt.Sprintf("%d/%d candidates judged", done, total))
		}
		if err := ctx.Err(); err != nil {
			return registry.Result{}, err
		}

		payload, err := json.Marshal(map[string]any{"scores": scores})
		if err != nil {
			return registry.Result{}, fmt.Errorf("handlers: marshal judge report: %w", err)
		}
		ref, err := deps.Reports.Save(ctx, job.ID, "judge-report", payload)
		if err != nil {
			return registry.Result{}, fmt.Errorf("handlers: save judge report: %w", err)
		}

		p.Progress(100, "judging complete")
		return registry.Result{Ref: ref, Type: "judge-report"}, nil
	}
}

func judgeStep(client llm.Client, params JudgeParams, cand Candidate) runner.Step {
	return runner.Step{
		Key: cand.ID,
		Run: func(ctx context.Context) (any, error) {
			score := JudgeScore{CandidateID: cand.ID}
			prompt := fmt.Sprintf(
				"You are an impartial judge. %s\n\nPrompt:\n%s\n\nResponse:\n%s\n\nReply with a line \"score: N\" where N is 0-10, then a brief rationale.",
				params.Rubric, cand.Prompt, cand.Output,
			)
			resp, err := client.Complete(ctx, params.Judge, llm.ChatRequest{
				Messages: []llm.ChatMessage{{Role: "user", Content: prompt}},
			})
			if err != nil {
				return score, err
			}
			score.Rationale = resp.Content
			score.Score = parseScore(resp.Content)
			return score, nil
		},
	}
}

// parseScore extracts the first 0-10 score from judge output, clamping
// out-of-range values. Unparseable output scores zero.
func parseScore(content string) float64 {
	m := scorePattern.FindStringSubmatch(content)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}
