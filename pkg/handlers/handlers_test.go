package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"llmarena/pkg/core"
	"llmarena/pkg/llm"
	"llmarena/pkg/registry"
	"llmarena/pkg/report"
)

// fakeClient serves canned responses keyed by target, or a shared error.
type fakeClient struct {
	mu        sync.Mutex
	responses map[string]llm.ChatResponse
	errs      map[string]error
	calls     []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		responses: make(map[string]llm.ChatResponse),
		errs:      make(map[string]error),
	}
}

func (c *fakeClient) Complete(_ context.Context, target llm.Target, _ llm.ChatRequest) (llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, target.Key())
	if err := c.errs[target.Key()]; err != nil {
		return llm.ChatResponse{}, err
	}
	return c.responses[target.Key()], nil
}

// fakeReporter records progress and sub-events.
type fakeReporter struct {
	mu        sync.Mutex
	progress  []int
	emitKinds []string
}

func (r *fakeReporter) Progress(pct int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, pct)
}

func (r *fakeReporter) Emit(kind string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitKinds = append(r.emitKinds, kind)
}

func (r *fakeReporter) assertMonotonic(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.progress)
	for i := 1; i < len(r.progress); i++ {
		assert.GreaterOrEqual(t, r.progress[i], r.progress[i-1])
	}
	assert.Equal(t, 100, r.progress[len(r.progress)-1])
}

func setupDeps(t *testing.T) (Deps, *fakeClient, *report.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	reports := report.NewStore(db)
	require.NoError(t, reports.Migrate(context.Background()))

	client := newFakeClient()
	return Deps{Client: client, Reports: reports}, client, reports
}

func runHandler(t *testing.T, h registry.HandlerFunc, params any) (registry.Result, *fakeReporter, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	job := &core.Job{ID: "job-1", UserID: "alice", Params: raw}
	rep := &fakeReporter{}
	result, err := h(context.Background(), job, rep)
	return result, rep, err
}

func TestSpeedBenchmark(t *testing.T) {
	deps, client, reports := setupDeps(t)
	client.responses["openai/gpt-4o"] = llm.ChatResponse{Content: "hi", CompletionTokens: 40}
	client.responses["anthropic/claude"] = llm.ChatResponse{Content: "hi", CompletionTokens: 60}

	result, rep, err := runHandler(t, SpeedBenchmark(deps), SpeedParams{
		Targets: []llm.Target{
			{Provider: "openai", Model: "gpt-4o"},
			{Provider: "anthropic", Model: "claude"},
		},
		Rounds: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "speed-report", result.Type)
	require.NotEmpty(t, result.Ref)

	saved, err := reports.Get(context.Background(), result.Ref)
	require.NoError(t, err)
	assert.Equal(t, "job-1", saved.JobID)

	var payload struct {
		Samples   []SpeedSample  `json:"samples"`
		Summaries []SpeedSummary `json:"summaries"`
	}
	require.NoError(t, json.Unmarshal(saved.Payload, &payload))
	assert.Len(t, payload.Samples, 4)
	assert.Len(t, payload.Summaries, 2)
	for _, sum := range payload.Summaries {
		assert.Equal(t, 2, sum.Rounds)
		assert.Zero(t, sum.Failures)
	}

	rep.assertMonotonic(t)
	assert.Len(t, rep.emitKinds, 4)
	assert.Equal(t, "speed_sample", rep.emitKinds[0])
}

func TestSpeedBenchmarkRecordsFailures(t *testing.T) {
	deps, client, _ := setupDeps(t)
	client.errs["openai/gpt-4o"] = errors.New("provider down")

	result, _, err := runHandler(t, SpeedBenchmark(deps), SpeedParams{
		Targets: []llm.Target{{Provider: "openai", Model: "gpt-4o"}},
		Rounds:  2,
	})
	// Probe failures go into the report; the job itself succeeds.
	require.NoError(t, err)

	saved, err := deps.Reports.Get(context.Background(), result.Ref)
	require.NoError(t, err)
	var payload struct {
		Summaries []SpeedSummary `json:"summaries"`
	}
	require.NoError(t, json.Unmarshal(saved.Payload, &payload))
	require.Len(t, payload.Summaries, 1)
	assert.Equal(t, 2, payload.Summaries[0].Failures)
}

func TestSpeedBenchmarkRejectsEmptyTargets(t *testing.T) {
	deps, _, _ := setupDeps(t)
	_, _, err := runHandler(t, SpeedBenchmark(deps), SpeedParams{})
	assert.Error(t, err)
}

func TestSpeedBenchmarkCancelledMidway(t *testing.T) {
	deps, _, _ := setupDeps(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	raw, err := json.Marshal(SpeedParams{
		Targets: []llm.Target{{Provider: "openai", Model: "gpt-4o"}},
	})
	require.NoError(t, err)
	job := &core.Job{ID: "job-1", Params: raw}

	_, err = SpeedBenchmark(deps)(ctx, job, &fakeReporter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestToolEvalAccuracy(t *testing.T) {
	deps, client, reports := setupDeps(t)
	client.responses["openai/gpt-4o"] = llm.ChatResponse{
		ToolCalls: []llm.ToolCall{{Name: "get_weather", Arguments: "{}"}},
	}

	result, rep, err := runHandler(t, ToolEval(deps), ToolEvalParams{
		Targets: []llm.Target{{Provider: "openai", Model: "gpt-4o"}},
		Cases: []ToolCase{
			{ID: "c1", Prompt: "weather in Oslo?", ExpectTool: "get_weather"},
			{ID: "c2", Prompt: "book a flight", ExpectTool: "book_flight"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "tool-eval-report", result.Type)

	saved, err := reports.Get(context.Background(), result.Ref)
	require.NoError(t, err)
	var payload struct {
		Results   []ToolCaseResult  `json:"results"`
		Summaries []ToolEvalSummary `json:"summaries"`
	}
	require.NoError(t, json.Unmarshal(saved.Payload, &payload))
	require.Len(t, payload.Summaries, 1)
	assert.Equal(t, 2, payload.Summaries[0].Cases)
	assert.Equal(t, 1, payload.Summaries[0].Correct)
	assert.InDelta(t, 0.5, payload.Summaries[0].Accuracy, 1e-9)

	rep.assertMonotonic(t)
	assert.Contains(t, rep.emitKinds, "tool_case_result")
}

func TestParamSweepDefaultGrid(t *testing.T) {
	deps, client, reports := setupDeps(t)
	client.responses["openai/gpt-4o"] = llm.ChatResponse{Content: "out", CompletionTokens: 10}

	result, _, err := runHandler(t, ParamSweep(deps), SweepParams{
		Targets: []llm.Target{{Provider: "openai", Model: "gpt-4o"}},
		Prompt:  "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "sweep-report", result.Type)

	saved, err := reports.Get(context.Background(), result.Ref)
	require.NoError(t, err)
	var payload struct {
		Points []SweepPoint `json:"points"`
	}
	require.NoError(t, json.Unmarshal(saved.Payload, &payload))
	// Default temperature grid has three points.
	assert.Len(t, payload.Points, 3)
}

func TestJudgePassScoresCandidates(t *testing.T) {
	deps, client, reports := setupDeps(t)
	client.responses["openai/gpt-4o"] = llm.ChatResponse{Content: "score: 8\nSolid answer."}

	result, rep, err := runHandler(t, JudgePass(deps), JudgeParams{
		Judge: llm.Target{Provider: "openai", Model: "gpt-4o"},
		Candidates: []Candidate{
			{ID: "cand-1", Prompt: "q", Output: "a"},
			{ID: "cand-2", Prompt: "q", Output: "b"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "judge-report", result.Type)

	saved, err := reports.Get(context.Background(), result.Ref)
	require.NoError(t, err)
	var payload struct {
		Scores []JudgeScore `json:"scores"`
	}
	require.NoError(t, json.Unmarshal(saved.Payload, &payload))
	require.Len(t, payload.Scores, 2)
	for _, s := range payload.Scores {
		assert.InDelta(t, 8.0, s.Score, 1e-9)
		assert.NotEmpty(t, s.Rationale)
	}

	rep.assertMonotonic(t)
	assert.Contains(t, rep.emitKinds, "judge_score")
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		content string
		want    float64
	}{
		{"score: 7", 7},
		{"Score: 9.5/10\ngood", 9.5},
		{"rating = 3", 3},
		{"8", 8},
		{"score: 42", 10},
		{"no verdict here", 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, parseScore(tt.content), 1e-9, "input %q", tt.content)
	}
}

func TestParseParams(t *testing.T) {
	var out SpeedParams
	assert.Error(t, parseParams(nil, &out))
	assert.Error(t, parseParams([]byte("{not json"), &out))
	assert.NoError(t, parseParams([]byte(`{"rounds":5}`), &out))
	assert.Equal(t, 5, out.Rounds)
}

func TestProgressOf(t *testing.T) {
	assert.Equal(t, 0, progressOf(0, 10))
	assert.Equal(t, 50, progressOf(5, 10))
	assert.Equal(t, 99, progressOf(10, 10))
	assert.Equal(t, 0, progressOf(3, 0))
}
