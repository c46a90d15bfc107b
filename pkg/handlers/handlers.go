// Package handlers implements the built-in job types: speed benchmarks,
// tool-calling evaluations, parameter sweeps, and judge passes. Every
// handler follows the same shape: parse params, fan out across provider
// groups with pkg/runner, aggregate outcomes in a single loop that owns
// progress reporting, persist a report, return its reference.
package handlers

import (
	"encoding/json"
	"fmt"

	"llmarena/pkg/llm"
	"llmarena/pkg/registry"
	"llmarena/pkg/report"
)

// Job type names, registered at startup.
const (
	TypeSpeedBenchmark = "speed-benchmark"
	TypeToolEval       = "tool-eval"
	TypeParamSweep     = "param-sweep"
	TypeJudgePass      = "judge-pass"
)

// Deps carries the collaborators every handler needs.
type Deps struct {
	Client  llm.Client
	Reports *report.Store
}

// RegisterAll binds every built-in handler to the registry.
func RegisterAll(r *registry.Registry, deps Deps) {
	r.Register(TypeSpeedBenchmark, SpeedBenchmark(deps))
	r.Register(TypeToolEval, ToolEval(deps))
	r.Register(TypeParamSweep, ParamSweep(deps))
	r.Register(TypeJudgePass, JudgePass(deps))
}

func parseParams(raw []byte, into any) error {
	if len(raw) == 0 {
		return fmt.Errorf("handlers: missing params")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("handlers: invalid params: %w", err)
	}
	return nil
}

// progressOf maps completed step counts to a 0-100 percentage, reserving
// 100 for the final report write.
func progressOf(done, total int) int {
	if total <= 0 {
		return 0
	}
	pct := done * 100 / total
	if pct > 99 {
		pct = 99
	}
	return pct
}
