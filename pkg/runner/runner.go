// Package runner implements the two-level execution pattern used by every
// handler that fans work out across external targets: groups (one per
// provider) run concurrently with each other, steps within a group run
// strictly sequentially so a provider is never self-contended.
package runner

import (
	"context"
	"sync"
)

// Step is one unit of sequential work within a group.
type Step struct {
	Key string
	Run func(ctx context.Context) (any, error)
}

// Outcome is the streamed result of one step.
type Outcome struct {
	Group string
	Step  string
	Value any
	Err   error
}

// Execute runs the groups and returns a channel of outcomes, closed once
// every group has finished. The channel is sized to the total step count so
// producers never block on a slow aggregator; the single consumer owns all
// downstream state (progress, partial results) exclusively.
//
// Cancellation is checked between steps only. An in-flight call is allowed
// to complete or time out naturally rather than being forcibly aborted, to
// avoid resource leaks on the remote side. A cancelled group reports
// ctx.Err() for each step it never started.
func Execute(ctx context.Context, groups map[string][]Step) <-chan Outcome {
	total := 0
	for _, steps := range groups {
		total += len(steps)
	}
	out := make(chan Outcome, total)

	var wg sync.WaitGroup
	for name, steps := range groups {
		wg.Add(1)
		go func(group string, steps []Step) {
			defer wg.Done()
			for _, step := range steps {
				if err := ctx.Err(); err != nil {
					out <- Outcome{Group: group, Step: step.Key, Err: err}
					continue
				}
				value, err := step.Run(ctx)
				out <- Outcome{Group: group, Step: step.Key, Value: value, Err: err}
			}
		}(name, steps)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
