// Package pipeline fans an intercepted event out to the three security
// engines and combines their results into one decision.
package pipeline

import (
	"context"
	"math"
	"time"

	"github.com/redteamingai/proxy/internal/anomaly"
	"github.com/redteamingai/proxy/internal/core"
	"github.com/redteamingai/proxy/internal/injection"
	"github.com/redteamingai/proxy/internal/policy"
)

// Weights are the combiner coefficients for the three engine scores.
type Weights struct {
	Anomaly   float64
	Injection float64
	Policy    float64
}

// DefaultWeights returns the shipped combiner coefficients.
func DefaultWeights() Weights {
	return Weights{Anomaly: 0.35, Injection: 0.45, Policy: 0.20}
}

// Pipeline runs the anomaly, injection, and policy engines for one event.
// The anomaly and injection engines are independent and run concurrently;
// policy runs on the calling goroutine alongside them.
type Pipeline struct {
	anomaly *anomaly.Engine
	policy  *policy.Engine
	weights Weights
}

// New assembles a pipeline over the given engines.
func New(anomalyEngine *anomaly.Engine, policyEngine *policy.Engine, weights Weights) *Pipeline {
	return &Pipeline{anomaly: anomalyEngine, policy: policyEngine, weights: weights}
}

// Analyze produces the security decision for a fully-populated event. Always
// returns a decision; individual engine failures degrade to zero scores
// rather than failing the call.
func (p *Pipeline) Analyze(ctx context.Context, ev *core.LoggedEvent) core.SecurityDecision {
	start := time.Now()

	var (
		anomalyRes   core.AnomalyResult
		injectionRes core.InjectionResult
	)
	done := make(chan struct{}, 2)
	go func() {
		anomalyRes = p.anomaly.Analyze(ev)
		done <- struct{}{}
	}()
	go func() {
		injectionRes = injection.Scan(ev.RawRequest)
		done <- struct{}{}
	}()

	policyRes := p.policy.Evaluate(ctx, ev, ev.Tools)

	<-done
	<-done

	return p.combine(ev, anomalyRes, injectionRes, policyRes, start)
}

// combine applies the weighted sum and the disjunctive block rule. Blocking
// is independent of the combined score: a hard anomaly block, a confident
// injection, or a policy BLOCK each suffices on its own.
func (p *Pipeline) combine(ev *core.LoggedEvent, a core.AnomalyResult, i core.InjectionResult, pol core.PolicyResult, start time.Time) core.SecurityDecision {
	risk := int(math.Round(
		p.weights.Anomaly*float64(a.Score) +
			p.weights.Injection*float64(i.Score) +
			p.weights.Policy*float64(pol.Score),
	))
	if risk < 0 {
		risk = 0
	}
	if risk > 100 {
		risk = 100
	}

	blocked := a.ShouldBlock || i.Confidence >= 80 || pol.Action == core.ActionBlock

	return core.SecurityDecision{
		EventID:   ev.ID,
		RiskScore: risk,
		Blocked:   blocked,
		Flags: core.DedupFlags(
			a.Flags,
			injection.PatternNames(i),
			policy.ViolationNames(pol),
		),
		Anomaly:          a,
		Injection:        i,
		Policy:           pol,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
}
