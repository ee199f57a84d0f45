// Package selector implements the pure host-selection scoring function
// used by routing logic. It has no chain, storage, or
// network dependency — every operation is a deterministic function
// over in-memory candidate data, so it is built on the standard
// library only (see DESIGN.md: no example repo or pack library
// models weighted multi-criteria scoring over a slice).
package selector

import (
	"sort"
	"strings"
)

// HostInfo describes a candidate host's advertised capabilities.
type HostInfo struct {
	Address        string
	Online         bool
	SupportedModels map[string]struct{}
	MemoryGB       uint32
	CostPerToken   float64
}

// PerformanceMetrics describes a candidate host's observed behavior.
type PerformanceMetrics struct {
	AvgCompletionMs   float64
	SuccessRate       float64 // [0,1]
	Uptime            float64 // [0,1]
	CurrentActiveJobs int
}

// Requirements describes a job's host-selection constraints.
type Requirements struct {
	Model           string
	RequiredMemGB   uint32
	MaxCostPerToken float64
	MinReliability  float64 // [0,1]
}

// Weights controls the relative importance of each scoring dimension.
// Defaults match.3/.2/.3/.2.
type Weights struct {
	Perf    float64
	Cost    float64
	Reliab  float64
	Load    float64
}

// DefaultWeights returns the default scoring weights.
func DefaultWeights() Weights {
	return Weights{Perf: 0.3, Cost: 0.2, Reliab: 0.3, Load: 0.2}
}

// Candidate pairs a host with its observed performance for scoring.
type Candidate struct {
	Host    HostInfo
	Metrics PerformanceMetrics
}

// Scored is a candidate annotated with its computed score.
type Scored struct {
	Candidate Candidate
	Score     float64
}

// eligible filters by (online, supports model, RAM >= required,
// cost <= max, reliability >= min).
func eligible(c Candidate, req Requirements) bool {
	if !c.Host.Online {
		return false
	}
	if _, ok := c.Host.SupportedModels[req.Model]; !ok {
		return false
	}
	if c.Host.MemoryGB < req.RequiredMemGB {
		return false
	}
	if c.Host.CostPerToken > req.MaxCostPerToken {
		return false
	}
	reliability := (c.Metrics.SuccessRate + c.Metrics.Uptime) / 2
	if reliability < req.MinReliability {
		return false
	}
	return true
}

func score(c Candidate, w Weights) float64 {
	perf := 1 / (1 + c.Metrics.AvgCompletionMs/1000)
	cost := 1 / (1 + c.Host.CostPerToken*10000)
	reliab := (c.Metrics.SuccessRate + c.Metrics.Uptime) / 2
	load := 1 / (1 + float64(c.Metrics.CurrentActiveJobs))
	return w.Perf*perf + w.Cost*cost + w.Reliab*reliab + w.Load*load
}

// rank filters candidates eligible for req, scores them with w, and
// returns them sorted descending by score with ties broken by
// lexicographic address.
func rank(candidates []Candidate, req Requirements, w Weights) []Scored {
	var scored []Scored
	for _, c := range candidates {
		if !eligible(c, req) {
			continue
		}
		scored = append(scored, Scored{Candidate: c, Score: score(c, w)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return strings.ToLower(scored[i].Candidate.Host.Address) < strings.ToLower(scored[j].Candidate.Host.Address)
	})
	return scored
}

// Select returns the top-scored eligible host for req, or false if
// none qualify.
func Select(candidates []Candidate, req Requirements, w Weights) (HostInfo, bool) {
	ranked := rank(candidates, req, w)
	if len(ranked) == 0 {
		return HostInfo{}, false
	}
	return ranked[0].Candidate.Host, true
}

// TopN returns the n highest-scored eligible hosts.
func TopN(candidates []Candidate, req Requirements, w Weights, n int) []Scored {
	ranked := rank(candidates, req, w)
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n]
}

// Cheapest returns the eligible host with the lowest cost per token.
func Cheapest(candidates []Candidate, req Requirements) (HostInfo, bool) {
	var best *Candidate
	for i := range candidates {
		if !eligible(candidates[i], req) {
			continue
		}
		if best == nil || candidates[i].Host.CostPerToken < best.Host.CostPerToken {
			best = &candidates[i]
		}
	}
	if best == nil {
		return HostInfo{}, false
	}
	return best.Host, true
}

// Fastest returns the eligible host with the lowest average completion time.
func Fastest(candidates []Candidate, req Requirements) (HostInfo, bool) {
	var best *Candidate
	for i := range candidates {
		if !eligible(candidates[i], req) {
			continue
		}
		if best == nil || candidates[i].Metrics.AvgCompletionMs < best.Metrics.AvgCompletionMs {
			best = &candidates[i]
		}
	}
	if best == nil {
		return HostInfo{}, false
	}
	return best.Host, true
}

// LeastLoaded returns the eligible host with the fewest active jobs.
func LeastLoaded(candidates []Candidate, req Requirements) (HostInfo, bool) {
	var best *Candidate
	for i := range candidates {
		if !eligible(candidates[i], req) {
			continue
		}
		if best == nil || candidates[i].Metrics.CurrentActiveJobs < best.Metrics.CurrentActiveJobs {
			best = &candidates[i]
		}
	}
	if best == nil {
		return HostInfo{}, false
	}
	return best.Host, true
}
