package memory

import (
	"math/rand"
)

// ActivationConfig tunes spreading activation over the relation graph.
type ActivationConfig struct {
	MaxSteps int     // traversal depth bound, default 2
	Decay    float64 // per-hop decay factor, default 0.5
	Noise    float64 // uniform noise amplitude, default 0.01
}

func DefaultActivationConfig() ActivationConfig {
	return ActivationConfig{MaxSteps: 2, Decay: 0.5, Noise: 0.01}
}

// Spread performs bounded spreading activation from seed memories over the
// relation adjacency, returning an activation map. Edges are traversed in
// both directions; activation decays per hop and accumulates additively.
// The caller multiplies the map by prominence for final ranking.
func Spread(cfg ActivationConfig, relations []*Relation, seeds map[string]float64) map[string]float64 {
	if cfg.MaxSteps <= 0 {
		cfg = DefaultActivationConfig()
	}

	adjacency := make(map[string][]string)
	for _, r := range relations {
		adjacency[r.SourceID] = append(adjacency[r.SourceID], r.TargetID)
		adjacency[r.TargetID] = append(adjacency[r.TargetID], r.SourceID)
	}

	activation := make(map[string]float64, len(seeds))
	frontier := make(map[string]float64, len(seeds))
	for id, a := range seeds {
		activation[id] = a
		frontier[id] = a
	}

	for step := 0; step < cfg.MaxSteps && len(frontier) > 0; step++ {
		next := make(map[string]float64)
		for id, a := range frontier {
			spread := a * cfg.Decay
			if spread <= 0 {
				continue
			}
			for _, neighbor := range adjacency[id] {
				if _, seeded := seeds[neighbor]; seeded {
					continue
				}
				next[neighbor] += spread
			}
		}
		for id, a := range next {
			if cfg.Noise > 0 {
				a += cfg.Noise * rand.Float64()
			}
			if a > 1 {
				a = 1
			}
			activation[id] += a
			if activation[id] > 1 {
				activation[id] = 1
			}
		}
		frontier = next
	}

	return activation
}
