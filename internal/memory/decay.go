package memory

import (
	"math"
	"time"
)

// DecayConfig holds the weights and rate tables for prominence decay.
type DecayConfig struct {
	AgeWeight        float64 // default 0.30
	AccessWeight     float64 // default 0.25
	RecencyWeight    float64 // default 0.25
	ImportanceWeight float64 // default 0.20

	AccessBoostK   float64 // per-access boost factor, default 0.1
	AccessBoostMax int     // access count cap, default 10

	TypeRates     map[string]float64 // per-memory-type daily decay rate
	CategoryRates map[string]float64 // per-category daily decay rate
}

// DefaultDecayConfig returns the standard weights and rate tables.
// Rates are per-day retention factors: prominence contribution from age is
// rate^ageDays. Profile types barely decay; events decay fastest.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		AgeWeight:        0.30,
		AccessWeight:     0.25,
		RecencyWeight:    0.25,
		ImportanceWeight: 0.20,
		AccessBoostK:     0.1,
		AccessBoostMax:   10,
		TypeRates: map[string]float64{
			TypeDynamicProfile: 0.995,
			TypeRegular:        0.98,
			TypeDerived:        0.99,
			TypeSuperseded:     0.90,
		},
		CategoryRates: map[string]float64{
			CategoryPreference:   0.99,
			CategoryFact:         0.99,
			CategoryEvent:        0.95,
			CategoryRelationship: 0.99,
			CategoryInsight:      0.97,
		},
	}
}

// DecayEngine computes per-entry prominence. All methods are pure.
type DecayEngine struct {
	cfg DecayConfig
}

func NewDecayEngine(cfg DecayConfig) *DecayEngine {
	if cfg.AgeWeight == 0 && cfg.AccessWeight == 0 && cfg.RecencyWeight == 0 && cfg.ImportanceWeight == 0 {
		cfg = DefaultDecayConfig()
	}
	return &DecayEngine{cfg: cfg}
}

// ComputeProminence returns the prominence of e at time now.
//
// prominence = 0.30·ageDecay + 0.25·accessBoost + 0.25·recencyBoost
//   - 0.20·importance/10, each factor normalized into [0,1].
//
// Static profile entries are pinned at 1.0. Memories younger than a day
// with no accesses get a grace value of 1.0. High-importance facts and
// relationships never fall below 0.2.
func (d *DecayEngine) ComputeProminence(e *Entry, now time.Time) float64 {
	if e.MemoryType == TypeStaticProfile {
		return 1.0
	}

	ageDays := now.Sub(e.DocumentDate).Hours() / 24

	// Grace clause: brand-new, never-touched memories stay fully prominent.
	if ageDays < 1 && e.AccessCount == 0 {
		return 1.0
	}
	if ageDays < 0 {
		ageDays = 0
	}

	rate := math.Max(d.typeRate(e.MemoryType), d.categoryRate(e.Category))
	ageDecay := math.Pow(rate, ageDays)

	// Access-frequency boost, normalized by its maximum value so the
	// factor lies in [0,1].
	maxBoost := 1 + d.cfg.AccessBoostK*float64(d.cfg.AccessBoostMax)
	var accessBoost float64
	if e.AccessCount == 0 {
		accessBoost = 0.5
	} else {
		n := e.AccessCount
		if n > d.cfg.AccessBoostMax {
			n = d.cfg.AccessBoostMax
		}
		accessBoost = 1 + d.cfg.AccessBoostK*float64(n)
	}
	accessBoost /= maxBoost

	// Recency boost: 1 + 0.3·exp(-lastAccessAgeDays/7), normalized by 1.3.
	recencyBoost := 1.0
	if e.LastAccessed != nil {
		lastAgeDays := now.Sub(*e.LastAccessed).Hours() / 24
		if lastAgeDays < 0 {
			lastAgeDays = 0
		}
		recencyBoost = 1 + 0.3*math.Exp(-lastAgeDays/7)
	}
	recencyBoost /= 1.3

	importance := float64(e.Importance) / 10

	p := d.cfg.AgeWeight*ageDecay +
		d.cfg.AccessWeight*accessBoost +
		d.cfg.RecencyWeight*recencyBoost +
		d.cfg.ImportanceWeight*importance

	// Sticky identity: high-importance facts and relationships keep a floor.
	if e.Importance >= 8 && (e.Category == CategoryFact || e.Category == CategoryRelationship) && p < 0.2 {
		p = 0.2
	}

	return clamp01(p)
}

func (d *DecayEngine) typeRate(t string) float64 {
	if r, ok := d.cfg.TypeRates[t]; ok {
		return r
	}
	return 0.98
}

func (d *DecayEngine) categoryRate(c string) float64 {
	if r, ok := d.cfg.CategoryRates[c]; ok {
		return r
	}
	return 0.98
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
