package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nextlevelbuilder/haven/internal/store"
)

// BudgetState classifies accumulated spend against the limits.
type BudgetState string

const (
	BudgetOK       BudgetState = "ok"
	BudgetWarning  BudgetState = "warning"
	BudgetExceeded BudgetState = "exceeded"
)

// ErrBudgetExceeded blocks a call once a spend limit is reached. Wrapped
// errors name the period that tripped ("daily" or "monthly").
var ErrBudgetExceeded = errors.New("budget exceeded")

// Verdict is the outcome of one budget check. On warning or exceeded,
// Period names the limit that tripped and Spend/Limit carry its numbers.
type Verdict struct {
	State  BudgetState
	Period string // "daily" or "monthly"
	Spend  float64
	Limit  float64
}

// BudgetGuard meters spend against the daily and monthly limits. It
// caches the spend totals briefly so every LLM call does not hit the
// database.
type BudgetGuard struct {
	store      *store.Store
	dailyUSD   float64
	monthlyUSD float64
	warnRatio  float64

	mu            sync.Mutex
	cachedDaily   float64
	cachedMonthly float64
	cachedAt      time.Time
	cacheTTL      time.Duration
	onWarn        func(spend, limit float64)
	warnFired     bool
}

// NewBudgetGuard creates a guard. A zero limit disables that period's
// cap. onWarn fires once per day when spend crosses warnRatio of either
// limit; it may be nil.
func NewBudgetGuard(st *store.Store, dailyUSD, monthlyUSD, warnRatio float64, onWarn func(spend, limit float64)) *BudgetGuard {
	if warnRatio <= 0 || warnRatio >= 1 {
		warnRatio = 0.75
	}
	return &BudgetGuard{
		store:      st,
		dailyUSD:   dailyUSD,
		monthlyUSD: monthlyUSD,
		warnRatio:  warnRatio,
		cacheTTL:   15 * time.Second,
		onWarn:     onWarn,
	}
}

// Check returns the current verdict; callers must refuse paid calls on
// BudgetExceeded. Both limits are tested; the daily one reports first
// when both trip.
func (g *BudgetGuard) Check(ctx context.Context, now time.Time) (Verdict, error) {
	if g.dailyUSD <= 0 && g.monthlyUSD <= 0 {
		return Verdict{State: BudgetOK}, nil
	}
	daily, monthly, err := g.spend(ctx, now)
	if err != nil {
		return Verdict{State: BudgetOK}, err
	}

	periods := []Verdict{
		{Period: "daily", Spend: daily, Limit: g.dailyUSD},
		{Period: "monthly", Spend: monthly, Limit: g.monthlyUSD},
	}
	for _, v := range periods {
		if v.Limit > 0 && v.Spend >= v.Limit {
			v.State = BudgetExceeded
			return v, nil
		}
	}
	for _, v := range periods {
		if v.Limit > 0 && v.Spend >= v.Limit*g.warnRatio {
			v.State = BudgetWarning
			g.fireWarnOnce(v.Spend, v.Limit)
			return v, nil
		}
	}
	return Verdict{State: BudgetOK}, nil
}

// Record adds a completed call's cost and invalidates the cache.
func (g *BudgetGuard) Record(ctx context.Context, e *store.CostEntry) error {
	if err := g.store.RecordCost(ctx, e); err != nil {
		return err
	}
	g.mu.Lock()
	g.cachedAt = time.Time{}
	g.mu.Unlock()
	return nil
}

func (g *BudgetGuard) spend(ctx context.Context, now time.Time) (daily, monthly float64, err error) {
	g.mu.Lock()
	// Reset the once-per-day warning on day rollover.
	if !sameDay(g.cachedAt, now) {
		g.warnFired = false
	}
	if now.Sub(g.cachedAt) < g.cacheTTL {
		daily, monthly = g.cachedDaily, g.cachedMonthly
		g.mu.Unlock()
		return daily, monthly, nil
	}
	g.mu.Unlock()

	daily, err = g.store.DailySpend(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	monthly, err = g.store.MonthlySpend(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	g.mu.Lock()
	g.cachedDaily = daily
	g.cachedMonthly = monthly
	g.cachedAt = now
	g.mu.Unlock()
	return daily, monthly, nil
}

func (g *BudgetGuard) fireWarnOnce(spend, limit float64) {
	g.mu.Lock()
	fired := g.warnFired
	g.warnFired = true
	cb := g.onWarn
	g.mu.Unlock()
	if !fired && cb != nil {
		cb(spend, limit)
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
