package gateway

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// periodSpend is one budget period in the costs response.
type periodSpend struct {
	Spent    float64 `json:"spent"`
	Budget   float64 `json:"budget,omitempty"`
	Warning  bool    `json:"warning"`
	Exceeded bool    `json:"exceeded"`
}

// modelShare is one model's slice of all-time spend.
type modelShare struct {
	Model      string  `json:"model"`
	Cost       float64 `json:"cost"`
	Percentage float64 `json:"percentage"`
}

// costsResponse is the payload behind GET /api/costs.
type costsResponse struct {
	Enabled       bool         `json:"enabled"`
	Daily         periodSpend  `json:"daily"`
	Monthly       periodSpend  `json:"monthly"`
	TotalRequests int64        `json:"totalRequests"`
	TopModels     []modelShare `json:"topModels"`
}

// handleCosts serves the spend report the web client's usage panel
// reads: per-period totals judged against the configured budgets, plus
// the top models by share of all-time spend.
func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.CostReport(r.Context(), time.Now(), 10)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	budget := s.cfg.Snapshot().Budget
	warnRatio := budget.WarnRatio
	if warnRatio <= 0 || warnRatio >= 1 {
		warnRatio = 0.75
	}

	resp := costsResponse{
		Enabled:       budget.DailyLimitUSD > 0 || budget.MonthlyLimitUSD > 0,
		Daily:         judgePeriod(report.Today, budget.DailyLimitUSD, warnRatio),
		Monthly:       judgePeriod(report.Month, budget.MonthlyLimitUSD, warnRatio),
		TotalRequests: report.Requests,
		TopModels:     make([]modelShare, 0, len(report.TopModels)),
	}
	for _, ms := range report.TopModels {
		share := modelShare{Model: ms.Model, Cost: ms.Cost}
		if report.AllTime > 0 {
			share.Percentage = ms.Cost / report.AllTime * 100
		}
		resp.TopModels = append(resp.TopModels, share)
	}
	writeJSON(w, http.StatusOK, resp)
}

func judgePeriod(spent, limit, warnRatio float64) periodSpend {
	return periodSpend{
		Spent:    spent,
		Budget:   limit,
		Warning:  limit > 0 && spent >= limit*warnRatio,
		Exceeded: limit > 0 && spent >= limit,
	}
}

// handleFiles serves a file the assistant produced, confined to the
// configured files directory.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	root := s.cfg.Snapshot().Gateway.FilesDir
	if root == "" {
		http.Error(w, "file serving disabled", http.StatusNotFound)
		return
	}
	rel := r.URL.Query().Get("path")
	if rel == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	full := filepath.Join(absRoot, filepath.Clean("/"+rel))
	if full != absRoot && !strings.HasPrefix(full, absRoot+string(os.PathSeparator)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, full)
}
