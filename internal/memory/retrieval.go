package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Embedder produces an embedding vector for a text. Implementations live
// outside the core; retrieval works without one (BM25 + recency only).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RetrievalConfig weights the hybrid score components.
type RetrievalConfig struct {
	BM25Weight   float64 // default 0.4
	CosineWeight float64 // default 0.4
	RecencyBoost float64 // default 0.2
	TopK         int     // default 5

	// BM25 shape parameters.
	K1 float64 // default 1.2
	B  float64 // default 0.75
}

func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		BM25Weight:   0.4,
		CosineWeight: 0.4,
		RecencyBoost: 0.2,
		TopK:         5,
		K1:           1.2,
		B:            0.75,
	}
}

// Scored pairs an entry with its hybrid retrieval score.
type Scored struct {
	Entry *Entry
	Score float64
}

// Retriever ranks candidate entries against a query by a normalized
// BM25 term score plus cosine similarity over embeddings, with a recency
// boost, multiplied by current prominence for the final ranking.
type Retriever struct {
	cfg      RetrievalConfig
	embedder Embedder // nil = lexical only
}

func NewRetriever(cfg RetrievalConfig, embedder Embedder) *Retriever {
	if cfg.TopK <= 0 {
		cfg = DefaultRetrievalConfig()
	}
	return &Retriever{cfg: cfg, embedder: embedder}
}

// Search scores candidates and returns the top-k. The candidate slice is
// whatever the caller pulled from the store (typically the user's latest
// non-superseded entries).
func (r *Retriever) Search(ctx context.Context, candidates []*Entry, query string, now time.Time) []Scored {
	if len(candidates) == 0 || strings.TrimSpace(query) == "" {
		return nil
	}

	bm25W, cosW, recW := r.cfg.BM25Weight, r.cfg.CosineWeight, r.cfg.RecencyBoost

	var queryVec []float32
	if r.embedder != nil {
		if v, err := r.embedder.Embed(ctx, query); err == nil {
			queryVec = v
		}
	}
	// No embedding available: fold the cosine weight into the others.
	if queryVec == nil {
		total := bm25W + recW
		if total > 0 {
			bm25W = (bm25W + cosW*bm25W/total)
			recW = (recW + cosW*recW/total)
		}
		cosW = 0
	}

	bm25 := r.bm25Scores(candidates, query)

	scored := make([]Scored, 0, len(candidates))
	for i, e := range candidates {
		score := bm25W * bm25[i]

		if cosW > 0 && len(e.Embedding) > 0 {
			sim := CosineSimilarity(queryVec, e.Embedding)
			if sim > 0 {
				score += cosW * sim
			}
		}

		// Recency boost over document age, one-week half-life shape.
		ageDays := now.Sub(e.DocumentDate).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		score += recW * math.Exp(-ageDays/7)

		// Prominence gates final ranking.
		score *= e.Prominence

		if score > 0 {
			scored = append(scored, Scored{Entry: e, Score: score})
		}
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > r.cfg.TopK {
		scored = scored[:r.cfg.TopK]
	}
	return scored
}

// bm25Scores computes BM25 over the candidate set as the corpus,
// normalized to [0,1] by the max score.
func (r *Retriever) bm25Scores(candidates []*Entry, query string) []float64 {
	queryTerms := Tokenize(query)
	docs := make([][]string, len(candidates))
	totalLen := 0
	for i, e := range candidates {
		docs[i] = Tokenize(e.Content)
		totalLen += len(docs[i])
	}
	avgLen := float64(totalLen) / float64(len(candidates))
	if avgLen == 0 {
		avgLen = 1
	}

	// Document frequency per query term.
	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, t := range doc {
			seen[t] = true
		}
		for _, qt := range queryTerms {
			if seen[qt] {
				df[qt]++
			}
		}
	}

	n := float64(len(candidates))
	scores := make([]float64, len(candidates))
	maxScore := 0.0
	for i, doc := range docs {
		tf := make(map[string]int)
		for _, t := range doc {
			tf[t]++
		}
		var s float64
		for _, qt := range queryTerms {
			f := float64(tf[qt])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[qt])+0.5)/(float64(df[qt])+0.5))
			denom := f + r.cfg.K1*(1-r.cfg.B+r.cfg.B*float64(len(doc))/avgLen)
			s += idf * f * (r.cfg.K1 + 1) / denom
		}
		scores[i] = s
		if s > maxScore {
			maxScore = s
		}
	}
	if maxScore > 0 {
		for i := range scores {
			scores[i] /= maxScore
		}
	}
	return scores
}

// Tokenize lower-cases and splits on non-letter/digit boundaries.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// CosineSimilarity over two vectors; 0 when lengths differ or either is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
