package planner

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/pkg/models"
)

// InsightSearcher finds past insights relevant to a goal.
type InsightSearcher interface {
	Similar(ctx context.Context, tenantID, goal string, limit int) ([]*models.Insight, error)
}

// OverlapSearcher ranks a tenant's recent insights by how many goal words
// they share with the new goal. Insights with no overlap are dropped.
type OverlapSearcher struct {
	store  storage.InsightStore
	window int
}

// NewOverlapSearcher creates a searcher over the newest window insights.
func NewOverlapSearcher(store storage.InsightStore, window int) *OverlapSearcher {
	if window <= 0 {
		window = 50
	}
	return &OverlapSearcher{store: store, window: window}
}

func (s *OverlapSearcher) Similar(ctx context.Context, tenantID, goal string, limit int) ([]*models.Insight, error) {
	if s == nil || s.store == nil || limit <= 0 {
		return nil, nil
	}
	want := goalWords(goal)
	if len(want) == 0 {
		return nil, nil
	}
	recent, err := s.store.Recent(ctx, tenantID, s.window)
	if err != nil {
		return nil, err
	}

	type scored struct {
		insight *models.Insight
		score   int
	}
	var matches []scored
	for _, insight := range recent {
		score := 0
		for word := range goalWords(insight.Goal) {
			if want[word] {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{insight: insight, score: score})
		}
	}
	// Recent is newest first; a stable sort keeps that order among ties.
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	out := make([]*models.Insight, 0, min(limit, len(matches)))
	for _, m := range matches {
		if len(out) == limit {
			break
		}
		out = append(out, m.insight)
	}
	return out, nil
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "please": true, "can": true,
	"you": true, "your": true, "are": true, "was": true, "what": true,
}

func goalWords(goal string) map[string]bool {
	words := make(map[string]bool)
	for _, field := range strings.FieldsFunc(strings.ToLower(goal), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(field) < 3 || stopWords[field] {
			continue
		}
		words[field] = true
	}
	return words
}
