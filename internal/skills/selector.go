package skills

import (
	"context"
	"log/slog"
	"math"
	"sort"
)

const (
	// similarityThreshold is the minimum cosine score for a skill to
	// be injected automatically.
	similarityThreshold = 0.4

	// maxSelected caps how many skills one message can pull in.
	maxSelected = 3
)

// Embedder produces a vector for a piece of text under a model id.
type Embedder interface {
	Embed(ctx context.Context, modelID, text string) ([]float32, error)
}

// Selector ranks catalog skills by similarity to an incoming message.
type Selector struct {
	catalog  *Catalog
	embedder Embedder
	logger   *slog.Logger
}

// NewSelector creates a selector over the given catalog.
func NewSelector(catalog *Catalog, embedder Embedder, logger *slog.Logger) *Selector {
	return &Selector{catalog: catalog, embedder: embedder, logger: logger}
}

// Select returns the skills relevant to message, ranked by descending
// cosine similarity, capped at maxSelected, all scoring above
// similarityThreshold. Skills named in exclude are never returned.
//
// If the message itself cannot be embedded, selection degrades to a
// case-insensitive substring match of each skill name against the
// message, unranked. A cache or embedding failure for an individual
// skill only excludes that skill.
func (s *Selector) Select(ctx context.Context, message, embeddingModel string, exclude map[string]bool) []Skill {
	msgVec, err := s.embedder.Embed(ctx, embeddingModel, message)
	if err != nil {
		s.logger.Warn("message embedding failed, falling back to substring match", "error", err)
		var matches []Skill
		for _, sk := range s.catalog.MatchSubstring(message) {
			if !exclude[sk.Name] {
				matches = append(matches, sk)
			}
		}
		return matches
	}

	type scored struct {
		skill Skill
		score float32
	}

	var candidates []scored
	for _, sk := range s.catalog.All() {
		if exclude[sk.Name] {
			continue
		}

		vec, err := s.skillVector(ctx, embeddingModel, sk)
		if err != nil {
			s.logger.Warn("skipping skill in ranking", "skill", sk.Name, "error", err)
			continue
		}

		if score := CosineSimilarity(msgVec, vec); score > similarityThreshold {
			candidates = append(candidates, scored{skill: sk, score: score})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > maxSelected {
		candidates = candidates[:maxSelected]
	}

	selected := make([]Skill, len(candidates))
	for i, c := range candidates {
		selected[i] = c.skill
	}
	return selected
}

// skillVector returns the skill's embedding, computing and caching it
// on a miss.
func (s *Selector) skillVector(ctx context.Context, model string, sk Skill) ([]float32, error) {
	if vec, ok, err := s.catalog.cachedVector(model, sk); err == nil && ok {
		return vec, nil
	} else if err != nil {
		s.logger.Warn("embedding cache read failed", "skill", sk.Name, "error", err)
	}

	vec, err := s.embedder.Embed(ctx, model, sk.EmbedText())
	if err != nil {
		return nil, err
	}
	if err := s.catalog.storeVector(model, sk, vec); err != nil {
		s.logger.Warn("embedding cache write failed", "skill", sk.Name, "error", err)
	}
	return vec, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths or a zero vector score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
