package embeddings

import (
	"math"
	"sort"
)

// Match is one ranked candidate from FindSimilarChunks.
type Match struct {
	Index int
	Score float64
}

// CalculateSimilarity returns the cosine similarity of a and b.
// Vectors of different length, empty vectors and zero vectors score 0.
func CalculateSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if math.IsNaN(sim) {
		return 0
	}
	return math.Max(-1, math.Min(1, sim))
}

// FindSimilarChunks ranks candidates against query and returns the best k.
// Equal scores keep their input order.
func FindSimilarChunks(query []float32, candidates [][]float32, k int) []Match {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}

	matches := make([]Match, len(candidates))
	for i, c := range candidates {
		matches[i] = Match{Index: i, Score: CalculateSimilarity(query, c)}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if k < len(matches) {
		matches = matches[:k]
	}
	return matches
}

// Compress rounds every component to the given number of decimals.
// The input is not modified.
func Compress(vec []float32, decimals int) []float32 {
	if vec == nil {
		return nil
	}
	if decimals < 0 {
		decimals = 0
	}
	scale := math.Pow(10, float64(decimals))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(math.Round(float64(v)*scale) / scale)
	}
	return out
}
