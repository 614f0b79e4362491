package search

import (
	"math/rand/v2"
	"sort"

	"avisearch/orchestrator/internal/domain"
)

// BrowseSampleSize is the number of birds shown in the zero-query view.
const BrowseSampleSize = 12

// SampleCatalog returns a randomized sample of at most size birds for the
// browse view. The source catalog is never mutated; each call draws fresh
// random keys, stable-sorts by them and takes a prefix, so a catalog smaller
// than the requested size comes back whole in randomized order.
func SampleCatalog(catalog []domain.SearchResult, size int) []domain.SearchResult {
	if size <= 0 {
		size = BrowseSampleSize
	}
	if len(catalog) == 0 {
		return nil
	}

	type keyed struct {
		key    float64
		result domain.SearchResult
	}
	shuffled := make([]keyed, len(catalog))
	for i, result := range catalog {
		shuffled[i] = keyed{key: rand.Float64(), result: result}
	}
	sort.SliceStable(shuffled, func(i, j int) bool {
		return shuffled[i].key < shuffled[j].key
	})

	if size > len(shuffled) {
		size = len(shuffled)
	}
	sample := make([]domain.SearchResult, size)
	for i := 0; i < size; i++ {
		sample[i] = shuffled[i].result
	}
	return sample
}
