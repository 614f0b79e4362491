package search

import "avisearch/orchestrator/internal/domain"

// PrimaryImage selects the image to display for a bird. A precomputed
// primary from the backend wins; otherwise the highest-quality image is
// chosen, missing quality counting as zero and ties going to the earliest
// element. Returns nil when the bird has no image at all.
func PrimaryImage(result domain.SearchResult) *domain.ImageRef {
	if result.PrimaryImage != nil {
		return result.PrimaryImage
	}
	if len(result.Images) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(result.Images); i++ {
		if imageQuality(result.Images[i]) > imageQuality(result.Images[best]) {
			best = i
		}
	}
	return &result.Images[best]
}

// PrimaryAudio selects the audio clip to play for a bird: the precomputed
// primary when present, else the first clip, else nil.
func PrimaryAudio(result domain.SearchResult) *domain.AudioRef {
	if result.PrimaryAudio != nil {
		return result.PrimaryAudio
	}
	if len(result.AudioClips) == 0 {
		return nil
	}
	return &result.AudioClips[0]
}

func imageQuality(ref domain.ImageRef) float64 {
	if ref.Quality == nil {
		return 0
	}
	return *ref.Quality
}
