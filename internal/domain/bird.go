package domain

import (
	"fmt"
	"strings"
)

// Modality tags how a result was retrieved. Browse-mode records carry no tag.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
)

// Modalities lists the known modalities in canonical order.
var Modalities = []Modality{ModalityText, ModalityImage, ModalityAudio}

func NormalizeModality(raw string) Modality {
	switch Modality(strings.ToLower(strings.TrimSpace(raw))) {
	case ModalityText:
		return ModalityText
	case ModalityImage:
		return ModalityImage
	case ModalityAudio:
		return ModalityAudio
	default:
		return ""
	}
}

type ImageRef struct {
	URL     string   `json:"url"`
	Quality *float64 `json:"quality,omitempty"`
}

type AudioRef struct {
	URL             string   `json:"url"`
	DurationSeconds *float64 `json:"durationSeconds,omitempty"`
}

// SearchResult is one bird occurrence in a result set. Instances are built
// fresh per backend response and are not mutated afterwards; a newer search
// replaces the whole set.
type SearchResult struct {
	BirdID         string `json:"birdId"`
	DisplayName    string `json:"displayName,omitempty"`
	ScientificName string `json:"scientificName,omitempty"`
	Family         string `json:"family,omitempty"`
	// Confidence is nil when the backend reported none. Zero is a valid
	// score and must stay distinguishable from "unknown".
	Confidence   *float64   `json:"confidence,omitempty"`
	Modality     Modality   `json:"modality,omitempty"`
	Images       []ImageRef `json:"images,omitempty"`
	AudioClips   []AudioRef `json:"audioClips,omitempty"`
	PrimaryImage *ImageRef  `json:"primaryImage,omitempty"`
	PrimaryAudio *AudioRef  `json:"primaryAudio,omitempty"`
	RawText      string     `json:"rawText,omitempty"`
	InfoURL      string     `json:"infoUrl,omitempty"`
}

// CrossModalResult aggregates per-modality similarity results for one bird.
// A modality absent from PerModality was never attempted; an empty slice
// means it was attempted and found nothing.
type CrossModalResult struct {
	TargetBirdID string                      `json:"targetBirdId"`
	PerModality  map[Modality][]SearchResult `json:"perModality"`
}

// Counts recomputes per-modality result counts from the actual slices.
// A count reported by the backend is never trusted; unattempted modalities
// report zero.
func (c CrossModalResult) Counts() map[Modality]int {
	counts := make(map[Modality]int, len(Modalities))
	for _, m := range Modalities {
		counts[m] = len(c.PerModality[m])
	}
	return counts
}

// Attempted reports whether the given modality was part of the aggregation.
func (c CrossModalResult) Attempted(m Modality) bool {
	_, ok := c.PerModality[m]
	return ok
}

// BirdDetail is the full record for a single bird, with an optional
// best-effort enhanced description.
type BirdDetail struct {
	Bird                SearchResult `json:"bird"`
	EnhancedDescription string       `json:"enhancedDescription,omitempty"`
	ImageCount          int          `json:"imageCount"`
	AudioClipCount      int          `json:"audioClipCount"`
}

// FormatConfidence renders a confidence score for display: 0.738 -> "73.8%".
// Returns an empty string when the score is unknown.
func FormatConfidence(score *float64) string {
	if score == nil {
		return ""
	}
	return fmt.Sprintf("%.1f%%", *score*100)
}
