package search

import (
	"avisearch/orchestrator/internal/domain"
)

// View is the display-ready snapshot of a session.
type View struct {
	Phase        Phase           `json:"phase"`
	Query        string          `json:"query,omitempty"`
	Results      []ResultView    `json:"results,omitempty"`
	Error        string          `json:"error,omitempty"`
	BrowseSample []ResultView    `json:"browseSample,omitempty"`
	CrossModal   *CrossModalView `json:"crossModal,omitempty"`
}

// ResultView is a SearchResult with primary media resolved and the
// confidence score formatted for display.
type ResultView struct {
	domain.SearchResult
	PrimaryImage      *domain.ImageRef `json:"primaryImage,omitempty"`
	PrimaryAudio      *domain.AudioRef `json:"primaryAudio,omitempty"`
	ConfidenceDisplay string           `json:"confidenceDisplay,omitempty"`
}

// CrossModalView carries the overlay: per-modality results, recomputed
// counts, and which modalities were actually attempted so the UI can tell
// "no results" from "not searched".
type CrossModalView struct {
	TargetBirdID string                           `json:"targetBirdId"`
	PerModality  map[domain.Modality][]ResultView `json:"perModality"`
	Counts       map[domain.Modality]int          `json:"counts"`
	Attempted    map[domain.Modality]bool         `json:"attempted"`
}

func resultViews(results []domain.SearchResult) []ResultView {
	if len(results) == 0 {
		return nil
	}
	views := make([]ResultView, len(results))
	for i, result := range results {
		views[i] = resultView(result)
	}
	return views
}

func resultView(result domain.SearchResult) ResultView {
	return ResultView{
		SearchResult:      result,
		PrimaryImage:      PrimaryImage(result),
		PrimaryAudio:      PrimaryAudio(result),
		ConfidenceDisplay: domain.FormatConfidence(result.Confidence),
	}
}

func crossModalView(aggregate domain.CrossModalResult) CrossModalView {
	view := CrossModalView{
		TargetBirdID: aggregate.TargetBirdID,
		PerModality:  make(map[domain.Modality][]ResultView, len(aggregate.PerModality)),
		Counts:       aggregate.Counts(),
		Attempted:    make(map[domain.Modality]bool, len(domain.Modalities)),
	}
	for _, modality := range domain.Modalities {
		view.Attempted[modality] = aggregate.Attempted(modality)
	}
	for modality, results := range aggregate.PerModality {
		views := resultViews(results)
		if views == nil {
			views = []ResultView{}
		}
		view.PerModality[modality] = views
	}
	return view
}
