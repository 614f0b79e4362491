package search

import (
	"avisearch/orchestrator/internal/domain"
)

// AggregateCrossModal reconstructs per-modality result sequences from a raw
// cross-modal response. Per-modality failure is degraded, never propagated:
// a leg carrying a malformed value (the backend reports leg errors as an
// object in place of the array) becomes an attempted-but-empty entry, while
// a leg missing from the response entirely stays out of PerModality so
// downstream can tell "no attempt" from "nothing found". Summary counts are
// always recomputed from the sequences via CrossModalResult.Counts.
func AggregateCrossModal(payload any, requestedBirdID string) domain.CrossModalResult {
	aggregate := domain.CrossModalResult{
		TargetBirdID: requestedBirdID,
		PerModality:  make(map[domain.Modality][]domain.SearchResult, len(domain.Modalities)),
	}

	envelope, ok := payload.(map[string]any)
	if !ok {
		return aggregate
	}
	if id := idField(envelope, "target_bird_id"); id != "" {
		aggregate.TargetBirdID = id
	}

	legs, ok := envelope["cross_modal_results"].(map[string]any)
	if !ok {
		return aggregate
	}

	for _, modality := range domain.Modalities {
		raw, present := legs[string(modality)]
		if !present {
			continue
		}
		records, ok := raw.([]any)
		if !ok {
			// Attempted but failed or malformed: keep the leg with an
			// empty sequence.
			aggregate.PerModality[modality] = []domain.SearchResult{}
			continue
		}
		results := NormalizeResults(records, modality)
		if results == nil {
			results = []domain.SearchResult{}
		}
		aggregate.PerModality[modality] = results
	}
	return aggregate
}
