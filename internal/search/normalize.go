package search

import (
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"avisearch/orchestrator/internal/domain"
)

// The backend does not guarantee a stable response envelope: list endpoints
// return a bare array, an object with one of a few conventional array fields,
// or an object whose array field name is unknown. envelopeFields is the
// probe order for the conventional names.
var envelopeFields = []string{"results", "birds", "data", "items"}

// The backend emits the literal string "Unknown" where a descriptive field
// is absent. Backend-contract-dependent; treated as absent here.
const unknownSentinel = "unknown"

// ExtractRecords resolves the response envelope to its record sequence.
// It never fails: a well-formed but unexpected shape yields an empty slice.
// Order is preserved.
func ExtractRecords(payload any) []any {
	switch value := payload.(type) {
	case []any:
		return value
	case map[string]any:
		for _, field := range envelopeFields {
			if records, ok := value[field].([]any); ok {
				return records
			}
		}
		// Unknown field name: take the first array-valued field in
		// sorted-key order so the probe stays deterministic.
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if records, ok := value[key].([]any); ok {
				return records
			}
		}
	}
	return nil
}

// NormalizeResults converts a raw backend payload into canonical results.
// fallbackModality tags records whose own search_match_type is absent;
// pass the empty modality for browse/catalog payloads. Records without a
// bird id are dropped, nothing else is fatal.
func NormalizeResults(payload any, fallbackModality domain.Modality) []domain.SearchResult {
	records := ExtractRecords(payload)
	if len(records) == 0 {
		return nil
	}
	caser := cases.Title(language.English)
	results := make([]domain.SearchResult, 0, len(records))
	for _, record := range records {
		if result, ok := normalizeRecord(record, fallbackModality, caser); ok {
			results = append(results, result)
		}
	}
	return results
}

// NormalizeRecord converts a single raw record, such as the body of the
// bird detail endpoint. Some backend versions wrap the record in a "bird"
// field; both shapes are accepted.
func NormalizeRecord(payload any) (domain.SearchResult, bool) {
	if wrapper, ok := payload.(map[string]any); ok {
		if inner, ok := wrapper["bird"].(map[string]any); ok {
			payload = inner
		}
	}
	return normalizeRecord(payload, "", cases.Title(language.English))
}

func normalizeRecord(raw any, fallbackModality domain.Modality, caser cases.Caser) (domain.SearchResult, bool) {
	record, ok := raw.(map[string]any)
	if !ok {
		return domain.SearchResult{}, false
	}
	birdID := idField(record, "bird_id")
	if birdID == "" {
		return domain.SearchResult{}, false
	}

	result := domain.SearchResult{
		BirdID:         birdID,
		DisplayName:    displayName(stringField(record, "species_name"), caser),
		ScientificName: descriptiveField(record, "scientific_name"),
		Family:         descriptiveField(record, "family"),
		Confidence:     confidenceField(record),
		RawText:        firstStringField(record, "text_description", "searchable_text"),
		InfoURL:        stringField(record, "url"),
	}

	result.Modality = domain.NormalizeModality(stringField(record, "search_match_type"))
	if result.Modality == "" {
		result.Modality = fallbackModality
	}

	result.Images = imageRefs(record["images"])
	result.AudioClips = audioRefs(record["audio_clips"])
	if ref, ok := imageRef(record["primary_image"]); ok {
		result.PrimaryImage = &ref
	}
	if ref, ok := audioRef(record["primary_audio"]); ok {
		result.PrimaryAudio = &ref
	}
	return result, true
}

// displayName trims and, for payloads that arrive fully lowercased,
// restores conventional species-name casing. Mixed-case input is left alone.
func displayName(raw string, caser cases.Caser) string {
	name := strings.Join(strings.Fields(raw), " ")
	if strings.EqualFold(name, unknownSentinel) {
		return ""
	}
	if name != "" && name == strings.ToLower(name) {
		return caser.String(name)
	}
	return name
}

func descriptiveField(record map[string]any, key string) string {
	value := stringField(record, key)
	if strings.EqualFold(value, unknownSentinel) {
		return ""
	}
	return value
}

// confidenceField keeps an absent score absent: zero is a valid confidence
// and must remain distinguishable from "unknown". Out-of-range values are
// clamped into [0,1].
func confidenceField(record map[string]any) *float64 {
	raw, ok := record["confidence_score"]
	if !ok || raw == nil {
		return nil
	}
	score, ok := floatValue(raw)
	if !ok {
		return nil
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return &score
}

func imageRefs(raw any) []domain.ImageRef {
	records, ok := raw.([]any)
	if !ok {
		return nil
	}
	refs := make([]domain.ImageRef, 0, len(records))
	for _, record := range records {
		if ref, ok := imageRef(record); ok {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	return refs
}

func imageRef(raw any) (domain.ImageRef, bool) {
	record, ok := raw.(map[string]any)
	if !ok {
		return domain.ImageRef{}, false
	}
	url := firstStringField(record, "image_url", "url")
	if url == "" {
		return domain.ImageRef{}, false
	}
	ref := domain.ImageRef{URL: url}
	if quality, ok := floatField(record, "quality_score", "quality"); ok {
		ref.Quality = &quality
	}
	return ref, true
}

func audioRefs(raw any) []domain.AudioRef {
	records, ok := raw.([]any)
	if !ok {
		return nil
	}
	refs := make([]domain.AudioRef, 0, len(records))
	for _, record := range records {
		if ref, ok := audioRef(record); ok {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	return refs
}

func audioRef(raw any) (domain.AudioRef, bool) {
	record, ok := raw.(map[string]any)
	if !ok {
		return domain.AudioRef{}, false
	}
	url := firstStringField(record, "audio_url", "url", "clip_path")
	if url == "" {
		return domain.AudioRef{}, false
	}
	ref := domain.AudioRef{URL: url}
	if duration, ok := floatField(record, "duration_seconds", "duration"); ok {
		ref.DurationSeconds = &duration
	}
	return ref, true
}

// idField coerces string or numeric ids to their canonical string form.
func idField(record map[string]any, key string) string {
	switch value := record[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return ""
	}
}

func stringField(record map[string]any, key string) string {
	value, _ := record[key].(string)
	return strings.TrimSpace(value)
}

func firstStringField(record map[string]any, keys ...string) string {
	for _, key := range keys {
		if value := stringField(record, key); value != "" {
			return value
		}
	}
	return ""
}

func floatField(record map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if raw, ok := record[key]; ok {
			if value, ok := floatValue(raw); ok {
				return value, true
			}
		}
	}
	return 0, false
}

func floatValue(raw any) (float64, bool) {
	switch value := raw.(type) {
	case float64:
		return value, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
