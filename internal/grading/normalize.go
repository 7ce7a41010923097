package grading

import (
	"sort"
	"strings"

	"github.com/shenlunapp/shenlun-cli/internal/model"
)

// defaultRadarScore is a neutral placeholder used when the grader returns no
// radar data. It is not an assessment.
const defaultRadarScore = 80

// PrimaryContent resolves the grader's main markdown report from a raw
// response: `content` when present, otherwise `modelRawOutput`, trimmed.
// An empty result means the response is unusable.
func PrimaryContent(raw model.RawGradingResponse) string {
	if s := strings.TrimSpace(stringField(raw, "content")); s != "" {
		return s
	}
	return strings.TrimSpace(stringField(raw, "modelRawOutput"))
}

// Normalize fills a loosely shaped grader response into a fully populated
// GradingResult. Every field has a deterministic fallback, so a missing or
// mistyped field is a local data fix, never an error.
func Normalize(raw model.RawGradingResponse, question model.Question) model.GradingResult {
	maxScore := numberField(raw, "maxScore", 0)
	if maxScore == 0 {
		if question.MaxScore > 0 {
			maxScore = float64(question.MaxScore)
		} else {
			maxScore = 100
		}
	}

	result := model.GradingResult{
		Score:             numberField(raw, "score", 0),
		MaxScore:          maxScore,
		RadarData:         radarField(raw),
		OverallEvaluation: stringField(raw, "overallEvaluation"),
		DetailedComments:  commentsField(raw),
		ModelAnswer:       stringField(raw, "modelAnswer"),
		ModelRawOutput:    PrimaryContent(raw),
	}

	if perQ, ok := raw["perQuestion"].(map[string]any); ok && len(perQ) > 0 {
		result.PerQuestion = perQ
		if result.ModelAnswer == "" {
			result.ModelAnswer = firstReferenceAnswer(perQ)
		}
	}
	return result
}

// firstReferenceAnswer extracts a reference answer from the per-question
// breakdown. Keys are visited in sorted order so the choice is
// deterministic.
func firstReferenceAnswer(perQ map[string]any) string {
	keys := make([]string, 0, len(perQ))
	for k := range perQ {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		entry, ok := perQ[k].(map[string]any)
		if !ok {
			continue
		}
		if ref, ok := entry["referenceAnswer"].(string); ok && ref != "" {
			return ref
		}
	}
	return ""
}

func radarField(raw model.RawGradingResponse) model.RadarData {
	m, ok := raw["radarData"].(map[string]any)
	if !ok {
		return model.RadarData{
			Points:   defaultRadarScore,
			Logic:    defaultRadarScore,
			Language: defaultRadarScore,
			Format:   defaultRadarScore,
		}
	}
	return model.RadarData{
		Points:   numberField(m, "points", defaultRadarScore),
		Logic:    numberField(m, "logic", defaultRadarScore),
		Language: numberField(m, "language", defaultRadarScore),
		Format:   numberField(m, "format", defaultRadarScore),
	}
}

func commentsField(raw model.RawGradingResponse) []model.DetailedComment {
	items, ok := raw["detailedComments"].([]any)
	if !ok {
		return []model.DetailedComment{}
	}
	comments := make([]model.DetailedComment, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		c := model.DetailedComment{
			OriginalText: stringField(m, "originalText"),
			Comment:      stringField(m, "comment"),
			Type:         model.CommentNegative,
		}
		if t, ok := m["type"].(string); ok && model.CommentType(t) == model.CommentPositive {
			c.Type = model.CommentPositive
		}
		comments = append(comments, c)
	}
	return comments
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func numberField(m map[string]any, key string, fallback float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}
