package grading

import (
	"testing"

	"github.com/shenlunapp/shenlun-cli/internal/model"
)

func TestPrimaryContent(t *testing.T) {
	tests := []struct {
		name string
		raw  model.RawGradingResponse
		want string
	}{
		{"content present", model.RawGradingResponse{"content": "报告"}, "报告"},
		{"content trimmed", model.RawGradingResponse{"content": "  报告\n"}, "报告"},
		{"fallback to modelRawOutput", model.RawGradingResponse{"modelRawOutput": "原始输出"}, "原始输出"},
		{"content wins over raw output", model.RawGradingResponse{"content": "报告", "modelRawOutput": "原始输出"}, "报告"},
		{"whitespace content falls through", model.RawGradingResponse{"content": "   ", "modelRawOutput": "原始输出"}, "原始输出"},
		{"wrong type ignored", model.RawGradingResponse{"content": 42}, ""},
		{"empty response", model.RawGradingResponse{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PrimaryContent(tt.raw); got != tt.want {
				t.Errorf("PrimaryContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	question := model.Question{ID: "q1", MaxScore: 25}

	got := Normalize(model.RawGradingResponse{}, question)

	if got.Score != 0 {
		t.Errorf("expected zero score, got %v", got.Score)
	}
	if got.MaxScore != 25 {
		t.Errorf("expected question max score, got %v", got.MaxScore)
	}
	radar := got.RadarData
	if radar.Points != 80 || radar.Logic != 80 || radar.Language != 80 || radar.Format != 80 {
		t.Errorf("expected 80 across the radar, got %+v", radar)
	}
	if got.DetailedComments == nil || len(got.DetailedComments) != 0 {
		t.Errorf("expected empty non-nil comments, got %v", got.DetailedComments)
	}
	if got.OverallEvaluation != "" || got.ModelAnswer != "" {
		t.Errorf("expected empty strings, got %+v", got)
	}
}

func TestNormalizeMaxScoreFallbackChain(t *testing.T) {
	tests := []struct {
		name     string
		raw      model.RawGradingResponse
		question model.Question
		want     float64
	}{
		{"response wins", model.RawGradingResponse{"maxScore": 40.0}, model.Question{MaxScore: 25}, 40},
		{"question next", model.RawGradingResponse{}, model.Question{MaxScore: 25}, 25},
		{"hundred last", model.RawGradingResponse{}, model.Question{}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.raw, tt.question).MaxScore; got != tt.want {
				t.Errorf("MaxScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeRadarPartial(t *testing.T) {
	raw := model.RawGradingResponse{
		"radarData": map[string]any{"points": 95.0, "logic": 60.0},
	}
	got := Normalize(raw, model.Question{}).RadarData
	if got.Points != 95 || got.Logic != 60 {
		t.Errorf("explicit fields lost: %+v", got)
	}
	if got.Language != 80 || got.Format != 80 {
		t.Errorf("missing fields should default to 80: %+v", got)
	}
}

func TestNormalizeComments(t *testing.T) {
	raw := model.RawGradingResponse{
		"content": "报告",
		"detailedComments": []any{
			map[string]any{"originalText": "这一段", "comment": "好", "type": "positive"},
			map[string]any{"originalText": "那一段", "comment": "欠妥"},
			map[string]any{"originalText": "另一段", "comment": "离题", "type": "奇怪的类型"},
			"not a comment",
		},
	}
	got := Normalize(raw, model.Question{}).DetailedComments
	if len(got) != 3 {
		t.Fatalf("expected 3 comments, got %d", len(got))
	}
	if got[0].Type != model.CommentPositive {
		t.Errorf("expected positive, got %v", got[0].Type)
	}
	if got[1].Type != model.CommentNegative || got[2].Type != model.CommentNegative {
		t.Errorf("missing or unknown type should default to negative: %+v", got)
	}
}

func TestNormalizeModelAnswerFromPerQuestion(t *testing.T) {
	raw := model.RawGradingResponse{
		"content": "报告",
		"perQuestion": map[string]any{
			"q2": map[string]any{"referenceAnswer": "后面的参考答案"},
			"q1": map[string]any{"referenceAnswer": "前面的参考答案"},
		},
	}
	got := Normalize(raw, model.Question{})
	if got.ModelAnswer != "前面的参考答案" {
		t.Errorf("expected reference answer from first sorted key, got %q", got.ModelAnswer)
	}
	if got.PerQuestion == nil {
		t.Error("perQuestion breakdown should pass through")
	}

	// An explicit modelAnswer wins over the breakdown.
	raw["modelAnswer"] = "范文"
	if got := Normalize(raw, model.Question{}); got.ModelAnswer != "范文" {
		t.Errorf("explicit modelAnswer should win, got %q", got.ModelAnswer)
	}
}

func TestNormalizeScoreTypes(t *testing.T) {
	for name, raw := range map[string]model.RawGradingResponse{
		"float": {"score": 18.5},
		"int":   {"score": 18},
	} {
		t.Run(name, func(t *testing.T) {
			got := Normalize(raw, model.Question{MaxScore: 20}).Score
			if got < 18 || got > 18.5 {
				t.Errorf("unexpected score %v", got)
			}
		})
	}
}
