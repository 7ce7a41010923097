package model

// QuestionType distinguishes short-answer questions from full essays.
type QuestionType string

const (
	// QuestionSmall is a short answer question tied to specific materials.
	QuestionSmall QuestionType = "SMALL"
	// QuestionEssay is a full essay question, graded against the whole paper.
	QuestionEssay QuestionType = "ESSAY"
)

// Material is one reading passage of an exam paper.
type Material struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Question is one task of an exam paper.
type Question struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Requirements string       `json:"requirements"`
	MaxScore     int          `json:"maxScore"`
	WordLimit    int          `json:"wordLimit"`
	Type         QuestionType `json:"type"`
	// MaterialIDs lists the materials a small question refers to.
	// Empty for essays, which are graded against the full material set.
	MaterialIDs []string `json:"materialIds,omitempty"`
}

// PaperSummary is the listing view of a paper. Immutable once fetched;
// papers are identified by their opaque ID string.
type PaperSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ExamType string `json:"examType"`
	Region   string `json:"region"`
	Year     int    `json:"year"`
}

// PaperDetail is a fully hydrated paper: summary plus materials and questions.
type PaperDetail struct {
	PaperSummary
	Materials []Material `json:"materials"`
	Questions []Question `json:"questions"`
}

// RadarData holds the four-axis diagnostic scores of a grading report.
type RadarData struct {
	Points   float64 `json:"points"`
	Logic    float64 `json:"logic"`
	Language float64 `json:"language"`
	Format   float64 `json:"format"`
}

// CommentType marks a detailed comment as praise or criticism.
type CommentType string

const (
	CommentPositive CommentType = "positive"
	CommentNegative CommentType = "negative"
)

// DetailedComment annotates a fragment of the user's answer.
type DetailedComment struct {
	OriginalText string      `json:"originalText"`
	Comment      string      `json:"comment"`
	Type         CommentType `json:"type"`
}

// RawGradingResponse is the untyped payload returned by the remote grader.
// Its shape is not guaranteed; any field may be missing.
type RawGradingResponse map[string]any

// GradingResult is the normalized grading report. Every field is always
// populated: missing raw fields are replaced with deterministic defaults,
// so downstream code never sees a partial report.
type GradingResult struct {
	Score             float64           `json:"score"`
	MaxScore          float64           `json:"maxScore"`
	RadarData         RadarData         `json:"radarData"`
	OverallEvaluation string            `json:"overallEvaluation"`
	DetailedComments  []DetailedComment `json:"detailedComments"`
	ModelAnswer       string            `json:"modelAnswer"`
	// ModelRawOutput is the grader's primary markdown content, trimmed.
	ModelRawOutput string `json:"modelRawOutput,omitempty"`
	// PerQuestion carries the grader's per-question breakdown when present.
	PerQuestion map[string]any `json:"perQuestion,omitempty"`
}

// HistoryRecord is one completed grading. Created exactly once per completed
// grading and immutable afterwards. Timestamp is Unix milliseconds.
type HistoryRecord struct {
	ID                 string             `json:"id"`
	PaperName          string             `json:"paperName"`
	QuestionTitle      string             `json:"questionTitle"`
	Score              float64            `json:"score"`
	Timestamp          int64              `json:"timestamp"`
	Result             GradingResult      `json:"result"`
	UserAnswer         string             `json:"userAnswer"`
	RawGradingResponse RawGradingResponse `json:"rawGradingResponse,omitempty"`
}

// User identifies the owner of the history log.
type User struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

// GuestUser is the single pre-authenticated identity the client runs as.
func GuestUser() User {
	return User{ID: "u-guest", Nickname: "申论学习者"}
}
