package grading

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/shenlunapp/shenlun-cli/internal/api"
	"github.com/shenlunapp/shenlun-cli/internal/model"
)

type fakeGrader struct {
	mu       sync.Mutex
	calls    int
	requests []api.GradeRequest
	response model.RawGradingResponse
	err      error
	// gate, when non-nil, blocks Grade until closed.
	gate chan struct{}
}

func (g *fakeGrader) Grade(_ context.Context, req api.GradeRequest) (model.RawGradingResponse, error) {
	g.mu.Lock()
	g.calls++
	g.requests = append(g.requests, req)
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.response, nil
}

func (g *fakeGrader) lastRequest(t *testing.T) api.GradeRequest {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) == 0 {
		t.Fatal("grader was never called")
	}
	return g.requests[len(g.requests)-1]
}

type fakeHistory struct {
	mu      sync.Mutex
	records []model.HistoryRecord
	err     error
}

func (h *fakeHistory) Append(rec model.HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.records = append(h.records, rec)
	return nil
}

func (h *fakeHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func testPaper() *model.PaperDetail {
	return &model.PaperDetail{
		PaperSummary: model.PaperSummary{ID: "p1", Name: "2024年浙江A卷"},
		Materials: []model.Material{
			{ID: "m1", Title: "资料1", Content: "材料内容一"},
			{ID: "m2", Title: "资料2", Content: "材料内容二"},
			{ID: "m3", Title: "资料3", Content: "材料内容三"},
		},
		Questions: []model.Question{
			{ID: "q1", Title: "概括题", MaxScore: 20, Type: model.QuestionSmall, MaterialIDs: []string{"m1", "m3"}},
			{ID: "q2", Title: "大作文", MaxScore: 40, Type: model.QuestionEssay},
		},
	}
}

func TestBeginRejectsEmptyAnswer(t *testing.T) {
	o := New(&fakeGrader{}, &fakeHistory{}, nil)
	paper := testPaper()

	err := o.Begin(paper, paper.Questions[0], "   \n\t ", nil)
	if !errors.Is(err, ErrEmptyAnswer) {
		t.Errorf("expected ErrEmptyAnswer, got %v", err)
	}
	if got := o.State(); got != StateIdle {
		t.Errorf("rejected begin must not change state, got %v", got)
	}
}

func TestBeginAcceptsImagesOnly(t *testing.T) {
	o := New(&fakeGrader{}, &fakeHistory{}, nil)
	paper := testPaper()

	if err := o.Begin(paper, paper.Questions[0], "", []string{"data:image/png;base64,AAAA"}); err != nil {
		t.Fatalf("Begin with images: %v", err)
	}
	if got := o.State(); got != StateAwaitingConfirmation {
		t.Errorf("expected awaiting confirmation, got %v", got)
	}
}

func TestCancelDiscardsPending(t *testing.T) {
	grader := &fakeGrader{}
	o := New(grader, &fakeHistory{}, nil)
	paper := testPaper()

	if err := o.Begin(paper, paper.Questions[0], "我的作答", nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	o.Cancel()
	if got := o.State(); got != StateIdle {
		t.Errorf("expected idle after cancel, got %v", got)
	}

	_, err := o.Confirm(context.Background())
	if !errors.Is(err, ErrNoPendingGrading) {
		t.Errorf("expected ErrNoPendingGrading, got %v", err)
	}
	if grader.calls != 0 {
		t.Errorf("cancelled grading must not reach the grader, got %d calls", grader.calls)
	}
}

func TestConfirmWithoutBegin(t *testing.T) {
	o := New(&fakeGrader{}, &fakeHistory{}, nil)
	if _, err := o.Confirm(context.Background()); !errors.Is(err, ErrNoPendingGrading) {
		t.Errorf("expected ErrNoPendingGrading, got %v", err)
	}
}

func TestConfirmSuccess(t *testing.T) {
	grader := &fakeGrader{response: model.RawGradingResponse{
		"content":  "评阅报告",
		"score":    33.0,
		"maxScore": 40.0,
	}}
	history := &fakeHistory{}
	o := New(grader, history, nil)
	paper := testPaper()
	question := paper.Questions[1]

	if err := o.Begin(paper, question, "  我的大作文  ", nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	rec, err := o.Confirm(context.Background())
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	if got := o.State(); got != StateIdle {
		t.Errorf("expected idle after completion, got %v", got)
	}
	if history.count() != 1 {
		t.Fatalf("expected exactly one history record, got %d", history.count())
	}
	if rec.ID == "" || rec.Timestamp == 0 {
		t.Errorf("record missing id or timestamp: %+v", rec)
	}
	if rec.PaperName != "2024年浙江A卷" || rec.QuestionTitle != "大作文" {
		t.Errorf("record mislabeled: %+v", rec)
	}
	if rec.Score != 33 || rec.Result.MaxScore != 40 {
		t.Errorf("expected 33/40, got %v/%v", rec.Score, rec.Result.MaxScore)
	}
	// The raw answer is stored untrimmed.
	if rec.UserAnswer != "  我的大作文  " {
		t.Errorf("expected raw answer preserved, got %q", rec.UserAnswer)
	}
	if rec.Result.ModelRawOutput != "评阅报告" {
		t.Errorf("unexpected report %q", rec.Result.ModelRawOutput)
	}
	if rec.Result.RadarData.Points != 80 {
		t.Errorf("expected default radar, got %v", rec.Result.RadarData)
	}
	// The wire answer is trimmed.
	if got := grader.lastRequest(t).UserAnswer; got != "我的大作文" {
		t.Errorf("expected trimmed wire answer, got %q", got)
	}
}

func TestConfirmWhitespaceContentUsesRawOutput(t *testing.T) {
	grader := &fakeGrader{response: model.RawGradingResponse{
		"content":        "   \n",
		"modelRawOutput": "评阅报告",
	}}
	history := &fakeHistory{}
	o := New(grader, history, nil)
	paper := testPaper()

	if err := o.Begin(paper, paper.Questions[0], "我的作答", nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	rec, err := o.Confirm(context.Background())
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if history.count() != 1 {
		t.Fatalf("expected one record, got %d", history.count())
	}
	if rec.Result.ModelRawOutput != "评阅报告" {
		t.Errorf("expected raw output as report, got %q", rec.Result.ModelRawOutput)
	}
}

func TestConfirmEmptyContent(t *testing.T) {
	grader := &fakeGrader{response: model.RawGradingResponse{}}
	history := &fakeHistory{}
	o := New(grader, history, nil)
	paper := testPaper()

	if err := o.Begin(paper, paper.Questions[0], "我的作答", nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_, err := o.Confirm(context.Background())
	if !errors.Is(err, ErrEmptyGradingContent) {
		t.Errorf("expected ErrEmptyGradingContent, got %v", err)
	}
	if history.count() != 0 {
		t.Errorf("empty content must not produce a record, got %d", history.count())
	}
	if got := o.State(); got != StateIdle {
		t.Errorf("expected idle after soft failure, got %v", got)
	}
}

func TestConfirmTransportError(t *testing.T) {
	grader := &fakeGrader{err: errors.New("backend asleep")}
	history := &fakeHistory{}
	o := New(grader, history, nil)
	paper := testPaper()

	if err := o.Begin(paper, paper.Questions[0], "我的作答", nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_, err := o.Confirm(context.Background())
	if err == nil {
		t.Fatal("expected transport error")
	}
	if history.count() != 0 {
		t.Errorf("failed grading must not produce a record, got %d", history.count())
	}
	if got := o.State(); got != StateIdle {
		t.Errorf("expected idle after failure, got %v", got)
	}
}

func TestConfirmImagePlaceholder(t *testing.T) {
	grader := &fakeGrader{response: model.RawGradingResponse{"content": "评阅报告"}}
	o := New(grader, &fakeHistory{}, nil)
	paper := testPaper()

	images := []string{"data:image/png;base64,AAAA", "data:image/jpeg;base64,BBBB"}
	if err := o.Begin(paper, paper.Questions[0], "", images); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := o.Confirm(context.Background()); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	req := grader.lastRequest(t)
	if !req.HasImages {
		t.Error("expected has_images set")
	}
	if len(req.AnswerImages) != 2 {
		t.Errorf("expected 2 images, got %d", len(req.AnswerImages))
	}
	if req.UserAnswer != imageAnswerPlaceholder {
		t.Errorf("expected image placeholder as answer, got %q", req.UserAnswer)
	}
	if req.Answers["q1"] != imageAnswerPlaceholder {
		t.Errorf("expected placeholder in answers map, got %q", req.Answers["q1"])
	}
}

func TestConfirmRestrictsMaterials(t *testing.T) {
	grader := &fakeGrader{response: model.RawGradingResponse{"content": "评阅报告"}}
	o := New(grader, &fakeHistory{}, nil)
	paper := testPaper()

	// q1 references m1 and m3 only.
	if err := o.Begin(paper, paper.Questions[0], "我的作答", nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := o.Confirm(context.Background()); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	req := grader.lastRequest(t)
	if len(req.Materials) != 2 || req.Materials[0].ID != "m1" || req.Materials[1].ID != "m3" {
		t.Errorf("expected materials m1,m3, got %+v", req.Materials)
	}

	// The essay has no material references and gets the full set.
	if err := o.Begin(paper, paper.Questions[1], "我的大作文", nil); err != nil {
		t.Fatalf("Begin essay: %v", err)
	}
	if _, err := o.Confirm(context.Background()); err != nil {
		t.Fatalf("Confirm essay: %v", err)
	}
	if req := grader.lastRequest(t); len(req.Materials) != 3 {
		t.Errorf("expected full material set for essay, got %d", len(req.Materials))
	}
}

func TestStaleCompletionDiscarded(t *testing.T) {
	grader := &fakeGrader{
		response: model.RawGradingResponse{"content": "评阅报告"},
		gate:     make(chan struct{}),
	}
	history := &fakeHistory{}
	o := New(grader, history, nil)
	paper := testPaper()

	if err := o.Begin(paper, paper.Questions[0], "第一次作答", nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.Confirm(context.Background())
		done <- err
	}()

	// Wait until the first confirm is actually in flight, then start a new
	// cycle on top of it.
	for o.State() != StateInFlight {
		runtime.Gosched()
	}
	if err := o.Begin(paper, paper.Questions[1], "第二次作答", nil); err != nil {
		t.Fatalf("second Begin: %v", err)
	}
	close(grader.gate)

	if err := <-done; !errors.Is(err, ErrStaleGrading) {
		t.Errorf("expected ErrStaleGrading, got %v", err)
	}
	if history.count() != 0 {
		t.Errorf("stale completion must not record history, got %d", history.count())
	}
	// The newer cycle still owns the state machine.
	if got := o.State(); got != StateAwaitingConfirmation {
		t.Errorf("expected awaiting confirmation for newer cycle, got %v", got)
	}

	// The newer cycle completes normally.
	rec, err := o.Confirm(context.Background())
	if err != nil {
		t.Fatalf("Confirm newer cycle: %v", err)
	}
	if rec.QuestionTitle != "大作文" {
		t.Errorf("expected newer cycle's record, got %+v", rec)
	}
	if history.count() != 1 {
		t.Errorf("expected one record, got %d", history.count())
	}
}

func TestHistoryAppendFailure(t *testing.T) {
	grader := &fakeGrader{response: model.RawGradingResponse{"content": "评阅报告"}}
	history := &fakeHistory{err: errors.New("disk full")}
	o := New(grader, history, nil)
	paper := testPaper()

	if err := o.Begin(paper, paper.Questions[0], "我的作答", nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := o.Confirm(context.Background()); err == nil {
		t.Fatal("expected append failure to surface")
	}
}
