// Package grading drives a single answer through confirmation and remote
// grading, producing one history record per completed grading.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shenlunapp/shenlun-cli/internal/analytics"
	"github.com/shenlunapp/shenlun-cli/internal/api"
	"github.com/shenlunapp/shenlun-cli/internal/model"
)

var (
	// ErrEmptyAnswer rejects a grading attempt with no answer text and no
	// images. Validation is local; nothing reaches the network.
	ErrEmptyAnswer = errors.New("answer is empty")
	// ErrNoPendingGrading means Confirm was called without a pending,
	// unconfirmed grading context.
	ErrNoPendingGrading = errors.New("no pending grading")
	// ErrEmptyGradingContent means the grader responded successfully but
	// returned no usable report content. Treated as a soft failure so a
	// blank report is never presented as a real grading.
	ErrEmptyGradingContent = errors.New("grader returned empty content")
	// ErrStaleGrading means a newer grading cycle started while this one
	// was in flight; the completion is discarded.
	ErrStaleGrading = errors.New("grading superseded by a newer request")
)

// imageAnswerPlaceholder is submitted as answer text when the user uploaded
// answer images without typing anything, so the backend's non-empty answer
// check passes and grading proceeds from the images.
const imageAnswerPlaceholder = "（考生上传了作答图片，请根据图片内容批改）"

// State is the orchestrator's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateAwaitingConfirmation
	StateInFlight
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateInFlight:
		return "in_flight"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Grader submits a grade request to the backend.
type Grader interface {
	Grade(ctx context.Context, req api.GradeRequest) (model.RawGradingResponse, error)
}

// History receives the record of each completed grading.
type History interface {
	Append(rec model.HistoryRecord) error
}

// pendingGrading is the transient context between Begin and Confirm.
// It is never persisted.
type pendingGrading struct {
	paper      *model.PaperDetail
	question   model.Question
	answerText string
	images     []string
	token      uint64
}

// Orchestrator is the grading state machine:
// Idle -> AwaitingConfirmation -> InFlight -> Idle.
type Orchestrator struct {
	grader  Grader
	history History
	tracker analytics.Tracker
	log     *slog.Logger

	now   func() time.Time
	newID func() string

	mu         sync.Mutex
	state      State
	pending    *pendingGrading
	generation uint64
}

// New creates an orchestrator. The tracker may be nil.
func New(grader Grader, history History, tracker analytics.Tracker) *Orchestrator {
	if tracker == nil {
		tracker = analytics.Nop{}
	}
	return &Orchestrator{
		grader:  grader,
		history: history,
		tracker: tracker,
		log:     slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// State returns the current lifecycle position.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Begin validates the answer and stores a grading context awaiting
// confirmation. An answer is valid when its trimmed text is non-empty or at
// least one image is attached; otherwise Begin fails with ErrEmptyAnswer and
// no context is created.
//
// Each Begin starts a new grading cycle: a completion still in flight from a
// previous cycle is discarded when it lands.
func (o *Orchestrator) Begin(paper *model.PaperDetail, question model.Question, answerText string, images []string) error {
	if paper == nil {
		return errors.New("no paper selected")
	}
	if strings.TrimSpace(answerText) == "" && len(images) == 0 {
		return ErrEmptyAnswer
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.generation++
	o.pending = &pendingGrading{
		paper:      paper,
		question:   question,
		answerText: answerText,
		images:     images,
		token:      o.generation,
	}
	o.state = StateAwaitingConfirmation
	return nil
}

// Cancel discards the pending grading context. It only acts while awaiting
// confirmation; there is no cancellation once the request is in flight.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateAwaitingConfirmation {
		return
	}
	o.pending = nil
	o.state = StateIdle
}

// Confirm submits the pending grading to the backend, normalizes the
// response, appends a history record, and returns it. On any failure no
// record is created and the orchestrator returns to idle; the user must
// re-initiate.
func (o *Orchestrator) Confirm(ctx context.Context) (*model.HistoryRecord, error) {
	o.mu.Lock()
	if o.state != StateAwaitingConfirmation || o.pending == nil {
		o.mu.Unlock()
		return nil, ErrNoPendingGrading
	}
	pending := o.pending
	o.pending = nil
	o.state = StateInFlight
	o.mu.Unlock()

	req := buildRequest(pending)
	o.tracker.Event("grade_submit", map[string]any{
		"paper_id":    pending.paper.ID,
		"question_id": pending.question.ID,
		"has_images":  req.HasImages,
	})

	raw, err := o.grader.Grade(ctx, req)

	o.mu.Lock()
	if o.generation != pending.token {
		// A newer cycle owns the state machine now.
		o.mu.Unlock()
		o.log.Debug("discarding stale grading completion", "paper_id", pending.paper.ID)
		return nil, ErrStaleGrading
	}
	o.state = StateIdle
	o.mu.Unlock()

	if err != nil {
		o.tracker.Event("grade_fail", map[string]any{"reason": "transport"})
		return nil, fmt.Errorf("grade request: %w", err)
	}
	if PrimaryContent(raw) == "" {
		o.tracker.Event("grade_fail", map[string]any{"reason": "empty_content"})
		return nil, ErrEmptyGradingContent
	}

	result := Normalize(raw, pending.question)
	rec := model.HistoryRecord{
		ID:                 o.newID(),
		PaperName:          pending.paper.Name,
		QuestionTitle:      pending.question.Title,
		Score:              result.Score,
		Timestamp:          o.now().UnixMilli(),
		Result:             result,
		UserAnswer:         pending.answerText,
		RawGradingResponse: raw,
	}
	if err := o.history.Append(rec); err != nil {
		return nil, fmt.Errorf("record grading: %w", err)
	}
	o.tracker.Event("grade_success", map[string]any{
		"paper_id": pending.paper.ID,
		"score":    result.Score,
	})
	return &rec, nil
}

// buildRequest assembles the wire request from a pending grading. Materials
// are restricted to the ones the question references; a question without
// material references (essays in particular) submits the full set.
func buildRequest(p *pendingGrading) api.GradeRequest {
	answerText := strings.TrimSpace(p.answerText)
	hasImages := len(p.images) > 0
	if answerText == "" && hasImages {
		answerText = imageAnswerPlaceholder
	}

	materials := p.paper.Materials
	if len(p.question.MaterialIDs) > 0 {
		wanted := make(map[string]bool, len(p.question.MaterialIDs))
		for _, id := range p.question.MaterialIDs {
			wanted[id] = true
		}
		materials = make([]model.Material, 0, len(p.question.MaterialIDs))
		for _, m := range p.paper.Materials {
			if wanted[m.ID] {
				materials = append(materials, m)
			}
		}
	}

	req := api.GradeRequest{
		PaperID:   p.paper.ID,
		Materials: materials,
		Question: api.GradeQuestion{
			ID:           p.question.ID,
			Type:         string(p.question.Type),
			Title:        p.question.Title,
			Requirements: p.question.Requirements,
			MaxScore:     p.question.MaxScore,
			MaterialIDs:  p.question.MaterialIDs,
		},
		Answers:    map[string]string{p.question.ID: answerText},
		UserAnswer: answerText,
		QuestionID: p.question.ID,
		HasImages:  hasImages,
	}
	if hasImages {
		req.AnswerImages = p.images
	}
	return req
}
