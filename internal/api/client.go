// Package api is the HTTP client for the remote grading backend. It is a
// pure I/O boundary: it converts the three backend endpoints into typed
// calls and carries no caching or orchestration logic.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shenlunapp/shenlun-cli/internal/model"
)

// ErrNotFound indicates the requested paper does not exist server-side.
var ErrNotFound = errors.New("paper not found")

// DefaultBaseURL is the production backend.
const DefaultBaseURL = "https://shenlun-backend.onrender.com"

// Client talks to the grading backend.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a backend client. An empty baseURL selects the production
// backend; a zero timeout defaults to 60 seconds, which covers the backend's
// cold-start latency.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// ListPapers fetches the paper listing. The backend spells the national exam
// region as "国家"; the UI vocabulary is "国考", so the value is normalized
// here before anything downstream caches it.
func (c *Client) ListPapers(ctx context.Context) ([]model.PaperSummary, error) {
	var papers []model.PaperSummary
	if err := c.getJSON(ctx, "/api/list", nil, &papers); err != nil {
		return nil, fmt.Errorf("list papers: %w", err)
	}
	for i := range papers {
		if papers[i].Region == "国家" {
			papers[i].Region = "国考"
		}
	}
	return papers, nil
}

// GetPaper fetches the full detail document for one paper. A backend 404
// maps to ErrNotFound.
func (c *Client) GetPaper(ctx context.Context, id string) (*model.PaperDetail, error) {
	var detail model.PaperDetail
	q := url.Values{"id": {id}}
	if err := c.getJSON(ctx, "/api/paper", q, &detail); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("paper %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get paper %s: %w", id, err)
	}
	return &detail, nil
}

// GradeQuestion is the question block of a grade request.
type GradeQuestion struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Title        string   `json:"title"`
	Requirements string   `json:"requirements"`
	MaxScore     int      `json:"maxScore"`
	MaterialIDs  []string `json:"materialIds,omitempty"`
}

// GradeRequest is the wire shape of POST /api/grade.
type GradeRequest struct {
	PaperID      string            `json:"paperId"`
	Materials    []model.Material  `json:"materials"`
	Question     GradeQuestion     `json:"question"`
	Answers      map[string]string `json:"answers"`
	UserAnswer   string            `json:"user_answer"`
	QuestionID   string            `json:"question_id"`
	HasImages    bool              `json:"has_images"`
	AnswerImages []string          `json:"answer_images,omitempty"`
}

// Grade submits an answer for grading and returns the backend's response
// as-is. The payload shape is not guaranteed; normalization is the caller's
// concern.
func (c *Client) Grade(ctx context.Context, req GradeRequest) (model.RawGradingResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode grade request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/grade", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build grade request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("grade request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var raw model.RawGradingResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode grade response: %w", err)
	}
	return raw, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError builds an error for a non-2xx response, including the
// backend's detail message when one is present in the body.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var errBody struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &errBody); err == nil && errBody.Detail != "" {
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, errBody.Detail)
	}
	return fmt.Errorf("backend returned %d", resp.StatusCode)
}
