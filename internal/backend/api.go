package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ChatRequest is the body of a query submission.
type ChatRequest struct {
	Query     string   `json:"query"`
	UserName  string   `json:"user_name"`
	Companies []string `json:"companies,omitempty"`
}

// StatusResponse is the backend's view of one query.
type StatusResponse struct {
	Status           string          `json:"status"`
	MarkdownResponse string          `json:"markdown_response"`
	ErrorMessage     string          `json:"error_message"`
	Error            string          `json:"error"`
	Table            json.RawMessage `json:"table"`
}

// QueryRecord is one entry of the user's query history.
type QueryRecord struct {
	QueryID          ID              `json:"query_id"`
	Query            string          `json:"query"`
	Status           string          `json:"status"`
	MarkdownResponse string          `json:"markdown_response"`
	ErrorMessage     string          `json:"error_message"`
	Table            json.RawMessage `json:"table"`
	CreatedAt        Timestamp       `json:"created_at"`
	UpdatedAt        Timestamp       `json:"updated_at"`
}

// Company is a searchable company known to the backend.
type Company struct {
	Slug     string `json:"slug"`
	Name     string `json:"name,omitempty"`
	Sector   string `json:"sector,omitempty"`
	Industry string `json:"industry,omitempty"`
}

// Label returns the display name, falling back to the slug.
func (c Company) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Slug
}

// TestStatusRequest reports a manual pass/fail verdict for a test query.
type TestStatusRequest struct {
	Query            string `json:"query"`
	UserName         string `json:"user_name"`
	ActualResponse   string `json:"actual_response"`
	ExpectedResponse string `json:"expected_response"`
	Status           string `json:"status"`
	Issues           string `json:"issues"`
}

// TestRecord is a verdict previously submitted to the backend.
type TestRecord struct {
	ID               ID        `json:"id"`
	Query            string    `json:"query"`
	ExpectedResponse string    `json:"expected_response"`
	ActualResponse   string    `json:"actual_response"`
	QueryStatus      string    `json:"query_status"`
	Issues           string    `json:"issues"`
	CreatedAt        Timestamp `json:"created_at"`
}

// Stream is a live chunked response to a query submission.
type Stream struct {
	QueryID string
	Body    io.ReadCloser
}

// SubmitQuery posts a query in poll mode and returns the backend job id.
func (c *Client) SubmitQuery(ctx context.Context, req ChatRequest) (string, error) {
	var resp struct {
		QueryID ID `json:"query_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/financial/chat/", req, &resp); err != nil {
		return "", fmt.Errorf("submitting query: %w", err)
	}
	if resp.QueryID == "" {
		return "", errors.New("submitting query: response carried no query_id")
	}
	return resp.QueryID.String(), nil
}

// StreamQuery posts a query in stream mode. The body is bounded only by ctx;
// the caller must close it.
func (c *Client) StreamQuery(ctx context.Context, req ChatRequest) (*Stream, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	resp, err := c.send(ctx, http.MethodPost, "/api/financial/chat/", payload)
	if err != nil {
		return nil, fmt.Errorf("streaming query: %w", err)
	}
	return &Stream{
		QueryID: resp.Header.Get("X-Query-ID"),
		Body:    resp.Body,
	}, nil
}

// QueryStatus fetches the status of one job. Unknown ids yield ErrNotFound.
func (c *Client) QueryStatus(ctx context.Context, queryID string) (*StatusResponse, error) {
	var resp StatusResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/financial/status/"+url.PathEscape(queryID)+"/", nil, &resp)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) && (te.StatusCode == http.StatusNotFound || isNotFound(te.Body)) {
			return nil, fmt.Errorf("query %s: %w", queryID, ErrNotFound)
		}
		return nil, fmt.Errorf("fetching status of %s: %w", queryID, err)
	}
	if isNotFound(resp.Error) {
		return nil, fmt.Errorf("query %s: %w", queryID, ErrNotFound)
	}
	return &resp, nil
}

func isNotFound(msg string) bool {
	return strings.EqualFold(strings.TrimSpace(msg), "query not found")
}

// Queries returns the query history of a user.
func (c *Client) Queries(ctx context.Context, userName string) ([]QueryRecord, error) {
	var resp struct {
		Queries []QueryRecord `json:"queries"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/financial/queries/"+userQuery(userName), nil, &resp); err != nil {
		return nil, fmt.Errorf("loading query history: %w", err)
	}
	return resp.Queries, nil
}

// SearchCompanies lists the companies the backend can answer about.
func (c *Client) SearchCompanies(ctx context.Context) ([]Company, error) {
	var resp struct {
		Status    string    `json:"status"`
		Companies []Company `json:"companies"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/companies/search", nil, &resp); err != nil {
		return nil, fmt.Errorf("searching companies: %w", err)
	}
	if resp.Status != "" && resp.Status != "success" {
		return nil, fmt.Errorf("searching companies: backend status %q", resp.Status)
	}
	return resp.Companies, nil
}

// SubmitTestStatus records a test verdict. It goes to the dedicated status
// endpoint when one is configured, bypassing the fallback switch.
func (c *Client) SubmitTestStatus(ctx context.Context, req TestStatusRequest) error {
	if req.Status != "pass" && req.Status != "fail" {
		return fmt.Errorf("invalid test status %q (expected pass or fail)", req.Status)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp *http.Response
	if c.statusURL != c.endpoints[0] {
		resp, err = c.attempt(ctx, http.MethodPost, c.statusURL+"/api/financial/chat/test/", payload)
	} else {
		resp, err = c.send(ctx, http.MethodPost, "/api/financial/chat/test/", payload)
	}
	if err != nil {
		return fmt.Errorf("submitting test status: %w", err)
	}
	resp.Body.Close()
	return nil
}

// TestHistory returns the verdicts a user submitted earlier.
func (c *Client) TestHistory(ctx context.Context, userName string) ([]TestRecord, error) {
	var resp struct {
		History []TestRecord `json:"history"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/financial/chat/test/history"+userQuery(userName), nil, &resp); err != nil {
		return nil, fmt.Errorf("loading test history: %w", err)
	}
	return resp.History, nil
}
