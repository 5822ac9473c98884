package enroll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Result is one course's enrollment outcome as reported by the collaborator.
type Result struct {
	Success  bool   `json:"success"`
	Status   string `json:"status"` // e.g. "enrolled", "already_enrolled"
	CourseID int64  `json:"courseId"`
	Message  string `json:"message"`
}

// Error is a retryable failure of the external enrollment endpoint.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("enrollment failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Enroller is the external collaborator that registers a recipient for
// courses. The scraping and curriculum logic behind it lives in a separate
// system; this core only consumes the contract.
type Enroller interface {
	Enroll(ctx context.Context, urls []string, email string, orderID *int64) ([]Result, error)
}

// HTTPEnroller calls the enrollment service over HTTP.
type HTTPEnroller struct {
	baseURL string
	client  *http.Client
}

func NewHTTPEnroller(baseURL string, timeout time.Duration) *HTTPEnroller {
	return &HTTPEnroller{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEnroller) Enroll(ctx context.Context, urls []string, email string, orderID *int64) ([]Result, error) {
	body, err := json.Marshal(map[string]interface{}{
		"urls":    urls,
		"email":   email,
		"orderId": orderID,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/enroll", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	var results []Result
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, &Error{Err: err}
	}
	return results, nil
}
