package tally

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/polbro/pollsync/pkg/poll"
)

// Recorder is the external backend collaborator that owns vote counting and
// durability. The relay never tallies locally: it hands the submit intent to
// the Recorder and broadcasts whatever replacement options come back.
type Recorder interface {
	Record(ctx context.Context, code string, optionID int64, credential string) ([]poll.Option, error)
}

// Error is a rejection reported by the backend.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("backend rejected vote (status %d)", e.Status)
}

// HTTPRecorder records votes against the backend's REST API.
type HTTPRecorder struct {
	base string
	hc   *http.Client
}

func NewHTTPRecorder(baseURL string, hc *http.Client) *HTTPRecorder {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRecorder{base: strings.TrimRight(baseURL, "/"), hc: hc}
}

func (r *HTTPRecorder) Record(ctx context.Context, code string, optionID int64, credential string) ([]poll.Option, error) {
	body := fmt.Sprintf(`{"code":%q,"pollingOptionId":%d}`, code, optionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/api/v1/polling/vote", strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("record vote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return nil, &Error{Status: resp.StatusCode, Message: payload.Message}
	}

	var payload struct {
		Data []poll.Option `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode vote response: %w", err)
	}
	return payload.Data, nil
}
