package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/polbro/pollsync/pkg/poll"
)

// Loader performs the initial pull of a poll's full state from the external
// backend. It is the only source of poll metadata; the live channel carries
// option snapshots only.
type Loader struct {
	base string
	cred string
	hc   *http.Client
}

func NewLoader(baseURL, credential string, hc *http.Client) *Loader {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Loader{base: strings.TrimRight(baseURL, "/"), cred: credential, hc: hc}
}

// Load fetches the snapshot for one code. Errors follow the taxonomy:
// ErrUnauthenticated (no credential, nothing attempted), ErrNotFound,
// ErrUnauthorized, or TransientError for any other network/server failure.
func (l *Loader) Load(ctx context.Context, code string) (*poll.Poll, error) {
	if l.cred == "" {
		return nil, ErrUnauthenticated
	}

	url := l.base + "/api/v1/polling/code/" + code
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.cred)

	resp, err := l.hc.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var envelope struct {
			Data *poll.Poll `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return nil, &TransientError{Err: fmt.Errorf("decode snapshot: %w", err)}
		}
		if envelope.Data == nil {
			return nil, fmt.Errorf("%w: empty response for code %s", ErrNotFound, code)
		}
		return envelope.Data, nil

	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, errorMessage(resp))

	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, errorMessage(resp))

	default:
		return nil, &TransientError{Err: fmt.Errorf("snapshot fetch: %s: %s", resp.Status, errorMessage(resp))}
	}
}

func errorMessage(resp *http.Response) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Message == "" {
		return resp.Status
	}
	return payload.Message
}
