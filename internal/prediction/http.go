package prediction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// HTTPScorer calls a scoring service exposing POST {BaseURL}/predict.
type HTTPScorer struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPScorer(baseURL string) *HTTPScorer {
	return &HTTPScorer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type errorResp struct {
	Error string `json:"error"`
}

func (s *HTTPScorer) Predict(ctx context.Context, f Features) (Result, error) {
	if s.Client == nil {
		return nil, errors.New("prediction: http client is nil")
	}

	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/predict", s.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorResp
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return nil, fmt.Errorf("prediction: status %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("prediction: status %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	// the service reports failures as {"error": "..."} with a 200
	var e errorResp
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return nil, errors.New(e.Error)
	}
	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("prediction: empty result")
	}
	return out, nil
}
