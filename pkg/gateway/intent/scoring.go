package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Scoring calls a hosted classification model that takes the conversation as
// a single-row dataframe and returns the label in column "0".
type Scoring struct {
	URL        string
	APIKey     string
	Deployment string
	HTTPClient *http.Client
}

type scoringRequest struct {
	InputData scoringFrame   `json:"input_data"`
	Params    map[string]any `json:"params"`
}

type scoringFrame struct {
	Columns []string   `json:"columns"`
	Index   []int      `json:"index"`
	Data    [][]string `json:"data"`
}

func (s *Scoring) Classify(ctx context.Context, conversation string) (string, error) {
	if s == nil || strings.TrimSpace(s.URL) == "" {
		return "", errors.New("scoring endpoint is not configured")
	}
	body, err := json.Marshal(scoringRequest{
		InputData: scoringFrame{
			Columns: []string{"input_string"},
			Index:   []int{0},
			Data:    [][]string{{conversation}},
		},
		Params: map[string]any{},
	})
	if err != nil {
		return "", fmt.Errorf("encode scoring request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}
	if s.Deployment != "" {
		req.Header.Set("azureml-model-deployment", s.Deployment)
	}

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("scoring request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read scoring response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("scoring endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return "", fmt.Errorf("decode scoring response: %w", err)
	}
	if len(rows) == 0 {
		return "", errors.New("scoring response is empty")
	}
	label, ok := rows[0]["0"]
	if !ok {
		return "", errors.New(`scoring response has no column "0"`)
	}
	return fmt.Sprint(label), nil
}
