package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPSource queries a reputation intelligence service over HTTP. The
// contract is GET {base}/v1/reputation/{digest} returning
// {"verdict": "...", "confidence": 0.97, "category": "..."}.
type HTTPSource struct {
	base   string
	apiKey string
	client *http.Client
}

func NewHTTPSource(base, apiKey string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type remoteResponse struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category"`
}

func (s *HTTPSource) Fetch(ctx context.Context, digest string) (Entry, error) {
	url := fmt.Sprintf("%s/v1/reputation/%s", s.base, digest)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Entry{}, err
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Entry{Verdict: VerdictUnknown}, nil
	case http.StatusTooManyRequests:
		return Entry{}, fmt.Errorf("remote rate limited")
	default:
		return Entry{}, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	var body remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Entry{}, fmt.Errorf("decode response: %w", err)
	}

	verdict := Verdict(strings.ToLower(body.Verdict))
	switch verdict {
	case VerdictBenign, VerdictMalicious, VerdictUnknown:
	default:
		verdict = VerdictUnknown
	}
	return Entry{
		Verdict:    verdict,
		Confidence: body.Confidence,
		Category:   body.Category,
	}, nil
}
