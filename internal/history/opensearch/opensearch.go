package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/runsh/internal/history"
)

// DefaultIndex is used when no index is configured.
const DefaultIndex = "runsh-history"

// Sink sends events to OpenSearch (or Elasticsearch) via HTTP.
// Documents are indexed under their event ID so a retried send is idempotent.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	if index == "" {
		index = DefaultIndex
	}
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

func (s *Sink) url(e history.Event) string {
	if e.ID == "" {
		return fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	}
	return fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.index, e.ID)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	method := http.MethodPut
	if e.ID == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, s.url(e), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
