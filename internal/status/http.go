package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// updateRequest is the collector's status update body.
type updateRequest struct {
	NotificationID string    `json:"notification_id"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Error          *string   `json:"error,omitempty"`
}

// HTTPSink posts status updates to an external collector.
type HTTPSink struct {
	client *http.Client
	url    string
}

// NewHTTPSink creates an HTTPSink posting to url.
func NewHTTPSink(client *http.Client, url string) *HTTPSink {
	return &HTTPSink{client: client, url: url}
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Write(ctx context.Context, rec Record) error {
	body := updateRequest{
		NotificationID: rec.RequestID,
		Status:         string(rec.Status),
		Timestamp:      rec.UpdatedAt,
	}
	if rec.Error != "" {
		body.Error = &rec.Error
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal status update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post status update: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("collector returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
