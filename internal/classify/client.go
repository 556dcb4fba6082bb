// Package classify asks the damage classifier service to label a report photo.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"roadwatch/api/internal/store"
)

var ErrUnavailable = errors.New("classify: service unavailable")

type request struct {
	ImageURL string `json:"imageUrl"`
}

type response struct {
	DamageType  string            `json:"damageType"`
	Confidence  float64           `json:"confidence"`
	Severity    string            `json:"severity"`
	BoundingBox store.BoundingBox `json:"boundingBox"`
	Error       string            `json:"error,omitempty"`
}

type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{http: rc, logger: logger}
}

// Classify returns the detection for the photo at imageURL. The result is
// normalised: confidence is clamped to [0,1] and an unknown severity is
// derived from the confidence.
func (c *Client) Classify(ctx context.Context, imageURL string) (*store.AIDetection, error) {
	var out response
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(request{ImageURL: imageURL}).
		SetResult(&out).
		SetError(&out).
		Post("/classify")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		c.logger.Warn("classify: service returned error",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("error", out.Error),
		)
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	if strings.TrimSpace(out.DamageType) == "" {
		return nil, fmt.Errorf("%w: empty damage type", ErrUnavailable)
	}

	detection := &store.AIDetection{
		DamageType:  strings.ToLower(strings.TrimSpace(out.DamageType)),
		Confidence:  min(max(out.Confidence, 0), 1),
		Severity:    store.Severity(strings.ToLower(out.Severity)),
		BoundingBox: out.BoundingBox,
	}
	switch detection.Severity {
	case store.SeverityLow, store.SeverityMedium, store.SeverityHigh:
	default:
		detection.Severity = severityFor(detection.Confidence)
	}
	return detection, nil
}

func severityFor(confidence float64) store.Severity {
	switch {
	case confidence >= 0.8:
		return store.SeverityHigh
	case confidence >= 0.5:
		return store.SeverityMedium
	default:
		return store.SeverityLow
	}
}
