// Package notify delivers notifications decided by the lifecycle engine.
// Delivery is fire-and-forget from the engine's point of view.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"roadwatch/api/internal/store"
)

// Audience is exactly one of: a single user, every user with a role, or
// every user with a role in a zone.
type Audience struct {
	UserID string     `json:"userId,omitempty"`
	Role   store.Role `json:"role,omitempty"`
	Zone   string     `json:"zone,omitempty"`
}

func ToUser(id string) Audience {
	return Audience{UserID: id}
}

func ToRole(role store.Role) Audience {
	return Audience{Role: role}
}

func ToZone(role store.Role, zone string) Audience {
	return Audience{Role: role, Zone: zone}
}

// Topic names the push topic subscribers of this audience listen on.
func (a Audience) Topic() string {
	switch {
	case a.UserID != "":
		return "user-" + sanitize(a.UserID)
	case a.Zone != "":
		return fmt.Sprintf("%s-%s", sanitize(string(a.Role)), sanitize(a.Zone))
	default:
		return "role-" + sanitize(string(a.Role))
	}
}

func (a Audience) String() string {
	return a.Topic()
}

type Notification struct {
	Audience Audience          `json:"audience"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
}

type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
}

// topic names allow [a-zA-Z0-9-_.~%]
func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '~':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// LogDispatcher only logs. It is used when push credentials are not configured.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Notify(_ context.Context, n Notification) error {
	d.logger.Info("notify",
		zap.String("audience", n.Audience.String()),
		zap.String("title", n.Title),
		zap.String("body", n.Body),
		zap.Any("data", n.Data),
	)
	return nil
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
