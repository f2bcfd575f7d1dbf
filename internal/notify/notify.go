// Package notify carries the outcome of user-triggered actions to whoever is
// displaying them (toast line, CLI output) and to the log.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Severity of a notification.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeveritySuccess:
		return "success"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Notification is one user-visible outcome. Category is the error kind name
// for failures and empty otherwise.
type Notification struct {
	ID       string
	Time     time.Time
	Severity Severity
	Message  string
	Category string
}

// Notifier accepts notifications.
type Notifier interface {
	Notify(severity Severity, message, category string)
}

// DefaultHistory is the number of notifications kept when none is configured.
const DefaultHistory = 50

// subscriberBuffer is the channel depth handed to each subscriber.
const subscriberBuffer = 16

// Center logs every notification, keeps a bounded history and fans out to
// subscribers. Safe for concurrent use.
type Center struct {
	logger *slog.Logger

	mu      sync.Mutex
	history []Notification
	limit   int
	subs    map[int]chan Notification
	nextSub int
}

// Compile-time check that Center implements Notifier.
var _ Notifier = (*Center)(nil)

// NewCenter creates a Center keeping up to limit notifications.
func NewCenter(limit int, logger *slog.Logger) *Center {
	if limit <= 0 {
		limit = DefaultHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Center{
		logger: logger,
		limit:  limit,
		subs:   make(map[int]chan Notification),
	}
}

// Notify records a notification. It never blocks on slow subscribers: a
// subscriber whose buffer is full misses the notification, which is still
// logged and kept in history.
func (c *Center) Notify(severity Severity, message, category string) {
	c.mu.Lock()
	now := time.Now()
	n := Notification{
		ID:       ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Time:     now,
		Severity: severity,
		Message:  message,
		Category: category,
	}
	c.history = append(c.history, n)
	if len(c.history) > c.limit {
		c.history = c.history[len(c.history)-c.limit:]
	}
	for id, ch := range c.subs {
		select {
		case ch <- n:
		default:
			c.logger.Debug("notify: subscriber full, dropping", "subscriber", id, "id", n.ID)
		}
	}
	c.mu.Unlock()

	c.log(n)
}

func (c *Center) log(n Notification) {
	attrs := []any{"id", n.ID, "message", n.Message}
	if n.Category != "" {
		attrs = append(attrs, "category", n.Category)
	}
	switch n.Severity {
	case SeverityError:
		c.logger.Error("notification", attrs...)
	case SeverityWarning:
		c.logger.Warn("notification", attrs...)
	default:
		c.logger.Info("notification", append(attrs, "severity", n.Severity.String())...)
	}
}

// History returns a copy of the retained notifications, oldest first.
func (c *Center) History() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.history))
	copy(out, c.history)
	return out
}

// Subscribe returns a channel receiving future notifications and a function
// that unsubscribes and closes the channel.
func (c *Center) Subscribe() (<-chan Notification, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Notification, subscriberBuffer)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// Recorder is a Notifier that only keeps what it receives. Useful when no
// display is attached.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// Notify implements Notifier.
func (r *Recorder) Notify(severity Severity, message, category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, Notification{Time: time.Now(), Severity: severity, Message: message, Category: category})
}

// All returns a copy of everything recorded.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}

// Count returns how many recorded notifications have the given severity
// and category.
func (r *Recorder) Count(severity Severity, category string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.items {
		if it.Severity == severity && it.Category == category {
			n++
		}
	}
	return n
}
