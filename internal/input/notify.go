package input

import (
	"log/slog"
	"sync"
	"time"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notification is a non-blocking message for the user (a toast).
type Notification struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type Notifier interface {
	Notify(n Notification)
}

// NotificationQueue keeps the most recent notifications until drained.
type NotificationQueue struct {
	mu     sync.Mutex
	items  []Notification
	max    int
	logger *slog.Logger
}

func NewNotificationQueue(max int, logger *slog.Logger) *NotificationQueue {
	if max <= 0 {
		max = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationQueue{max: max, logger: logger}
}

func (q *NotificationQueue) Notify(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	q.logger.Info("user notification", "level", string(n.Level), "message", n.Message)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, n)
	if over := len(q.items) - q.max; over > 0 {
		q.items = q.items[over:]
	}
}

// Drain returns and forgets every queued notification.
func (q *NotificationQueue) Drain() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
