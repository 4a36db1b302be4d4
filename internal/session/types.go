package session

import (
	"errors"
	"time"
)

var (
	// ErrInvalidSession is returned for an empty session id
	ErrInvalidSession = errors.New("invalid session")
)

// Message is the stored form of one history entry.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "user", "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
