package domain

import (
	"errors"
	"time"
)

// ErrThreadExists reports that a subject already has a recorded thread.
// Thread stores return it from a conditional create.
var ErrThreadExists = errors.New("thread record already exists")

// HistoryMessage is one role-tagged entry of a saved transcript.
type HistoryMessage struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

// ThreadRecord maps an authenticated subject to its assistant thread.
type ThreadRecord struct {
	UserID    string
	ThreadID  string
	CreatedAt time.Time
}

// Rating is a thumbs up/down vote on a single assistant message.
type Rating string

const (
	RatingUp   Rating = "up"
	RatingDown Rating = "down"
)

// Valid reports whether r is one of the accepted rating values.
func (r Rating) Valid() bool {
	return r == RatingUp || r == RatingDown
}

// Delta is the counter adjustment applied for the rating.
func (r Rating) Delta() int {
	if r == RatingUp {
		return 1
	}
	return -1
}
