package storage

import "time"

// Change is one logged record change.
type Change struct {
	ID         int64
	OccurredAt time.Time

	PollKey    string
	Kind       string // employee | order | user
	RecordID   string
	ChangeType string // added | updated | removed
	Summary    string
}

// Notification is a notification as it was received.
type Notification struct {
	ID         int64
	Type       string
	Title      string
	Content    string
	Data       string
	CreatedAt  string // as sent by the backend
	ReceivedAt time.Time
	Read       bool
}

// ChangeQuery filters ListRecentChanges. Zero fields match everything.
type ChangeQuery struct {
	Limit   int
	PollKey string
	Kind    string
	Since   time.Time
}

// KeyStats counts logged changes for one poll key.
type KeyStats struct {
	PollKey string
	Added   int
	Updated int
	Removed int
}

// Total is the number of changes of any type.
func (s KeyStats) Total() int {
	return s.Added + s.Updated + s.Removed
}
