package model

import (
	"encoding/json"
	"time"
)

// Change operation constants.
const (
	OpPut    = "put"
	OpDelete = "delete"
)

// Record is a single stored document. Data is opaque to every layer in
// stowage; engines persist it byte for byte.
type Record struct {
	ID        string          `json:"id"`
	Rev       int64           `json:"rev"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Query selects records by id prefix. Results are ordered by id. A zero
// Limit means no limit.
type Query struct {
	Prefix string `json:"prefix,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Match reports whether id falls inside the query's prefix.
func (q Query) Match(id string) bool {
	return len(id) >= len(q.Prefix) && id[:len(q.Prefix)] == q.Prefix
}

// Truncate applies the query limit to an already ordered result set.
func (q Query) Truncate(recs []Record) []Record {
	if q.Limit > 0 && len(recs) > q.Limit {
		return recs[:q.Limit]
	}
	return recs
}

// ChangeEvent describes a successful mutation, published on the change feed.
type ChangeEvent struct {
	Seq     int64     `json:"seq"`
	Op      string    `json:"op"`
	ID      string    `json:"id"`
	Rev     int64     `json:"rev,omitempty"`
	Backend string    `json:"backend"`
	At      time.Time `json:"at"`
}
