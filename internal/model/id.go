package model

import "github.com/oklog/ulid/v2"

// NewID returns a fresh ULID string. Record ids generated this way sort by
// creation time, which keeps prefix queries roughly chronological.
func NewID() string {
	return ulid.Make().String()
}
