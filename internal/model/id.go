package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as a task identifier. ULIDs
// sort lexicographically by creation time, keeping id order and
// submission order aligned.
func NewID() string {
	return ulid.Make().String()
}
