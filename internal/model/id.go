package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string. Session ids sort by creation time.
func NewID() string {
	return ulid.Make().String()
}
