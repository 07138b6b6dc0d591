// Package util holds small helpers shared across packages.
package util

import "github.com/google/uuid"

// NewID returns a random UUID, prefixed as "<prefix>-<uuid>" when prefix is
// set (reply-…, task-…).
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
