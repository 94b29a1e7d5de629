package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random UUID, optionally namespaced as "<prefix>_<hex>".
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + strings.ReplaceAll(id, "-", "")
}
