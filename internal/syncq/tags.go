package syncq

import (
	"strings"

	"github.com/google/uuid"
)

// Recognized tag categories.
const (
	TagContactForm     = "sync-contact-form"
	TagAnalytics       = "sync-analytics"
	TagUserPreferences = "sync-user-preferences"
	TagFailedRequest   = "sync-failed-request"
)

const tagSep = ":"

// NewTag returns a unique tag inside category. The queue keeps one record per
// tag, so callers that need several pending items of one category give each
// its own tag.
func NewTag(category string) string {
	return category + tagSep + newID()
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// Category strips a NewTag suffix. Plain tags are their own category.
func Category(tag string) string {
	if i := strings.Index(tag, tagSep); i >= 0 {
		return tag[:i]
	}
	return tag
}
