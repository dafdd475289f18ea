// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/salevine/scrape-edu/internal/crawler"
)

var _ crawler.Clock = Clock{}

// Clock implements crawler.Clock. Timestamps are UTC so persisted documents
// compare and sort the same on every host.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
