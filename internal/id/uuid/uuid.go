// Package uuid generates run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string, falling back to a random UUIDv4 when the
// time-ordered form cannot be produced.
func (g Generator) NewID() (string, error) {
	id, err := g.NewRawID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRawID returns a UUIDv7, or a UUIDv4 when v7 generation fails.
func (Generator) NewRawID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err == nil {
		return id, nil
	}
	id, err4 := uuid.NewRandom()
	if err4 != nil {
		return uuid.Nil, fmt.Errorf("generate uuid: %w", err)
	}
	return id, nil
}

// Static hands out the same ID every time so that several components can
// tag their events with one run ID.
type Static string

// NewID returns s.
func (s Static) NewID() (string, error) {
	if _, err := uuid.Parse(string(s)); err != nil {
		return "", fmt.Errorf("static run id: %w", err)
	}
	return string(s), nil
}
