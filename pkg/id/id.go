// Package id generates prefixed, K-sortable identifiers for audit entities.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in an identifier.
type Prefix string

const (
	PrefixDecisionEvent Prefix = "devt" // Governance decision event
	PrefixDLQItem       Prefix = "dlq"  // Dead-letter queue item
	PrefixSpoolEntry    Prefix = "spl"  // Locally spooled event
)

// New generates a new identifier with the given prefix.
// It panics on an invalid prefix, which is a programming error.
func New(prefix Prefix) string {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// NewDecisionEventID generates a DecisionEvent identifier.
func NewDecisionEventID() string { return New(PrefixDecisionEvent) }

// NewDLQItemID generates a DLQ item identifier.
func NewDLQItemID() string { return New(PrefixDLQItem) }

// Validate checks that s parses and carries the expected prefix.
func Validate(s string, expected Prefix) error {
	if s == "" {
		return fmt.Errorf("id: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return fmt.Errorf("id: parse %q: %w", s, err)
	}
	if Prefix(tid.Prefix()) != expected {
		return fmt.Errorf("id: expected prefix %q, got %q", expected, tid.Prefix())
	}
	return nil
}
