package types

import (
	"fmt"
	"time"
)

// DeletionMode decides whether observed entities missing from a declaration
// are deleted. It has no usable zero value: callers must pick one.
type DeletionMode string

const (
	// DeletionAuthoritative treats declared subtrees as complete; anything
	// observed under them but not declared is deleted
	DeletionAuthoritative DeletionMode = "authoritative"

	// DeletionOverlay only creates and updates; undeclared entities are left alone
	DeletionOverlay DeletionMode = "overlay"
)

// ParseDeletionMode parses a deletion mode name
func ParseDeletionMode(s string) (DeletionMode, error) {
	switch DeletionMode(s) {
	case DeletionAuthoritative, DeletionOverlay:
		return DeletionMode(s), nil
	case "":
		return "", fmt.Errorf("deletion mode is required (authoritative or overlay)")
	default:
		return "", fmt.Errorf("invalid deletion mode %q (want authoritative or overlay)", s)
	}
}

// FailurePolicy decides what happens after an entry fails to apply
type FailurePolicy string

const (
	FailureHalt            FailurePolicy = "halt"
	FailureSkipAndContinue FailurePolicy = "skip"
)

// ParseFailurePolicy parses a failure policy name; empty means halt
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", FailureHalt:
		return FailureHalt, nil
	case FailureSkipAndContinue:
		return FailureSkipAndContinue, nil
	default:
		return "", fmt.Errorf("invalid failure policy %q (want halt or skip)", s)
	}
}

// Policy controls one reconcile call
type Policy struct {
	Deletion           DeletionMode
	MaxConflictRetries int           // retries per entry after a revision conflict
	OnEntryFailure     FailurePolicy // empty means halt
	TopLevelRetries    int           // full observe/diff/apply reruns after conflicts are exhausted
	CallTimeout        time.Duration // per remote call; zero disables
}

// DefaultPolicy returns the default policy for the given deletion mode
func DefaultPolicy(mode DeletionMode) Policy {
	return Policy{
		Deletion:           mode,
		MaxConflictRetries: 3,
		OnEntryFailure:     FailureHalt,
		TopLevelRetries:    1,
		CallTimeout:        30 * time.Second,
	}
}

// Authoritative reports whether undeclared entities are deleted
func (p Policy) Authoritative() bool {
	return p.Deletion == DeletionAuthoritative
}

// SkipFailures reports whether failed entries are skipped rather than halting
func (p Policy) SkipFailures() bool {
	return p.OnEntryFailure == FailureSkipAndContinue
}

// Validate checks the policy is usable
func (p Policy) Validate() error {
	if _, err := ParseDeletionMode(string(p.Deletion)); err != nil {
		return err
	}
	if _, err := ParseFailurePolicy(string(p.OnEntryFailure)); err != nil {
		return err
	}
	if p.MaxConflictRetries < 0 {
		return fmt.Errorf("max conflict retries must not be negative")
	}
	if p.TopLevelRetries < 0 {
		return fmt.Errorf("top-level retries must not be negative")
	}
	if p.CallTimeout < 0 {
		return fmt.Errorf("call timeout must not be negative")
	}
	return nil
}
