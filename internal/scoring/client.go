// Package scoring is the boundary to the external text-scoring model. A
// Client takes a transcript plus context and returns a validated QCI score or
// a typed error the scheduler can act on.
package scoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"qci-scorer-go/internal/cost"
	"qci-scorer-go/internal/types"
)

// Context is everything besides the transcript that a scorer may use.
type Context struct {
	CallID          string              `json:"call_id"`
	AssistantID     string              `json:"assistant_id,omitempty"`
	DurationSeconds float64             `json:"duration_seconds"`
	Language        string              `json:"language,omitempty"`
	Brand           string              `json:"brand,omitempty"`
	LexiconHints    []types.MatchResult `json:"lexicon_hints,omitempty"`
	Turns           []types.Turn        `json:"turns,omitempty"`
}

// Response is a validated score plus the token usage that produced it.
type Response struct {
	Result types.ScoreResult
	Usage  cost.Usage
}

// Client scores one transcript. Implementations must be safe to retry and
// safe for concurrent use.
type Client interface {
	Score(ctx context.Context, transcript string, sc Context) (Response, error)
}

// Kind classifies a scoring failure.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
	KindMalformed   Kind = "malformed_response"
	KindPermanent   Kind = "permanent"
)

// Error is a typed scoring failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool { return e.Kind != KindPermanent }

// NewError builds a typed error. Permanent errors come back wrapped with
// backoff.Permanent so retry loops stop immediately.
func NewError(kind Kind, err error) error {
	e := &Error{Kind: kind, Err: err}
	if kind == KindPermanent {
		return backoff.Permanent(e)
	}
	return e
}

// KindOf classifies any error. Untyped errors count as transient, deadline
// errors as timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return KindOf(err) == KindPermanent
}
