package ingestion

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dean-Rough/transferjuice/internal/models"
)

// ErrQuotaExceeded marks a primary-path call refused for lack of quota, either
// locally by the tracker or by the upstream API.
var ErrQuotaExceeded = errors.New("quota exceeded")

// OutcomeKind classifies a fetch attempt so callers branch on a value rather
// than inspecting error strings.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeQuotaExceeded
	OutcomeTransient
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeQuotaExceeded:
		return "quota_exceeded"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// FetchOutcome is the result of one primary-path fetch.
type FetchOutcome struct {
	Kind    OutcomeKind
	Updates []models.NormalizedUpdate
	// ResetAt is set for OutcomeQuotaExceeded.
	ResetAt time.Time
	// RetryAfter is an upstream hint for OutcomeTransient.
	RetryAfter time.Duration
	Err        error
}

func okOutcome(updates []models.NormalizedUpdate) FetchOutcome {
	return FetchOutcome{Kind: OutcomeOK, Updates: updates}
}

func quotaOutcome(resetAt time.Time, err error) FetchOutcome {
	if err == nil {
		err = ErrQuotaExceeded
	}
	return FetchOutcome{Kind: OutcomeQuotaExceeded, ResetAt: resetAt, Err: err}
}

func transientOutcome(err error, retryAfter time.Duration) FetchOutcome {
	return FetchOutcome{Kind: OutcomeTransient, Err: err, RetryAfter: retryAfter}
}

func fatalOutcome(err error) FetchOutcome {
	return FetchOutcome{Kind: OutcomeFatal, Err: err}
}

// DegradedFetchError reports an account for which no fetch path produced a
// result. The account is retried on the next sweep.
type DegradedFetchError struct {
	AccountID string
	Handle    string
	Kind      OutcomeKind
	ResetAt   time.Time
	Err       error
}

func (e *DegradedFetchError) Error() string {
	return fmt.Sprintf("fetch @%s (%s): %s: %v", e.Handle, e.AccountID, e.Kind, e.Err)
}

func (e *DegradedFetchError) Unwrap() error {
	return e.Err
}

// ErrorType maps the failure onto the degraded-fetch log categories.
func (e *DegradedFetchError) ErrorType() models.IngestionErrorType {
	switch e.Kind {
	case OutcomeQuotaExceeded:
		if errors.Is(e.Err, errFallbackFailed) {
			return models.ErrorTypeFallbackFailed
		}
		return models.ErrorTypeQuotaExhausted
	case OutcomeTransient:
		return models.ErrorTypeTransientExhausted
	default:
		return models.ErrorTypeRequestRejected
	}
}

var errFallbackFailed = errors.New("fallback failed")

// BatchError aggregates the degraded accounts of one FetchAllAccounts call.
type BatchError struct {
	Failures []*DegradedFetchError
}

func (e *BatchError) Error() string {
	handles := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		handles[i] = "@" + f.Handle
	}
	return fmt.Sprintf("%d account(s) degraded: %s", len(e.Failures), strings.Join(handles, ", "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}
