package models

import (
	"context"
	"time"
)

// IngestionError records a degraded fetch: an account for which no fetch path
// produced a result during a sweep.
type IngestionError struct {
	ID         string     `json:"id"`
	Platform   string     `json:"platform"`   // upstream platform, "twitter"
	ErrorType  string     `json:"error_type"` // one of IngestionErrorType
	AccountID  string     `json:"account_id"`
	URL        string     `json:"url"` // profile URL of the failing account
	ErrorMsg   string     `json:"error_msg"`
	Metadata   string     `json:"metadata"` // additional JSON metadata
	CreatedAt  time.Time  `json:"created_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// IngestionErrorType categorizes degraded fetches.
type IngestionErrorType string

const (
	ErrorTypeQuotaExhausted     IngestionErrorType = "quota_exhausted"
	ErrorTypeFallbackFailed     IngestionErrorType = "fallback_failed"
	ErrorTypeTransientExhausted IngestionErrorType = "transient_exhausted"
	ErrorTypeRequestRejected    IngestionErrorType = "request_rejected"
)

// IngestionErrorRecorder stores degraded-fetch records for operators.
type IngestionErrorRecorder interface {
	Store(ctx context.Context, err IngestionError) error
}
