package storage

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// Class partitions fetch errors for the orchestrator's retry policy.
type Class int

const (
	// ClassTransient errors (expired or invalid credentials) are retried
	// after a credential refresh.
	ClassTransient Class = iota
	// ClassPermanent errors (missing bucket, denied access) fail the job
	// without retry.
	ClassPermanent
	// ClassUnknown covers everything else; treated like permanent.
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classify maps a fetch error onto the retry taxonomy using the provider
// error code.
func Classify(err error) Class {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return ClassUnknown
	}
	switch apiErr.ErrorCode() {
	case "ExpiredToken", "InvalidToken", "TokenRefreshRequired":
		return ClassTransient
	case "NoSuchBucket", "AccessDenied":
		return ClassPermanent
	default:
		return ClassUnknown
	}
}

// Sanitize produces an operator-facing message for a fetch error without
// leaking provider internals.
func Sanitize(err error, bucket string) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err.Error()
	}
	switch apiErr.ErrorCode() {
	case "NoSuchBucket":
		return fmt.Sprintf("bucket %q does not exist or you don't have access to it", bucket)
	case "AccessDenied":
		return fmt.Sprintf("access denied to bucket %q, check your permissions", bucket)
	case "ExpiredToken":
		return "credentials have expired, refresh your credentials and retry"
	case "InvalidToken":
		return "credentials are invalid, check your credentials and retry"
	case "TokenRefreshRequired":
		return "token refresh required, refresh your credentials and retry"
	default:
		return fmt.Sprintf("AWS error [%s]: access or configuration issue", apiErr.ErrorCode())
	}
}
