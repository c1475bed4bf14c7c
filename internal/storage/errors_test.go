package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "upstream detail"}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code string
		want Class
	}{
		{"ExpiredToken", ClassTransient},
		{"InvalidToken", ClassTransient},
		{"TokenRefreshRequired", ClassTransient},
		{"NoSuchBucket", ClassPermanent},
		{"AccessDenied", ClassPermanent},
		{"SlowDown", ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(apiError(tt.code)))
		})
	}
}

func TestClassifyWrappedError(t *testing.T) {
	err := fmt.Errorf("list object versions: %w", apiError("ExpiredToken"))
	assert.Equal(t, ClassTransient, Classify(err))
}

func TestClassifyNonAPIError(t *testing.T) {
	assert.Equal(t, ClassUnknown, Classify(errors.New("connection reset")))
}

func TestSanitizeKnownCodes(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"NoSuchBucket", `bucket "my-bucket" does not exist or you don't have access to it`},
		{"AccessDenied", `access denied to bucket "my-bucket", check your permissions`},
		{"ExpiredToken", "credentials have expired, refresh your credentials and retry"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			msg := Sanitize(apiError(tt.code), "my-bucket")
			assert.Equal(t, tt.want, msg)
			assert.NotContains(t, msg, "upstream detail")
		})
	}
}

func TestSanitizeUnknownCodeStaysGeneric(t *testing.T) {
	msg := Sanitize(apiError("InternalError"), "my-bucket")
	assert.Equal(t, "AWS error [InternalError]: access or configuration issue", msg)
}

func TestSanitizeNonAPIErrorPassesThrough(t *testing.T) {
	msg := Sanitize(errors.New("dial tcp: timeout"), "my-bucket")
	assert.Equal(t, "dial tcp: timeout", msg)
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, "unknown", ClassUnknown.String())
}
