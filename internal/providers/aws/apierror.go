package aws

import (
	"errors"

	"github.com/aws/smithy-go"
)

// ErrorCode returns the service error code carried by err, or "" when err
// is not an API error.
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsAccessDenied reports whether err is an authorization failure
func IsAccessDenied(err error) bool {
	switch ErrorCode(err) {
	case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation", "UnauthorizedException":
		return true
	}
	return false
}

// IsNotFound reports whether err says the target does not exist
func IsNotFound(err error) bool {
	switch ErrorCode(err) {
	case "ResourceNotFoundException", "NoSuchConfigurationRecorderException", "TypeNotFoundException":
		return true
	}
	return false
}
