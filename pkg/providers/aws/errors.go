package aws

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

// API error codes that map to a fixed class regardless of the service.
var (
	throttleCodes = map[string]bool{
		"Throttling":                             true,
		"ThrottlingException":                    true,
		"ThrottledException":                     true,
		"RequestThrottled":                       true,
		"RequestThrottledException":              true,
		"RequestLimitExceeded":                   true,
		"TooManyRequestsException":               true,
		"SlowDown":                               true,
		"ProvisionedThroughputExceededException": true,
	}

	transientCodes = map[string]bool{
		"InternalFailure":         true,
		"InternalError":           true,
		"InternalServiceError":    true,
		"ServiceUnavailable":      true,
		"Unavailable":             true,
		"RequestTimeout":          true,
		"RequestTimeoutException": true,
		"EC2ThrottledException":   true,
	}

	permissionCodes = map[string]bool{
		"AccessDenied":                      true,
		"AccessDeniedException":             true,
		"UnauthorizedOperation":             true,
		"AuthFailure":                       true,
		"InvalidClientTokenId":              true,
		"ExpiredToken":                      true,
		"ExpiredTokenException":             true,
		"SignatureDoesNotMatch":             true,
		"InsufficientCapabilitiesException": true,
	}

	notFoundCodes = map[string]bool{
		"ChangeSetNotFound":                  true,
		"ChangeSetNotFoundException":         true,
		"NoSuchBucket":                       true,
		"NoSuchKey":                          true,
		"NotFound":                           true,
		"InvalidNetworkInterfaceID.NotFound": true,
		"InvalidAttachmentID.NotFound":       true,
		"StackNotFoundException":             true,
	}

	conflictCodes = map[string]bool{
		"OperationInProgressException":    true,
		"TokenAlreadyExistsException":     true,
		"OperationAborted":                true,
		"InvalidChangeSetStatus":          true,
		"InvalidChangeSetStatusException": true,
	}
)

// classify converts an SDK error into a classified *engine.EngineError.
// A nil error stays nil.
func classify(op, target string, err error) error {
	if err == nil {
		return nil
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	var out *engine.EngineError
	switch {
	case errors.Is(err, context.Canceled):
		out = engine.NewCancelledError("request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		out = engine.NewTimeoutError("request deadline exceeded", err)
	default:
		out = classifyAPI(err)
	}
	return out.WithOperation(op).WithResource(target)
}

func classifyAPI(err error) *engine.EngineError {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return engine.NewTransientError("network error", err)
		}
		return engine.NewUnknownFailure("provider call failed", err)
	}

	code := apiErr.ErrorCode()
	msg := apiErr.ErrorMessage()
	lower := strings.ToLower(msg)

	switch {
	case throttleCodes[code]:
		return engine.NewThrottledError(msg, err).WithDetail("api_code", code)
	case transientCodes[code]:
		return engine.NewTransientError(msg, err).WithDetail("api_code", code)
	case permissionCodes[code]:
		return engine.NewPermissionError(msg, err).WithDetail("api_code", code)
	case notFoundCodes[code]:
		return engine.NewNotFoundError(msg, err).WithDetail("api_code", code)
	case conflictCodes[code]:
		return engine.NewConflictError(msg, err).WithDetail("api_code", code)
	case code == "AlreadyExistsException" || code == "BucketAlreadyExists":
		return engine.NewAlreadyExistsError(msg, err).WithDetail("api_code", code)
	case code == "BucketAlreadyOwnedByYou":
		return engine.NewAlreadyExistsError(msg, err).WithCode(engine.ErrCodeOwnedByYou).WithDetail("api_code", code)
	case code == "LimitExceededException":
		return engine.NewThrottledError(msg, err).WithDetail("api_code", code)
	}

	// CloudFormation reports most request problems as ValidationError and
	// leaves the distinction to the message.
	if code == "ValidationError" {
		switch {
		case strings.Contains(lower, "does not exist"):
			return engine.NewNotFoundError(msg, err).WithDetail("api_code", code)
		case strings.Contains(lower, "can not be updated"),
			strings.Contains(lower, "cannot be updated"),
			strings.Contains(lower, "in progress"),
			strings.Contains(lower, "_in_progress state"):
			return engine.NewConflictError(msg, err).WithDetail("api_code", code)
		case strings.Contains(lower, "rate exceeded"):
			return engine.NewThrottledError(msg, err).WithDetail("api_code", code)
		}
		return engine.NewValidationError(msg, err).WithDetail("api_code", code)
	}

	if apiErr.ErrorFault() == smithy.FaultServer {
		return engine.NewTransientError(msg, err).WithDetail("api_code", code)
	}
	if strings.Contains(lower, "rate exceeded") {
		return engine.NewThrottledError(msg, err).WithDetail("api_code", code)
	}
	return engine.NewValidationError(msg, err).WithDetail("api_code", code)
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
