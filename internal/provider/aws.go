package provider

import (
	"errors"

	"github.com/aws/smithy-go"
)

// AWS error codes that are worth retrying. Everything else an AWS API rejects
// is treated as a content/recipient problem.
var awsTransientCodes = map[string]struct{}{
	"Throttling":                  {},
	"ThrottlingException":         {},
	"TooManyRequestsException":    {},
	"ServiceUnavailable":          {},
	"ServiceUnavailableException": {},
	"InternalFailure":             {},
	"InternalError":               {},
	"InternalServerException":     {},
	"RequestTimeout":              {},
	"RequestTimeoutException":     {},
}

var awsPermanentReasons = map[string]string{
	"InvalidParameterValue":     "invalid recipient",
	"InvalidParameter":          "invalid recipient",
	"MessageRejected":           "message rejected",
	"MailFromDomainNotVerified": "sender not verified",
	"OptedOutException":         "opted out",
	"ValidationException":       "invalid recipient",
	"AccessDeniedException":     "provider access denied",
	"ConflictException":         "destination blocked",
}

func classifyAWSError(provider string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return requestError(provider, err)
	}

	code := apiErr.ErrorCode()
	providerErr := &ProviderError{
		Provider: provider,
		Code:     code,
		Message:  apiErr.ErrorMessage(),
		Cause:    err,
	}
	if _, ok := awsTransientCodes[code]; ok {
		providerErr.Transient = true
		return providerErr
	}
	if apiErr.ErrorFault() == smithy.FaultServer {
		providerErr.Transient = true
		return providerErr
	}

	providerErr.Reason = awsPermanentReasons[code]
	if providerErr.Reason == "" {
		providerErr.Reason = "provider rejected message"
	}
	return providerErr
}
