package client

import (
	"errors"
	"fmt"
)

// Kind groups codes so hosts can branch on the broad failure category.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindRegistration
	KindAuthentication
	KindToken
	KindNetwork
	KindStepUp
	KindJWT
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindRegistration:
		return "registration"
	case KindAuthentication:
		return "authentication"
	case KindToken:
		return "token"
	case KindNetwork:
		return "network"
	case KindStepUp:
		return "step_up"
	case KindJWT:
		return "jwt"
	default:
		return "unknown"
	}
}

// Code is a machine-readable error code. Codes are stable across releases.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Configuration errors
	CodeConfigurationInvalidJSON       Code = "CONFIGURATION_INVALID_JSON"
	CodeConfigurationInvalidEndpoint   Code = "CONFIGURATION_INVALID_ENDPOINT"
	CodeConfigurationMissingParameter  Code = "CONFIGURATION_MISSING_PARAMETER"
	CodeConfigurationInvalidSecurity   Code = "CONFIGURATION_INVALID_SECURITY_ENTRY"
	CodeConfigurationSDKNotStarted     Code = "SDK_NOT_STARTED"
	CodeConfigurationInvalidTransition Code = "SDK_INVALID_STATE_TRANSITION"

	// Registration errors
	CodeApplicationNotRegistered        Code = "APPLICATION_NOT_REGISTERED"
	CodeDeviceNotRegistered             Code = "DEVICE_NOT_REGISTERED"
	CodeDeviceAlreadyRegistered         Code = "DEVICE_ALREADY_REGISTERED"
	CodeDeviceCouldNotBeDeregistered    Code = "DEVICE_COULD_NOT_BE_DEREGISTERED"
	CodeDeviceCertificateRenewalFailed  Code = "DEVICE_CERTIFICATE_RENEWAL_FAILED"
	CodeCredentialsCannotRegisterDevice Code = "CREDENTIALS_CANNOT_REGISTER_DEVICE"
	CodeCredentialsNotProvided          Code = "CREDENTIALS_NOT_PROVIDED"

	// Authentication errors
	CodeInvalidCredentials               Code = "INVALID_CREDENTIALS"
	CodeUserNotAuthenticated             Code = "USER_NOT_AUTHENTICATED"
	CodeUserSessionIsCurrentlyLocked     Code = "USER_SESSION_IS_CURRENTLY_LOCKED"
	CodeUserSessionIsAlreadyUnlocked     Code = "USER_SESSION_IS_ALREADY_UNLOCKED"
	CodeUserSessionLockUnavailable       Code = "USER_SESSION_LOCK_UNAVAILABLE"
	CodeUserSessionCouldNotBeUnlocked    Code = "USER_SESSION_COULD_NOT_BE_UNLOCKED"
	CodeAuthenticationProviderCancelled Code = "CREDENTIALS_REQUEST_CANCELLED"

	// Token errors
	CodeAccessTokenInvalid          Code = "ACCESS_TOKEN_INVALID"
	CodeAccessTokenInsufficientScope Code = "ACCESS_TOKEN_INSUFFICIENT_SCOPE"
	CodeRefreshTokenInvalid         Code = "REFRESH_TOKEN_INVALID"
	CodeIDTokenInvalid              Code = "ID_TOKEN_INVALID"
	CodeIDTokenExpired              Code = "ID_TOKEN_EXPIRED"
	CodeIDTokenInvalidSignature     Code = "ID_TOKEN_INVALID_SIGNATURE"
	CodeIDTokenInvalidAud           Code = "ID_TOKEN_INVALID_AUD"
	CodeIDTokenInvalidAzp           Code = "ID_TOKEN_INVALID_AZP"

	// Network errors
	CodeNetworkUnreachable         Code = "NETWORK_UNREACHABLE"
	CodeNetworkTimeout             Code = "NETWORK_REQUEST_TIMED_OUT"
	CodeNetworkSSLConnection       Code = "NETWORK_SSL_CONNECTION_CANNOT_BE_MADE"
	CodeNetworkUnexpectedResponse  Code = "NETWORK_UNEXPECTED_RESPONSE"
	CodeNetworkRequestCancelled    Code = "NETWORK_REQUEST_CANCELLED"
	CodeNetworkRequestNotReplayable Code = "NETWORK_REQUEST_NOT_REPLAYABLE"

	// Step-up errors
	CodeOTPNotProvided         Code = "OTP_NOT_PROVIDED"
	CodeOTPInvalid             Code = "OTP_INVALID"
	CodeOTPExpired             Code = "OTP_EXPIRED"
	CodeOTPRetryLimitExceeded  Code = "OTP_RETRY_LIMIT_EXCEEDED"
	CodeOTPRetryBarred         Code = "OTP_RETRY_BARRED"
	CodeOTPChannelNotSelected  Code = "OTP_CHANNEL_NOT_SELECTED"
	CodeStepUpRetryExceeded    Code = "STEP_UP_RETRY_EXCEEDED"
	CodeMFACancelled           Code = "MFA_CANCELLED"
	CodeMFAInvalid             Code = "MFA_INVALID"

	// JWT errors
	CodeJWTInvalidClaims  Code = "JWT_INVALID_CLAIMS"
	CodeJWTSerialization  Code = "JWT_SERIALIZATION_FAILED"
	CodeJWTMalformed      Code = "JWT_MALFORMED"
)

var codeKinds = map[Code]Kind{
	CodeConfigurationInvalidJSON:       KindConfiguration,
	CodeConfigurationInvalidEndpoint:   KindConfiguration,
	CodeConfigurationMissingParameter:  KindConfiguration,
	CodeConfigurationInvalidSecurity:   KindConfiguration,
	CodeConfigurationSDKNotStarted:     KindConfiguration,
	CodeConfigurationInvalidTransition: KindConfiguration,

	CodeApplicationNotRegistered:        KindRegistration,
	CodeDeviceNotRegistered:             KindRegistration,
	CodeDeviceAlreadyRegistered:         KindRegistration,
	CodeDeviceCouldNotBeDeregistered:    KindRegistration,
	CodeDeviceCertificateRenewalFailed:  KindRegistration,
	CodeCredentialsCannotRegisterDevice: KindRegistration,
	CodeCredentialsNotProvided:          KindRegistration,

	CodeInvalidCredentials:              KindAuthentication,
	CodeUserNotAuthenticated:            KindAuthentication,
	CodeUserSessionIsCurrentlyLocked:    KindAuthentication,
	CodeUserSessionIsAlreadyUnlocked:    KindAuthentication,
	CodeUserSessionLockUnavailable:      KindAuthentication,
	CodeUserSessionCouldNotBeUnlocked:   KindAuthentication,
	CodeAuthenticationProviderCancelled: KindAuthentication,

	CodeAccessTokenInvalid:           KindToken,
	CodeAccessTokenInsufficientScope: KindToken,
	CodeRefreshTokenInvalid:          KindToken,
	CodeIDTokenInvalid:               KindToken,
	CodeIDTokenExpired:               KindToken,
	CodeIDTokenInvalidSignature:      KindToken,
	CodeIDTokenInvalidAud:            KindToken,
	CodeIDTokenInvalidAzp:            KindToken,

	CodeNetworkUnreachable:          KindNetwork,
	CodeNetworkTimeout:              KindNetwork,
	CodeNetworkSSLConnection:        KindNetwork,
	CodeNetworkUnexpectedResponse:   KindNetwork,
	CodeNetworkRequestCancelled:     KindNetwork,
	CodeNetworkRequestNotReplayable: KindNetwork,

	CodeOTPNotProvided:        KindStepUp,
	CodeOTPInvalid:            KindStepUp,
	CodeOTPExpired:            KindStepUp,
	CodeOTPRetryLimitExceeded: KindStepUp,
	CodeOTPRetryBarred:        KindStepUp,
	CodeOTPChannelNotSelected: KindStepUp,
	CodeStepUpRetryExceeded:   KindStepUp,
	CodeMFACancelled:          KindStepUp,
	CodeMFAInvalid:            KindStepUp,

	CodeJWTInvalidClaims: KindJWT,
	CodeJWTSerialization: KindJWT,
	CodeJWTMalformed:     KindJWT,
}

// Kind returns the category the code belongs to.
func (c Code) Kind() Kind {
	return codeKinds[c]
}

// Error is the structured error returned by every session operation.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable description
	Status  int    // HTTP status of the response that caused it, if any
	Cause   error  // Wrapped underlying error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func (e *Error) Kind() Kind {
	return e.Code.Kind()
}

// NewError creates an error with a code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// GetCode returns the code of the first *Error in err's chain.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && GetCode(err) == code
}

// IsKind reports whether err carries a code of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && GetCode(err).Kind() == kind
}

// isTerminalCredentialError reports failures that must not fall through to
// another login strategy.
func isTerminalCredentialError(err error) bool {
	switch GetCode(err) {
	case CodeInvalidCredentials, CodeCredentialsNotProvided, CodeAuthenticationProviderCancelled,
		CodeCredentialsCannotRegisterDevice:
		return true
	}
	return false
}
