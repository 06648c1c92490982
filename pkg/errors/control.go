// pkg/errors/control.go
package errors

// Control plane error codes
const (
	// ControlErrDecode indicates a command could not be decoded
	ControlErrDecode = "CONTROL_DECODE"
	// ControlErrUnknownService indicates a command named an unregistered service
	ControlErrUnknownService = "CONTROL_UNKNOWN_SERVICE"
	// ControlErrUnknownAction indicates a command carried an unsupported action
	ControlErrUnknownAction = "CONTROL_UNKNOWN_ACTION"
	// ControlErrPublish indicates a result could not be published
	ControlErrPublish = "CONTROL_PUBLISH"
	// ControlErrConsumer indicates a consumer setup or read failure
	ControlErrConsumer = "CONTROL_CONSUMER"
)

// Control domain name
const ControlDomain = "control"

// Control operations
const (
	OpConsume  = "Consume"
	OpDispatch = "Dispatch"
	OpPublish  = "Publish"
)

// NewControlError creates a new control plane error
func NewControlError(code string, message string, err error) error {
	return &Error{
		Domain:   ControlDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// ControlErrorf creates a new control plane error with formatted message
func ControlErrorf(code string, format string, args ...interface{}) error {
	return &Error{
		Domain:  ControlDomain,
		Code:    code,
		Message: Sprintf(format, args...),
	}
}

// ControlWrap wraps an error with control domain
func ControlWrap(err error, operation string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    ControlDomain,
		Operation: operation,
		Message:   message,
		Original:  err,
	}
}

// ControlWrapWithCode wraps an error with control domain and code
func ControlWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    ControlDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsControlError checks if an error is a control plane error with the given code
func IsControlError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == ControlDomain && domainErr.Code == code
	}
	return false
}
