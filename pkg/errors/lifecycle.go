// pkg/errors/lifecycle.go
package errors

// Lifecycle error codes
const (
	// LifecycleErrConnect indicates the database dependency failed to connect
	LifecycleErrConnect = "LIFECYCLE_CONNECT_FAILED"
	// LifecycleErrDisconnect indicates the database dependency failed to close
	LifecycleErrDisconnect = "LIFECYCLE_DISCONNECT_FAILED"
	// LifecycleErrHook indicates a start or stop hook failed
	LifecycleErrHook = "LIFECYCLE_HOOK_FAILED"
	// LifecycleErrNotRunning indicates an operation required a running service
	LifecycleErrNotRunning = "LIFECYCLE_NOT_RUNNING"
)

// Lifecycle domain name
const LifecycleDomain = "lifecycle"

// Lifecycle operations
const (
	OpStart = "Start"
	OpStop  = "Stop"
)

// NewLifecycleError creates a new lifecycle error
func NewLifecycleError(code string, message string, err error) error {
	return &Error{
		Domain:   LifecycleDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// LifecycleErrorf creates a new lifecycle error with formatted message
func LifecycleErrorf(code string, format string, args ...interface{}) error {
	return &Error{
		Domain:  LifecycleDomain,
		Code:    code,
		Message: Sprintf(format, args...),
	}
}

// LifecycleWrap wraps an error with lifecycle domain
func LifecycleWrap(err error, operation string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    LifecycleDomain,
		Operation: operation,
		Message:   message,
		Original:  err,
	}
}

// LifecycleWrapWithCode wraps an error with lifecycle domain and code
func LifecycleWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    LifecycleDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsLifecycleError checks if an error is a lifecycle error with the given code
func IsLifecycleError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == LifecycleDomain && domainErr.Code == code
	}
	return false
}
