// pkg/errors/storage.go
package errors

// Storage error codes
const (
	// StorageErrConnection indicates a connection error
	StorageErrConnection = "STORAGE_CONNECTION"
	// StorageErrPing indicates the connection liveness check failed
	StorageErrPing = "STORAGE_PING"
	// StorageErrQuery indicates a query error
	StorageErrQuery = "STORAGE_QUERY"
	// StorageErrExec indicates a statement execution error
	StorageErrExec = "STORAGE_EXEC"
	// StorageErrScan indicates a row scan error
	StorageErrScan = "STORAGE_SCAN"
	// StorageErrNotConnected indicates use of a closed or unopened connection
	StorageErrNotConnected = "STORAGE_NOT_CONNECTED"
)

// Storage domain name
const StorageDomain = "storage"

// Storage operations
const (
	OpConnect    = "Connect"
	OpDisconnect = "Disconnect"
	OpQuery      = "Query"
	OpExecute    = "Execute"
	OpPing       = "Ping"
)

// NewStorageError creates a new storage error
func NewStorageError(code string, message string, err error) error {
	return &Error{
		Domain:   StorageDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// StorageErrorf creates a new storage error with formatted message
func StorageErrorf(code string, format string, args ...interface{}) error {
	return &Error{
		Domain:  StorageDomain,
		Code:    code,
		Message: Sprintf(format, args...),
	}
}

// StorageWrap wraps an error with storage domain
func StorageWrap(err error, operation string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    StorageDomain,
		Operation: operation,
		Message:   message,
		Original:  err,
	}
}

// StorageWrapWithCode wraps an error with storage domain and code
func StorageWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    StorageDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsStorageError checks if an error is a storage error with the given code
func IsStorageError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == StorageDomain && domainErr.Code == code
	}
	return false
}
