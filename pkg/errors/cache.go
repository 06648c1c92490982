// pkg/errors/cache.go
package errors

// Cache error codes
const (
	// CacheErrConnection indicates a connection error
	CacheErrConnection = "CACHE_CONNECTION"
	// CacheErrMiss indicates the requested key does not exist
	CacheErrMiss = "CACHE_MISS"
	// CacheErrRead indicates a read error
	CacheErrRead = "CACHE_READ"
	// CacheErrWrite indicates a write error
	CacheErrWrite = "CACHE_WRITE"
	// CacheErrDelete indicates a delete error
	CacheErrDelete = "CACHE_DELETE"
)

// Cache domain name
const CacheDomain = "cache"

// Cache operations
const (
	OpGet    = "Get"
	OpSet    = "Set"
	OpDelete = "Delete"
)

// NewCacheError creates a new cache error
func NewCacheError(code string, message string, err error) error {
	return &Error{
		Domain:   CacheDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// CacheErrorf creates a new cache error with formatted message
func CacheErrorf(code string, format string, args ...interface{}) error {
	return &Error{
		Domain:  CacheDomain,
		Code:    code,
		Message: Sprintf(format, args...),
	}
}

// CacheWrap wraps an error with cache domain
func CacheWrap(err error, operation string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    CacheDomain,
		Operation: operation,
		Message:   message,
		Original:  err,
	}
}

// CacheWrapWithCode wraps an error with cache domain and code
func CacheWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    CacheDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsCacheError checks if an error is a cache error with the given code
func IsCacheError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == CacheDomain && domainErr.Code == code
	}
	return false
}
