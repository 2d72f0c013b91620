package types

import "errors"

// Error classes shared by every control path. Wrap them with fmt.Errorf and
// test with errors.Is.
var (
	// ErrConfig is fatal at startup.
	ErrConfig = errors.New("configuration error")
	// ErrCrypto aborts the single tenant operation that hit it.
	ErrCrypto = errors.New("crypto error")
	// ErrCredential means the tenant has no usable refresh token.
	ErrCredential = errors.New("credential error")
	// ErrTransientNetwork covers timeouts, connection errors and 5xx.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrAuthExpired is a 401-equivalent from a vendor.
	ErrAuthExpired = errors.New("authorization expired")
	// ErrTopology means no addressable device was found for a plant.
	ErrTopology = errors.New("no device found")
)
