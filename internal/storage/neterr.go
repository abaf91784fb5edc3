package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// IsNetworkError reports whether err looks like a dropped or refused
// connection, a timeout, or a temporary DNS failure. Object-store backends
// mark such errors transient.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE, syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RetryableStatus reports whether an HTTP status from an object store is
// worth retrying.
func RetryableStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == 408, code == 429:
		return true
	}
	return false
}
