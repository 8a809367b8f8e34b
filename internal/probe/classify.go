package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/proxy-rotator/internal/types"
)

// Classify maps a probe error onto the engine's error taxonomy. The kind
// feeds quarantine severity weighting, so misclassifying toward
// "unexpected" is safe while misclassifying toward auth/tls is not.
func Classify(err error) types.ErrorKind {
	if err == nil {
		return types.ErrorNone
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return types.ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.ErrorTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return types.ErrorRefused
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return types.ErrorTLS
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return types.ErrorTLS
	}

	// Fall back to message matching; the SOCKS5 and net/http error chains
	// do not always expose typed causes.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:"):
		return types.ErrorTLS
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "Proxy Authentication Required"):
		return types.ErrorAuth
	case strings.Contains(msg, "connection refused"):
		return types.ErrorRefused
	default:
		return types.ErrorUnexpected
	}
}
