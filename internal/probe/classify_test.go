package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/proxy-rotator/internal/types"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want types.ErrorKind
	}{
		{"nil", nil, types.ErrorNone},
		{"context deadline", context.DeadlineExceeded, types.ErrorTimeout},
		{"wrapped deadline", fmt.Errorf("do request: %w", context.DeadlineExceeded), types.ErrorTimeout},
		{"io deadline", os.ErrDeadlineExceeded, types.ErrorTimeout},
		{
			"connection refused",
			&net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)},
			types.ErrorRefused,
		},
		{"refused text", errors.New("dial tcp 10.0.0.1:8080: connection refused"), types.ErrorRefused},
		{"tls record header", tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}, types.ErrorTLS},
		{"x509 text", errors.New("x509: certificate signed by unknown authority"), types.ErrorTLS},
		{"tls text", errors.New("remote error: tls: handshake failure"), types.ErrorTLS},
		{"socks auth", errors.New("socks connect tcp 10.0.0.1:1080: authentication failed"), types.ErrorAuth},
		{"proxy auth required", errors.New("proxyconnect tcp: Proxy Authentication Required"), types.ErrorAuth},
		{"anything else", errors.New("short write"), types.ErrorUnexpected},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
