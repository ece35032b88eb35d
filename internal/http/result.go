package http

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"syscall"
	"time"
)

// ErrorKind classifies why a request failed.
type ErrorKind string

const (
	// ErrorKindNone marks a successful request.
	ErrorKindNone ErrorKind = ""
	// ErrorKindConnectionRefused means nothing was listening on the target port.
	ErrorKindConnectionRefused ErrorKind = "connection_refused"
	// ErrorKindTimeout means the per-request timeout was exceeded.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindTLS means the TLS handshake or certificate validation failed.
	ErrorKindTLS ErrorKind = "tls"
	// ErrorKindDNS means the target host could not be resolved.
	ErrorKindDNS ErrorKind = "dns"
	// ErrorKindConnectionReset means the peer closed the connection mid-exchange.
	ErrorKindConnectionReset ErrorKind = "connection_reset"
	// ErrorKindHTTPStatus means the server answered with a status >= 400.
	ErrorKindHTTPStatus ErrorKind = "http_status"
	// ErrorKindRequest means the request could not be built.
	ErrorKindRequest ErrorKind = "request"
	// ErrorKindOther covers anything not classified above.
	ErrorKindOther ErrorKind = "other"
)

// RequestResult contains the outcome of a single HTTP request.
type RequestResult struct {
	StartedAt     time.Time     `json:"startedAt"`
	Latency       time.Duration `json:"latency"`
	StatusCode    int           `json:"statusCode,omitempty"` // 0 when no response was received
	ErrorKind     ErrorKind     `json:"errorKind,omitempty"`
	Err           error         `json:"-"`
	BytesReceived int64         `json:"bytesReceived"`
}

// Success reports whether the request completed without an error kind.
func (r RequestResult) Success() bool {
	return r.ErrorKind == ErrorKindNone
}

// Classify maps a transport error to an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}

	if isTLSError(err) {
		return ErrorKindTLS
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrorKindConnectionRefused
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorKindDNS
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindTimeout
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrorKindConnectionReset
	}

	return ErrorKindOther
}

func isTLSError(err error) bool {
	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	var recordErr tls.RecordHeaderError
	var alertErr tls.AlertError

	return errors.As(err, &certErr) ||
		errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &alertErr)
}
