package portal

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// UnreachableMsg is the shared user-facing message for network-level failures.
const UnreachableMsg = "Cannot connect to ALDI Mobile (network/DNS)."

// UpstreamError is a classified failure talking to the account portal. Code is
// drawn from a closed set so callers can distinguish failure classes without
// parsing prose; UserMessage never contains raw transport error text.
type UpstreamError struct {
	Code        string
	UserMessage string
	Stage       string // "METHOD /path", for diagnostics
	HTTPStatus  int    // 0 for transport-level failures
	cause       error
}

func (e *UpstreamError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Stage, e.UserMessage)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.UserMessage)
}

func (e *UpstreamError) Unwrap() error {
	return e.cause
}

// Transport-level and login flow error codes.
const (
	CodeTLSFail             = "TLS_FAIL"
	CodeOutboundTimeout     = "OUTBOUND_TIMEOUT"
	CodeDNSFail             = "DNS_FAIL"
	CodeOutboundConnectFail = "OUTBOUND_CONNECT_FAIL"
	CodeOutboundRequestFail = "OUTBOUND_REQUEST_FAIL"
	CodeLoginCSRFMissing    = "LOGIN_CSRF_MISSING"
	CodeMissingCreds        = "MISSING_CREDS"
	CodeLoginFailed         = "LOGIN_FAILED"
	CodeBalanceParseFail    = "BALANCE_PARSE_FAIL"
)

// classifyTransportError maps a transport failure from the HTTP client to a
// stable (code, message) pair. DNS failures are detected both structurally
// (*net.DNSError) and by the resolver message substrings the runtime produces
// on different platforms.
func classifyTransportError(err error) (string, string) {
	var tlsCertErr *tls.CertificateVerificationError
	var x509Err x509.UnknownAuthorityError
	var x509HostErr x509.HostnameError
	if errors.As(err, &tlsCertErr) || errors.As(err, &x509Err) || errors.As(err, &x509HostErr) {
		return CodeTLSFail, "Cannot establish a secure connection to ALDI Mobile (TLS)."
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return CodeTLSFail, "Cannot establish a secure connection to ALDI Mobile (TLS)."
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeDNSFail, UnreachableMsg
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeOutboundTimeout, UnreachableMsg
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		low := strings.ToLower(opErr.Error())
		dnsMarkers := []string{
			"name resolution",
			"no such host",
			"name or service not known",
			"temporary failure in name resolution",
			"nodename nor servname",
			"getaddrinfo",
			"failed to resolve",
		}
		for _, m := range dnsMarkers {
			if strings.Contains(low, m) {
				return CodeDNSFail, UnreachableMsg
			}
		}
		return CodeOutboundConnectFail, UnreachableMsg
	}

	return CodeOutboundRequestFail, "ALDI Mobile request failed."
}

// httpErrorCode derives the error code for an HTTP status >= 400.
func httpErrorCode(status int) string {
	if status == 403 {
		return "HTTP_403"
	}
	if status >= 500 && status <= 599 {
		return "HTTP_5XX"
	}
	return fmt.Sprintf("HTTP_%d", status)
}

// httpErrorMessage derives the user-safe message for an HTTP status >= 400.
func httpErrorMessage(status int) string {
	if status == 403 {
		return "ALDI Mobile refused access (HTTP 403)."
	}
	if status >= 500 && status <= 599 {
		return "ALDI Mobile is unavailable (HTTP 5xx)."
	}
	return fmt.Sprintf("ALDI Mobile request failed (HTTP %d).", status)
}

// urlPath extracts the path component of a URL for inclusion in a Stage.
func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		if err != nil {
			return "<unknown>"
		}
		return "/"
	}
	return u.Path
}

// PublicErrorMessage returns a message safe to show to end users for any
// error surfaced by this package.
func PublicErrorMessage(err error) string {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.UserMessage
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return UnreachableMsg
	}
	return "Operation failed"
}
