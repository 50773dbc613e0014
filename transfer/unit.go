// Package transfer performs a single blob upload or download on the machine
// that owns the local file, using nothing but a pre-signed SAS URL.
//
// A Unit is built on the controller, serialized, and executed by an Executor
// on the worker. It never carries the storage account key: the capability it
// grants is bounded by the permission and expiry embedded in the signature.
package transfer

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Op is the direction of a transfer.
type Op string

const (
	OpUpload   Op = "upload"
	OpDownload Op = "download"
)

var (
	// ErrInvalidUnit is returned when a unit is malformed or its URL is not a signed blob URL under its endpoint.
	ErrInvalidUnit = errors.New("invalid transfer unit")

	// ErrTimeout is returned when a transfer does not complete within its bounded timeout.
	ErrTimeout = errors.New("transfer timed out")

	// ErrRejected is returned when the storage service refuses the request, for example an expired SAS.
	ErrRejected = errors.New("transfer rejected by storage service")
)

// Unit describes one upload or download. It is immutable once built and safe
// to ship across the controller/worker boundary.
type Unit struct {
	Op        Op           `json:"op"`
	Proxy     *ProxyConfig `json:"proxy,omitempty"`
	Endpoint  string       `json:"endpoint"`
	SignedURL string       `json:"signed_url"`
}

// Validate checks the unit can be executed.
func (u Unit) Validate() error {
	switch u.Op {
	case OpUpload, OpDownload:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidUnit, u.Op)
	}

	if u.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidUnit)
	}

	endpoint, err := url.Parse(u.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: failed to parse endpoint: %w", ErrInvalidUnit, err)
	}

	signed, err := url.Parse(u.SignedURL)
	if err != nil {
		return fmt.Errorf("%w: failed to parse signed url: %w", ErrInvalidUnit, err)
	}

	if !strings.EqualFold(signed.Scheme, endpoint.Scheme) || !strings.EqualFold(signed.Host, endpoint.Host) {
		return fmt.Errorf("%w: signed url host %q does not match endpoint %q", ErrInvalidUnit, signed.Host, endpoint.Host)
	}

	if !strings.HasPrefix(signed.Path, strings.TrimSuffix(endpoint.Path, "/")+"/") {
		return fmt.Errorf("%w: signed url is not under endpoint path %q", ErrInvalidUnit, endpoint.Path)
	}

	if signed.Query().Get("sig") == "" {
		return fmt.Errorf("%w: url is not signed", ErrInvalidUnit)
	}

	return nil
}

// Redacted returns the signed URL with the signature removed, suitable for logs.
func (u Unit) Redacted() string {
	signed, err := url.Parse(u.SignedURL)
	if err != nil {
		return "<unparseable>"
	}

	q := signed.Query()
	if q.Has("sig") {
		q.Set("sig", "REDACTED")
	}
	signed.RawQuery = q.Encode()

	return signed.String()
}

func (u Unit) String() string {
	return fmt.Sprintf("%s %s", u.Op, u.Redacted())
}
