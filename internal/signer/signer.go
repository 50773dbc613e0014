// Package signer mints short-lived, single-permission SAS tokens for blobs.
package signer

import (
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// DefaultExpiry is how long a generated token stays valid.
const DefaultExpiry = time.Hour

// Permission is the single capability a token grants.
type Permission int

const (
	Read Permission = iota + 1
	Write
)

func (p Permission) String() string {
	switch p {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("Permission(%d)", int(p))
	}
}

// ErrInvalidPermission is returned for anything other than Read or Write.
var ErrInvalidPermission = errors.New("permission must be exactly one of read or write")

func (p Permission) blobPermissions() (sas.BlobPermissions, error) {
	switch p {
	case Read:
		return sas.BlobPermissions{Read: true}, nil
	case Write:
		return sas.BlobPermissions{Write: true}, nil
	default:
		return sas.BlobPermissions{}, fmt.Errorf("%w: got %s", ErrInvalidPermission, p)
	}
}

// Token is an encoded SAS query string and what it grants.
type Token struct {
	Query      string
	Permission Permission
	ExpiresOn  time.Time
}

// Generator signs blob SAS tokens with the account shared key. It has no
// mutable state after construction and is safe for concurrent use.
type Generator struct {
	cred     *azblob.SharedKeyCredential
	expiry   time.Duration
	protocol sas.Protocol
	now      func() time.Time
}

type Option func(*Generator)

// WithExpiry overrides DefaultExpiry.
func WithExpiry(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.expiry = d
		}
	}
}

// WithClock replaces time.Now, used to pin the issuance time.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithInsecureHTTP allows tokens to be used over plain HTTP, needed for local storage emulators.
func WithInsecureHTTP() Option {
	return func(g *Generator) {
		g.protocol = sas.ProtocolHTTPSandHTTP
	}
}

func New(cred *azblob.SharedKeyCredential, opts ...Option) (*Generator, error) {
	if cred == nil {
		return nil, errors.New("shared key credential is required")
	}

	g := &Generator{
		cred:     cred,
		expiry:   DefaultExpiry,
		protocol: sas.ProtocolHTTPS,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// Expiry returns the validity window of generated tokens.
func (g *Generator) Expiry() time.Duration {
	return g.expiry
}

// Generate signs a token granting perm on exactly one blob, expiring one window from now.
func (g *Generator) Generate(containerName, blobName string, perm Permission) (Token, error) {
	perms, err := perm.blobPermissions()
	if err != nil {
		return Token{}, err
	}

	expiresOn := g.now().UTC().Add(g.expiry).Truncate(time.Second)

	qp, err := sas.BlobSignatureValues{
		Protocol:      g.protocol,
		ExpiryTime:    expiresOn,
		Permissions:   perms.String(),
		ContainerName: containerName,
		BlobName:      blobName,
	}.SignWithSharedKey(g.cred)
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign %s sas for %s/%s: %w", perm, containerName, blobName, err)
	}

	return Token{
		Query:      qp.Encode(),
		Permission: perm,
		ExpiresOn:  expiresOn,
	}, nil
}
