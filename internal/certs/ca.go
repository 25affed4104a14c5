// Package certs declares the certificate-authority surface the proxy
// consumes. Certificate generation and OS trust-store insertion are
// collaborator concerns implemented outside the core.
package certs

import (
	"context"
	"crypto/tls"
)

// Authority mints leaf certificates for intercepted hosts and manages
// trust of the root in the host keychain.
type Authority interface {
	// Leaf returns a certificate for the host, signed by the root CA.
	// Implementations cache aggressively; the proxy calls this per TLS
	// handshake.
	Leaf(host string) (*tls.Certificate, error)

	// EnsureTrusted makes a best-effort attempt to import the root CA
	// into the platform trust store. Failures are reported but the
	// proxy continues: clients may trust the root out of band.
	EnsureTrusted(ctx context.Context) error
}
