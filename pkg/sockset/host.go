package sockset

import (
	"crypto/x509"
)

type Hostname string

// HostnameResolver resolves the name of a peer broker from the
// certificates it presented.
//
// Implementations MUST NOT block, they run on the connection establishment
// path. On failure they return a human-friendly reason as the third value,
// which is sent to the peer so it can debug the error. A non-nil error with
// an empty reason closes the connection with [QErrInternal] instead.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, error, string)

// CommonNameResolver reads the Subject Common Name of the leaf certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, error, string) {
	if len(certs) == 0 {
		return "", ErrHostnameResolve, "it seems like you haven't provided client certificate"
	}
	return Hostname(certs[0].Subject.CommonName), nil, ""
}
