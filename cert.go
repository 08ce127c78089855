package relink

import (
	"fmt"
	"os"
)

// DefaultCABundle is the certificate bundle used when no explicit CA
// path is configured.
const DefaultCABundle = "/etc/ssl/certs/ca-certificates.crt"

// LoadCertificate reads a PEM certificate bundle from path, falling back
// to the system bundle when path is empty.
func LoadCertificate(path string) ([]byte, error) {
	if path == "" {
		path = DefaultCABundle
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relink: read certificate %s: %w", path, err)
	}
	return pem, nil
}
