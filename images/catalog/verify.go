package catalog

import (
	godigest "github.com/opencontainers/go-digest"
)

// newChecksumVerifier returns a verifier for the catalog's sha256 hex
// checksum, or nil when the catalog supplied none.
func newChecksumVerifier(hexSum string) godigest.Verifier {
	if hexSum == "" {
		return nil
	}
	return godigest.NewDigestFromEncoded(godigest.SHA256, hexSum).Verifier()
}
