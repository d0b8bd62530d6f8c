package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Credentials is the Ably credential pair presented in the auth frame.
// The pair is forwarded to the sandboxed CLI; the broker itself only
// fingerprints it for session affinity.
type Credentials struct {
	APIKey      string
	AccessToken string
}

// Digest returns the hex-encoded SHA-256 fingerprint of the credential
// pair. A NUL separator keeps (a, bc) and (ab, c) distinct. The digest
// is used as a registry index, not as a secret.
func Digest(apiKey, accessToken string) string {
	h := sha256.New()
	h.Write([]byte(apiKey))
	h.Write([]byte{0})
	h.Write([]byte(accessToken))
	return hex.EncodeToString(h.Sum(nil))
}

// Digest fingerprints the credential pair.
func (c Credentials) Digest() string {
	return Digest(c.APIKey, c.AccessToken)
}

// Valid reports whether the credentials are structurally usable: a
// non-empty key of the keyName:secret shape and a non-empty token.
// Verifying the pair against the Ably platform is left to the CLI
// inside the container.
func (c Credentials) Valid() bool {
	name, secret, ok := strings.Cut(c.APIKey, ":")
	return ok && name != "" && secret != "" && c.AccessToken != ""
}
