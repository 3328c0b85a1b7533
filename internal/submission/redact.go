package submission

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// saltBytes is the size of a freshly generated salt, matching the
// HMAC-SHA256 block's natural key size.
const saltBytes = 32

// Redactor replaces serial-like strings with an HMAC-SHA256 digest
// keyed by a local salt, per spec.md §6.2's privacy requirement. The
// salt is generated fresh per bundle and never written anywhere but
// the caller-chosen salt file, which the caller is responsible for
// discarding once the bundle has been handed off (it is not part of
// the bundle's own file set and must not be persisted in the
// committed tree).
type Redactor struct {
	key []byte
}

// NewRedactor generates a fresh random salt and returns a Redactor
// keyed on it, plus the raw salt bytes so the caller can write them to
// a local-only salt file.
func NewRedactor() (*Redactor, []byte, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("submission: generating salt: %w", err)
	}
	return &Redactor{key: salt}, salt, nil
}

// RedactorFromSaltFile loads a salt previously written by NewRedactor
// from path, for reusing the same redaction across a probe/bench/
// bundle pipeline run in separate processes.
func RedactorFromSaltFile(path string) (*Redactor, error) {
	salt, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("submission: reading salt file: %w", err)
	}
	return &Redactor{key: salt}, nil
}

// WriteSaltFile writes salt to path with owner-only permissions. The
// caller is responsible for removing it once the bundle is complete.
func WriteSaltFile(path string, salt []byte) error {
	return os.WriteFile(path, salt, 0o600)
}

// Redact returns the hex HMAC-SHA256 of s under the Redactor's salt.
// An empty input redacts to "", so an absent serial number stays
// absent rather than becoming a spurious-looking digest.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return ""
	}
	mac := hmac.New(sha256.New, r.key)
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))
}
