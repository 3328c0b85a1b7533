// Package uuidgen generates and normalizes the submission-bundle ids
// of spec.md §6.2.
package uuidgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh random (v4) id for a submission bundle.
func New() string {
	return uuid.NewString()
}

// Normalize parses id in any of the forms google/uuid accepts
// (bare, "urn:uuid:...", braced) and reformats it into the standard
// lower-case hyphenated form. It returns "" if id is not a valid
// UUID, mirroring the permissive-input/canonical-output contract
// callers expect from a bundle id sanity check.
func Normalize(id string) string {
	id = strings.TrimSpace(id)
	parsed, err := uuid.Parse(id)
	if err != nil {
		return ""
	}
	return parsed.String()
}
