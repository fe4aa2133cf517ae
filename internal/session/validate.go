package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.chirp, so they are kept
// to a small safe alphabet.
var validName = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects session names that cannot serve as directory
// names: empty, too long, or outside [a-z0-9_-].
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use 1-64 of [a-z0-9_-]", name)
	}
	return nil
}
