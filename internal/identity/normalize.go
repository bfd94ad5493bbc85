package identity

import (
	"regexp"
	"strings"

	kerrors "github.com/harunnryd/kanri/internal/errors"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// Normalize strips formatting from a phone number and checks it is E.164.
// "+1 (555) 123-4567" becomes "+15551234567". A missing leading "+" is an
// error, not something to guess.
func Normalize(raw string) (string, error) {
	stripped := strings.Map(func(r rune) rune {
		if r == '+' || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, raw)

	if !e164.MatchString(stripped) {
		return "", kerrors.InvalidInput("identity.Normalize", "not an E.164 number")
	}
	return stripped, nil
}

// Valid reports whether s is already normalized.
func Valid(s string) bool {
	return e164.MatchString(s)
}
