// ABOUTME: Agent identity type and wire-format validation.
// ABOUTME: Identities are three groups of three digits, e.g. 042-118-907.

package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidFormat indicates an identity that does not match NNN-NNN-NNN.
var ErrInvalidFormat = errors.New("invalid identity format")

// temporaryGroup is the first group reserved for non-persisted identities.
const temporaryGroup = "999"

var pattern = regexp.MustCompile(`^\d{3}-\d{3}-\d{3}$`)

// Identity is the durable logical name of an agent.
type Identity string

// Parse validates s and returns it as an Identity.
func Parse(s string) (Identity, error) {
	if !pattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	return Identity(s), nil
}

// Valid reports whether s is a well-formed identity.
func Valid(s string) bool {
	return pattern.MatchString(s)
}

// Temporary reports whether the identity was issued as a non-persisted fallback.
func (id Identity) Temporary() bool {
	return strings.HasPrefix(string(id), temporaryGroup+"-")
}

func (id Identity) String() string {
	return string(id)
}

func format(a, b, c int) Identity {
	return Identity(fmt.Sprintf("%03d-%03d-%03d", a, b, c))
}
