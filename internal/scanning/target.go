package scanning

import (
	"strings"
	"unicode"

	"github.com/anstrom/portscribe/internal/errors"
)

const maxTargetLength = 253

// ValidateTarget checks that hostname is a single nmap target that is safe
// to use as a transcript file name. It must not be empty, start with '-',
// contain whitespace or path separators, or exceed the DNS name length.
func ValidateTarget(hostname string) error {
	switch {
	case hostname == "":
		return errors.ErrInvalidTarget(hostname).WithContext("reason", "empty")
	case len(hostname) > maxTargetLength:
		return errors.ErrInvalidTarget(hostname).WithContext("reason", "too long")
	case strings.HasPrefix(hostname, "-"):
		return errors.ErrInvalidTarget(hostname).WithContext("reason", "looks like an option")
	case strings.ContainsAny(hostname, `/\`):
		return errors.ErrInvalidTarget(hostname).WithContext("reason", "contains a path separator")
	case hostname == "." || hostname == "..":
		return errors.ErrInvalidTarget(hostname).WithContext("reason", "reserved name")
	}

	for _, r := range hostname {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.ErrInvalidTarget(hostname).WithContext("reason", "contains whitespace")
		}
	}
	return nil
}
