// Package dns validates the DNS-style names used for channels, task locks and
// configuration keys.
package dns

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/drcloud/drcloud/pkg/drerr"
)

// Tag is the validator tag registered by RegisterValidation.
const Tag = "dns"

const maxNameLength = 253

var ldh = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Label reports whether s is a single lowercase letter-digit-hyphen label.
func Label(s string) bool {
	return ldh.MatchString(s)
}

// Name reports whether s is a dot-separated sequence of labels. A single
// trailing dot is accepted.
func Name(s string) bool {
	return Check(s) == nil
}

// Check validates s as a DNS name and describes the first problem found.
func Check(s string) error {
	name := strings.TrimSuffix(s, ".")
	if name == "" {
		return drerr.Validationf("empty DNS name")
	}
	if len(name) > maxNameLength {
		return drerr.Validationf("DNS name %q is longer than %d characters", s, maxNameLength)
	}
	for _, label := range strings.Split(name, ".") {
		if !Label(label) {
			return drerr.Validationf("DNS name %q has invalid label %q", s, label)
		}
	}
	return nil
}

// Path converts a dotted name into slash-separated path components.
func Path(name string) (string, error) {
	if err := Check(name); err != nil {
		return "", err
	}
	return strings.ReplaceAll(strings.TrimSuffix(name, "."), ".", "/"), nil
}

// FromPath converts slash-separated components back into a dotted name.
func FromPath(path string) (string, error) {
	name := strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
	if err := Check(name); err != nil {
		return "", fmt.Errorf("path %q: %w", path, err)
	}
	return name, nil
}

// RegisterValidation installs the "dns" tag on v.
func RegisterValidation(v *validator.Validate) error {
	return v.RegisterValidation(Tag, func(fl validator.FieldLevel) bool {
		return Name(fl.Field().String())
	})
}
