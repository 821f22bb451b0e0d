// Package validation checks the names used in rule set files.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	// Valid interface name: alphanumeric, dash, underscore, dot (for VLANs), max 15 chars
	interfaceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,15}$`)

	// Valid identifier: alphanumeric, dash, underscore
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// Characters that would break the pf.conf rendering of a name
	reservedChars = []string{"<", ">", "{", "}", "\"", "\n", "\r"}
)

// ValidateInterfaceName validates a network interface name
func ValidateInterfaceName(name string) error {
	if name == "" {
		return fmt.Errorf("interface name cannot be empty")
	}
	if len(name) > 15 {
		return fmt.Errorf("interface name too long (max 15 characters): %s", name)
	}
	if !interfaceNameRegex.MatchString(name) {
		return fmt.Errorf("invalid interface name: %s (must be alphanumeric with -_.)", name)
	}
	return nil
}

// ValidateIdentifier validates a table or pool name. max is the size of
// the name field including its terminating NUL.
func ValidateIdentifier(id string, max int) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) >= max {
		return fmt.Errorf("identifier too long (max %d characters): %s", max-1, id)
	}
	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid identifier: %s (must be alphanumeric with -_)", id)
	}
	return nil
}

// ValidateAnchorPath validates an anchor name: identifiers joined by "/".
func ValidateAnchorPath(path string, max int) error {
	if len(path) >= max {
		return fmt.Errorf("anchor path too long (max %d characters)", max-1)
	}
	for _, part := range strings.Split(path, "/") {
		if !identifierRegex.MatchString(part) {
			return fmt.Errorf("invalid anchor path: %q", path)
		}
	}
	return nil
}

// ValidateLabel validates a rule label: printable text without the
// characters reserved by the pf.conf syntax.
func ValidateLabel(label string, max int) error {
	if len(label) >= max {
		return fmt.Errorf("label too long (max %d characters)", max-1)
	}
	for _, r := range label {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("label contains non-printable character %q", r)
		}
	}
	for _, char := range reservedChars {
		if strings.Contains(label, char) {
			return fmt.Errorf("label contains reserved character %q", char)
		}
	}
	return nil
}
