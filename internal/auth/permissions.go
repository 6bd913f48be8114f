package auth

import (
	"slices"
	"strings"
)

// Operator permissions.
const (
	PermGenerate = "certificates:generate"
	PermMail     = "certificates:mail"
	PermView     = "certificates:view"
	PermAll      = "*"
)

// AllPermissions lists the grantable permissions.
var AllPermissions = []string{PermGenerate, PermMail, PermView}

// ParsePermissions splits a comma separated list, dropping blanks and
// duplicates.
func ParsePermissions(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ValidPermission reports whether p can be granted.
func ValidPermission(p string) bool {
	return p == PermAll || slices.Contains(AllPermissions, p)
}

// HasPermission reports whether granted includes want, directly or through
// the wildcard.
func HasPermission(granted []string, want string) bool {
	return slices.Contains(granted, PermAll) || slices.Contains(granted, want)
}
