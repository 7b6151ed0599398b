package content

import (
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const maxZoneLength = 64

var (
	policy    = bluemonday.StrictPolicy()
	zoneRegex = regexp.MustCompile(`^[\p{L}\p{N} ._#-]+$`)
)

// Sanitize strips all HTML from the input. Chat messages are plain text, so
// markup from other clients is dropped before it reaches the view.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// ValidateZone checks that a zone name is non-empty, at most 64 characters
// and made of letters, digits, spaces and . _ # -
func ValidateZone(zone string) error {
	if strings.TrimSpace(zone) == "" {
		return errors.New("zone cannot be empty")
	}
	if utf8.RuneCountInString(zone) > maxZoneLength {
		return fmt.Errorf("zone is longer than %d characters", maxZoneLength)
	}
	if !zoneRegex.MatchString(zone) {
		return errors.New("zone contains invalid characters (allowed: letters, digits, space, dot, dash, underscore, #)")
	}
	return nil
}
