// Package store locates fieldscript's on-disk data: per-profile record
// databases, identity files and logs.
package store

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidProfileID indicates the profile ID format is invalid.
var ErrInvalidProfileID = errors.New("invalid profile ID: must be lowercase alphanumeric with hyphens, 1-3 path segments")

// profileIDRegex validates profile ID format.
// Format: <segment>[/<segment>]*
// - 1-3 path segments separated by /, e.g. "acme/north-team/van-12"
// - Segments: lowercase alphanumeric and hyphens, 1-64 characters
// - No leading/trailing hyphens
var profileIDRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?(\/[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?){0,2}$`)

// ValidateProfileID validates a profile ID format.
func ValidateProfileID(id string) error {
	if id == "" || len(id) > 194 {
		return ErrInvalidProfileID
	}
	if strings.Contains(id, "--") {
		return ErrInvalidProfileID
	}
	if !profileIDRegex.MatchString(id) {
		return ErrInvalidProfileID
	}
	return nil
}
