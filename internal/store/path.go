package store

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultDataRoot returns the root directory for all fieldscript data.
// Defaults to ~/.fieldscript, falls back to ./.fieldscript if home dir unavailable.
func DefaultDataRoot() string {
	if v := os.Getenv("FIELDSCRIPT_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".fieldscript")
	}
	return filepath.Join(home, ".fieldscript")
}

// ProfilesRoot returns the directory holding one subdirectory per profile.
func ProfilesRoot() string {
	return filepath.Join(DefaultDataRoot(), "profiles")
}

// EncodeProfilePath encodes a profile ID for filesystem use.
// Replaces "/" with "__" for path-style profile IDs.
func EncodeProfilePath(profileID string) string {
	return strings.ReplaceAll(profileID, "/", "__")
}

// DecodeProfilePath decodes an encoded profile path back to a profile ID.
func DecodeProfilePath(encoded string) string {
	return strings.ReplaceAll(encoded, "__", "/")
}

// ProfileDir returns the data directory of a profile.
// Example: ProfileDir("acme/north") -> ~/.fieldscript/profiles/acme__north
func ProfileDir(profileID string) string {
	return filepath.Join(ProfilesRoot(), EncodeProfilePath(profileID))
}

// ProfileDBPath returns the full path to a profile's record database.
func ProfileDBPath(profileID string) string {
	return filepath.Join(ProfileDir(profileID), "records.db")
}

// ProfileIdentityPath returns the path of a profile's identity file.
func ProfileIdentityPath(profileID string) string {
	return filepath.Join(ProfileDir(profileID), "identity.json")
}

// ProfileLogPath returns the path of a profile's rotating log file.
func ProfileLogPath(profileID string) string {
	return filepath.Join(ProfileDir(profileID), "fieldscript.log")
}

// ConfigFilePath returns the path of the optional CLI config file.
func ConfigFilePath() string {
	return filepath.Join(DefaultDataRoot(), "config.yaml")
}
