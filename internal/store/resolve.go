package store

import (
	"fmt"
	"os"
)

// ResolveProfile determines the profile ID to use based on priority chain.
// Priority: explicit > FIELDSCRIPT_PROFILE env > "default"
// Returns the resolved profile ID and any validation error.
func ResolveProfile(explicit string) (string, error) {
	if explicit != "" {
		if err := ValidateProfileID(explicit); err != nil {
			return "", fmt.Errorf("invalid profile ID %q: %w", explicit, err)
		}
		return explicit, nil
	}

	if envProfile := os.Getenv("FIELDSCRIPT_PROFILE"); envProfile != "" {
		if err := ValidateProfileID(envProfile); err != nil {
			return "", fmt.Errorf("invalid FIELDSCRIPT_PROFILE %q: %w", envProfile, err)
		}
		return envProfile, nil
	}

	return "default", nil
}
