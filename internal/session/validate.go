package session

import "fmt"

// ValidateProfile checks that a profile name is safe to use as a directory
// component: lowercase letters, digits, dash and underscore only.
func ValidateProfile(name string) error {
	if name == "" {
		return fmt.Errorf("profile name is empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("profile name too long (max 64)")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("profile name contains invalid character %q", r)
		}
	}
	return nil
}
