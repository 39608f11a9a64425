// Package utils holds small helpers shared by the hierall packages.
package utils

// NormalizeIdentifier converts a name (job IDs, rendezvous tags, stream names)
// to a valid identifier: only letters, digits, and underscores are allowed.
//
// Invalid characters are replaced with underscores.
// If the name starts with a digit, it is prefixed with an underscore.
func NormalizeIdentifier(name string) string {
	if name == "" {
		return ""
	}
	result := make([]rune, 0, len(name)+1)
	if name[0] >= '0' && name[0] <= '9' {
		result = append(result, '_')
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			result = append(result, r)
		default:
			result = append(result, '_')
		}
	}
	return string(result)
}
