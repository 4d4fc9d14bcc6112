package harvest

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// DecisionKey builds the natural key for a decision: the decision number
// scoped by chamber. Both parts are required.
func DecisionKey(chamber, number string) (string, error) {
	chamber = strings.TrimSpace(chamber)
	number = strings.TrimSpace(number)
	if chamber == "" || number == "" {
		return "", fmt.Errorf("decision key requires chamber and number (got %q, %q)", chamber, number)
	}
	return fmt.Sprintf("decision/%s/%s", slugify(chamber), number), nil
}

// DocumentKey builds the natural key for a document from its source URL.
func DocumentKey(sourceURL string) (string, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		return "", fmt.Errorf("document key requires a source URL")
	}
	sum := sha256.Sum256([]byte(sourceURL))
	return fmt.Sprintf("document/%x", sum[:8]), nil
}

// ThemeKey builds the natural key for a theme within a chamber.
func ThemeKey(chamber, label string) (string, error) {
	chamber = strings.TrimSpace(chamber)
	label = strings.TrimSpace(label)
	if chamber == "" || label == "" {
		return "", fmt.Errorf("theme key requires chamber and label (got %q, %q)", chamber, label)
	}
	return fmt.Sprintf("theme/%s/%s", slugify(chamber), slugify(label)), nil
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_' || r == '/':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
