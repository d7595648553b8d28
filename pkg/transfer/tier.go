package transfer

import (
	"fmt"
	"path/filepath"
	"strings"

	"blobmover/pkg/models"
)

var tiers = map[string]string{
	"hot":     "Hot",
	"cool":    "Cool",
	"archive": "Archive",
}

// NormalizeTier maps a tier name in any case to Hot, Cool or Archive
func NormalizeTier(tier string) (string, error) {
	normalized, ok := tiers[strings.ToLower(strings.TrimSpace(tier))]
	if !ok {
		return "", models.ConfigurationError("normalize tier",
			fmt.Errorf("%w: %q, expected hot, cool or archive", models.ErrInvalidTier, tier))
	}
	return normalized, nil
}

// StagingPath returns where an object is staged locally. Separators in the
// object name become subdirectories. Empty, "." and ".." segments are rejected
// so that distinct object names never share a staged file.
func StagingPath(root, objectName string) (string, error) {
	for _, segment := range strings.Split(objectName, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("object name %q cannot be staged locally", objectName)
		}
	}
	path := filepath.Join(root, filepath.FromSlash(objectName))
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("object name %q escapes the staging folder", objectName)
	}
	return path, nil
}
