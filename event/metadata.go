package event

import (
	"fmt"
	"regexp"

	"github.com/c360/devicestreams/errors"
)

// metadataKeyPattern is the system-wide contract for metadata keys: word
// characters and dashes only. Keys are rejected at construction time, before
// a request or envelope can carry them onto a stream.
var metadataKeyPattern = regexp.MustCompile(`^[\w-]+$`)

// ValidateMetadata checks every key of a metadata map against the naming
// contract. A nil or empty map is valid.
func ValidateMetadata(metadata map[string]string) error {
	for key := range metadata {
		if !metadataKeyPattern.MatchString(key) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: key %q does not match %s", errors.ErrInvalidMetadata, key, metadataKeyPattern),
				"event", "ValidateMetadata", "metadata key check")
		}
	}
	return nil
}

// copyMetadata returns a defensive copy so callers cannot mutate an
// envelope's metadata after construction.
func copyMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
