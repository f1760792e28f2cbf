package helpers

import (
	"fmt"
	"strings"
)

// NewS3Key constructs the object key of a compiled binary. Binaries are
// grouped per owner and addressed by the script location hash so that a
// renamed script never reuses a stale object.
func NewS3Key(prefix, owner, locationHash string) string {
	owner = strings.ToLower(strings.TrimSpace(owner))
	if owner == "" {
		owner = "_global"
	}
	if prefix == "" {
		return fmt.Sprintf("%s/%s.svbin", owner, locationHash)
	}
	return fmt.Sprintf("%s/%s/%s.svbin", strings.TrimSuffix(prefix, "/"), owner, locationHash)
}
