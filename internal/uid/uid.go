// Package uid generates and validates ReelStore object identifiers.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// MaxLen is the longest object id accepted from callers.
const MaxLen = 128

var validID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// New generates a 32-character hex object id using crypto/rand.
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms.
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Valid reports whether id is an acceptable caller-assigned object id:
// 1 to MaxLen characters drawn from letters, digits, '.', '_' and '-',
// not starting with '.'. Backends map ids onto paths, where dot names are
// reserved.
func Valid(id string) bool {
	if len(id) == 0 || len(id) > MaxLen {
		return false
	}
	if id[0] == '.' {
		return false
	}
	return validID.MatchString(id)
}
