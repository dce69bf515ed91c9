package types

import (
	"fmt"
	"strings"
)

const (
	SessionKeyPrefix = "lock:session:"
	LeaderKeyPrefix  = "lock:leader:"
)

func SessionKey(connectionID string) string {
	return SessionKeyPrefix + connectionID
}

func LeaderKey(identity string) string {
	return LeaderKeyPrefix + identity
}

// ValidateConnectionID rejects ids that cannot round-trip through a leader
// record: the connection id sits between two ':' separators there.
func ValidateConnectionID(id string) error {
	if id == "" || strings.ContainsRune(id, ':') {
		return fmt.Errorf("%w: %q", ErrInvalidConnectionID, id)
	}
	return nil
}
