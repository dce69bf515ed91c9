package types

import (
	"fmt"
	"strings"
)

// session lock value stored under lock:session:<connectionId>
// the owner prefix identifies the host/process group, the fencing token one
// specific acquisition. a stale holder's token never matches a newer value,
// even when the owner prefix does
type LockValue struct {
	OwnerPrefix  string
	FencingToken string
}

func (v LockValue) String() string {
	return v.OwnerPrefix + ":" + v.FencingToken
}

// parses ownerPrefix:fencingToken
// the owner prefix may itself contain ':', the token never does
func ParseLockValue(raw string) (LockValue, error) {
	i := strings.LastIndexByte(raw, ':')
	if i <= 0 || i == len(raw)-1 {
		return LockValue{}, fmt.Errorf("%w: lock value %q", ErrMalformedValue, raw)
	}
	return LockValue{
		OwnerPrefix:  raw[:i],
		FencingToken: raw[i+1:],
	}, nil
}

// owner prefix of a raw value, or "" when the value has none
func OwnerPrefixOf(raw string) string {
	v, err := ParseLockValue(raw)
	if err != nil {
		return ""
	}
	return v.OwnerPrefix
}
