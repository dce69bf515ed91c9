package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// leader record stored under lock:leader:<identity>
// the renewal timestamp is embedded in the value so that a reader can judge
// staleness without trusting the key's own TTL
type LeaderValue struct {
	InstanceID   string
	ConnectionID string
	RenewedAtMs  int64
}

func (v LeaderValue) String() string {
	return v.InstanceID + ":" + v.ConnectionID + ":" + strconv.FormatInt(v.RenewedAtMs, 10)
}

// parses instanceId:connectionId:epochMs from the right, instance ids may contain ':'
func ParseLeaderValue(raw string) (LeaderValue, error) {
	last := strings.LastIndexByte(raw, ':')
	if last <= 0 {
		return LeaderValue{}, fmt.Errorf("%w: leader value %q", ErrMalformedValue, raw)
	}
	ms, err := strconv.ParseInt(raw[last+1:], 10, 64)
	if err != nil {
		return LeaderValue{}, fmt.Errorf("%w: leader value %q", ErrMalformedValue, raw)
	}

	rest := raw[:last]
	mid := strings.LastIndexByte(rest, ':')
	if mid <= 0 || mid == len(rest)-1 {
		return LeaderValue{}, fmt.Errorf("%w: leader value %q", ErrMalformedValue, raw)
	}

	return LeaderValue{
		InstanceID:   rest[:mid],
		ConnectionID: rest[mid+1:],
		RenewedAtMs:  ms,
	}, nil
}

func (v LeaderValue) RenewedAt() time.Time {
	return time.UnixMilli(v.RenewedAtMs)
}

// age of the record relative to nowMs
func (v LeaderValue) Age(nowMs int64) time.Duration {
	return time.Duration(nowMs-v.RenewedAtMs) * time.Millisecond
}

// a record is stale once its last renewal is older than the dead threshold
func (v LeaderValue) IsStale(nowMs int64, deadThreshold time.Duration) bool {
	return v.Age(nowMs) > deadThreshold
}

// same logical connection on the same instance
func (v LeaderValue) HeldBy(instanceID, connectionID string) bool {
	return v.InstanceID == instanceID && v.ConnectionID == connectionID
}
