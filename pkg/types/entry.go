package types

// a value held by the coordination state machine
// expiry is wall-clock epoch ms stamped by the proposer, so every replica
// applying the same log reaches the same verdict
type Entry struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

func (e *Entry) IsExpired(nowMs int64) bool {
	return nowMs >= e.ExpiresAtMs
}
