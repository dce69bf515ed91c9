package election

import (
	"context"
	"strings"
	"time"

	"github.com/pixperk/sessionward/pkg/clock"
	"github.com/pixperk/sessionward/pkg/types"
)

// one leader record as seen by the diagnostics endpoint
type LeaderInfo struct {
	Identity     string    `json:"identity"`
	InstanceID   string    `json:"instance_id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	RenewedAt    time.Time `json:"renewed_at,omitempty"`
	AgeMs        int64     `json:"age_ms"`
	Stale        bool      `json:"stale"`
	Local        bool      `json:"local"`
	// set when the stored value could not be parsed
	Raw string `json:"raw,omitempty"`
}

// Leaders lists every leader record across identities.
func (e *Election) Leaders(ctx context.Context) ([]LeaderInfo, error) {
	entries, err := e.ks.Scan(ctx, types.LeaderKeyPrefix)
	if err != nil {
		return nil, err
	}

	now := clock.UnixMs(e.clock)
	out := make([]LeaderInfo, 0, len(entries))
	for _, entry := range entries {
		info := LeaderInfo{Identity: strings.TrimPrefix(entry.Key, types.LeaderKeyPrefix)}

		v, err := types.ParseLeaderValue(entry.Value)
		if err != nil {
			info.Raw = entry.Value
			info.Stale = true
			out = append(out, info)
			continue
		}

		info.InstanceID = v.InstanceID
		info.ConnectionID = v.ConnectionID
		info.RenewedAt = v.RenewedAt().UTC()
		info.AgeMs = v.Age(now).Milliseconds()
		info.Stale = v.IsStale(now, e.cfg.DeadThreshold)
		info.Local = v.InstanceID == e.cfg.InstanceID
		out = append(out, info)
	}
	return out, nil
}
