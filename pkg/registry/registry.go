// Package registry persists the connections this fleet is expected to run and
// their declared status. The orphan scanner reads it to find active
// connections nobody owns.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Status string

const (
	StatusActive       Status = "active"
	StatusInactive     Status = "inactive"
	StatusDisconnected Status = "disconnected"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusInactive, StatusDisconnected:
		return st, nil
	default:
		return "", fmt.Errorf("unknown connection status %q", s)
	}
}

type Connection struct {
	ID string `json:"id"`
	// external identity shared by every connection that may lead it
	Identity  string    `json:"identity"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Registry interface {
	List(ctx context.Context) ([]Connection, error)
	ListActive(ctx context.Context) ([]Connection, error)
	Get(ctx context.Context, id string) (Connection, error)
	Put(ctx context.Context, c Connection) error
	SetStatus(ctx context.Context, id string, status Status) error
	Delete(ctx context.Context, id string) error
}

func active(all []Connection) []Connection {
	out := all[:0]
	for _, c := range all {
		if c.Status == StatusActive {
			out = append(out, c)
		}
	}
	return out
}

func sortByID(cs []Connection) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}
