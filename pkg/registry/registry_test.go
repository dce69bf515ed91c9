package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pixperk/sessionward/pkg/clock"
	"github.com/pixperk/sessionward/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func backends(t *testing.T, c clock.Clock) map[string]Registry {
	t.Helper()

	b, err := OpenBolt(filepath.Join(t.TempDir(), "registry", "conns.db"), c)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return map[string]Registry{
		"bolt":   b,
		"memory": NewMemory(c),
	}
}

// TestRegistryCRUD runs the same lifecycle against every implementation
func TestRegistryCRUD(t *testing.T) {
	c := clock.NewManual(epoch)
	ctx := context.Background()

	for name, r := range backends(t, c) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, r.Put(ctx, Connection{ID: "conn-b", Identity: "+2222"}))
			require.NoError(t, r.Put(ctx, Connection{ID: "conn-a", Identity: "+1111", Status: StatusActive}))
			require.NoError(t, r.Put(ctx, Connection{ID: "conn-c", Identity: "+1111", Status: StatusInactive}))

			got, err := r.Get(ctx, "conn-b")
			require.NoError(t, err)
			assert.Equal(t, StatusActive, got.Status, "status defaults to active")
			assert.Equal(t, "+2222", got.Identity)
			assert.True(t, got.UpdatedAt.Equal(epoch))

			act, err := r.ListActive(ctx)
			require.NoError(t, err)
			require.Len(t, act, 2)
			assert.Equal(t, "conn-a", act[0].ID)
			assert.Equal(t, "conn-b", act[1].ID)

			require.NoError(t, r.SetStatus(ctx, "conn-a", StatusDisconnected))
			act, err = r.ListActive(ctx)
			require.NoError(t, err)
			require.Len(t, act, 1)
			assert.Equal(t, "conn-b", act[0].ID)

			all, err := r.List(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 3)

			require.NoError(t, r.Delete(ctx, "conn-b"))
			_, err = r.Get(ctx, "conn-b")
			assert.ErrorIs(t, err, types.ErrConnectionNotFound)
			assert.ErrorIs(t, r.Delete(ctx, "conn-b"), types.ErrConnectionNotFound)
			assert.ErrorIs(t, r.SetStatus(ctx, "conn-b", StatusActive), types.ErrConnectionNotFound)

			assert.Error(t, r.Put(ctx, Connection{}))
		})
	}
}

func TestPutRejectsInvalidIDs(t *testing.T) {
	ctx := context.Background()
	for name, r := range backends(t, clock.NewManual(epoch)) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, r.Put(ctx, Connection{ID: ""}), types.ErrInvalidConnectionID)
			//a ':' would shift the fields of the leader record
			assert.ErrorIs(t, r.Put(ctx, Connection{ID: "wa:5511"}), types.ErrInvalidConnectionID)

			_, err := r.Get(ctx, "wa:5511")
			assert.ErrorIs(t, err, types.ErrConnectionNotFound)
		})
	}
}

func TestBoltSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conns.db")
	ctx := context.Background()

	b, err := OpenBolt(path, nil)
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, Connection{ID: "conn-1", Identity: "+1111"}))
	require.NoError(t, b.Close())

	b, err = OpenBolt(path, nil)
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Get(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "+1111", got.Identity)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Active ")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s)

	_, err = ParseStatus("zombie")
	assert.Error(t, err)
}
