package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pixperk/sessionward/pkg/clock"
	"github.com/pixperk/sessionward/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var connectionsBucket = []byte("connections")

// Bolt keeps one JSON record per connection id in a single bucket
type Bolt struct {
	db    *bolt.DB
	clock clock.Clock
}

var _ Registry = (*Bolt)(nil)

func OpenBolt(path string, c clock.Clock) (*Bolt, error) {
	if c == nil {
		c = clock.System{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	//another process holding the file fails fast instead of blocking forever
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(connectionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db, clock: c}, nil
}

func (b *Bolt) Close() error { return b.db.Close() }

func (b *Bolt) List(ctx context.Context) ([]Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Connection
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(connectionsBucket).ForEach(func(k, v []byte) error {
			var c Connection
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decode connection %s: %w", k, err)
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	//bolt iterates in key order already
	return out, nil
}

func (b *Bolt) ListActive(ctx context.Context) ([]Connection, error) {
	all, err := b.List(ctx)
	if err != nil {
		return nil, err
	}
	return active(all), nil
}

func (b *Bolt) Get(ctx context.Context, id string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return Connection{}, err
	}

	var c Connection
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(connectionsBucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", types.ErrConnectionNotFound, id)
		}
		return json.Unmarshal(raw, &c)
	})
	return c, err
}

func (b *Bolt) Put(ctx context.Context, c Connection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := types.ValidateConnectionID(c.ID); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	c.UpdatedAt = b.clock.Now().UTC()

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(connectionsBucket).Put([]byte(c.ID), data)
	})
}

func (b *Bolt) SetStatus(ctx context.Context, id string, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(connectionsBucket)
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", types.ErrConnectionNotFound, id)
		}

		var c Connection
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		c.Status = status
		c.UpdatedAt = b.clock.Now().UTC()

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), data)
	})
}

func (b *Bolt) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(connectionsBucket)
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", types.ErrConnectionNotFound, id)
		}
		return bucket.Delete([]byte(id))
	})
}
