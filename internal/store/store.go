// Package store persists factories and gateways in a single bbolt file.
//
// Deletes are soft: a tombstone timestamp is written and every read filters
// tombstoned rows. The public Factory and Gateway types carry no deletion
// field at all, so a serialized record can never leak it.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/RoninSTi/vibelink/internal/secrets"
)

var (
	bucketFactories = []byte("factories")
	bucketGateways  = []byte("gateways")
)

var (
	// ErrFactoryNotFound is returned when a factory id does not resolve to a
	// live record.
	ErrFactoryNotFound = errors.New("factory not found")

	// ErrGatewayNotFound is returned when a gateway id does not resolve to a
	// live record.
	ErrGatewayNotFound = errors.New("gateway not found")
)

// Factory is a plant site that groups gateways.
type Factory struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Location  string            `json:"location,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Gateway is a registered vibration-sensor gateway. Credential holds the
// password encrypted at rest; the plaintext never touches the store.
type Gateway struct {
	ID              string            `json:"id"`
	FactoryID       string            `json:"factory_id"`
	GatewayID       string            `json:"gateway_id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	Email           string            `json:"email"`
	Credential      secrets.Blob      `json:"encrypted_credential"`
	Model           string            `json:"model,omitempty"`
	FirmwareVersion string            `json:"firmware_version,omitempty"`
	LastSeenAt      *time.Time        `json:"last_seen_at,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// factoryRecord and gatewayRecord are the persisted shapes. The tombstone
// lives only here.
type factoryRecord struct {
	Factory
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type gatewayRecord struct {
	Gateway
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Page bounds a list query. Zero values take the defaults.
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Normalized clamps the page into the supported window: limit 1-100
// defaulting to 20, offset at least 0.
func (p Page) Normalized() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Store wraps a bbolt database holding both buckets.
type Store struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// Open opens or creates the database file and ensures both buckets exist.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", dir, err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketFactories, bucketGateways} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
	s.logger.Info().Str("path", path).Msg("Store opened")
	return s, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is readable. Used by health checks.
func (s *Store) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketFactories) == nil || tx.Bucket(bucketGateways) == nil {
			return errors.New("store buckets missing")
		}
		return nil
	})
}

// CreateFactory assigns an id and timestamps and persists the factory.
func (s *Store) CreateFactory(f *Factory) error {
	now := time.Now().UTC()
	f.ID = xid.New().String()
	f.CreatedAt = now
	f.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		return putFactory(tx.Bucket(bucketFactories), factoryRecord{Factory: *f})
	})
}

// GetFactory fetches a live factory by id.
func (s *Store) GetFactory(id string) (Factory, error) {
	var f Factory
	err := s.db.View(func(tx *bolt.Tx) error {
		rec, err := getFactory(tx.Bucket(bucketFactories), id)
		if err != nil {
			return err
		}
		f = rec.Factory
		return nil
	})
	return f, err
}

// UpdateFactory applies fn to the live factory inside one write transaction
// and persists the result. The id, created_at, and tombstone cannot be
// changed by fn.
func (s *Store) UpdateFactory(id string, fn func(*Factory) error) (Factory, error) {
	var out Factory
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFactories)
		rec, err := getFactory(b, id)
		if err != nil {
			return err
		}
		created := rec.CreatedAt
		if err := fn(&rec.Factory); err != nil {
			return err
		}
		rec.ID = id
		rec.CreatedAt = created
		rec.UpdatedAt = time.Now().UTC()
		if err := putFactory(b, rec); err != nil {
			return err
		}
		out = rec.Factory
		return nil
	})
	return out, err
}

// DeleteFactory tombstones a factory. Its gateways keep their records.
func (s *Store) DeleteFactory(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFactories)
		rec, err := getFactory(b, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		rec.DeletedAt = &now
		rec.UpdatedAt = now
		return putFactory(b, rec)
	})
}

// ListFactories returns one page of live factories in creation order plus
// the total count of live factories.
func (s *Store) ListFactories(page Page) ([]Factory, int, error) {
	page = page.Normalized()
	out := []Factory{}
	total := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFactories).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec factoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				s.logger.Warn().Err(err).Str("key", string(k)).Msg("Corrupt factory record skipped")
				continue
			}
			if rec.DeletedAt != nil {
				continue
			}
			if total >= page.Offset && len(out) < page.Limit {
				out = append(out, rec.Factory)
			}
			total++
		}
		return nil
	})
	return out, total, err
}

// CreateGateway assigns an id and timestamps and persists the gateway. The
// referenced factory must exist and be live.
func (s *Store) CreateGateway(g *Gateway) error {
	now := time.Now().UTC()
	g.ID = xid.New().String()
	g.CreatedAt = now
	g.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getFactory(tx.Bucket(bucketFactories), g.FactoryID); err != nil {
			return err
		}
		return putGateway(tx.Bucket(bucketGateways), gatewayRecord{Gateway: *g})
	})
}

// GetGateway fetches a live gateway by id.
func (s *Store) GetGateway(id string) (Gateway, error) {
	var g Gateway
	err := s.db.View(func(tx *bolt.Tx) error {
		rec, err := getGateway(tx.Bucket(bucketGateways), id)
		if err != nil {
			return err
		}
		g = rec.Gateway
		return nil
	})
	return g, err
}

// UpdateGateway applies fn to the live gateway inside one write transaction.
// If fn re-points the gateway at another factory, that factory must be live.
func (s *Store) UpdateGateway(id string, fn func(*Gateway) error) (Gateway, error) {
	var out Gateway
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateways)
		rec, err := getGateway(b, id)
		if err != nil {
			return err
		}
		before := rec.FactoryID
		created := rec.CreatedAt
		if err := fn(&rec.Gateway); err != nil {
			return err
		}
		if rec.FactoryID != before {
			if _, err := getFactory(tx.Bucket(bucketFactories), rec.FactoryID); err != nil {
				return err
			}
		}
		rec.ID = id
		rec.CreatedAt = created
		rec.UpdatedAt = time.Now().UTC()
		if err := putGateway(b, rec); err != nil {
			return err
		}
		out = rec.Gateway
		return nil
	})
	return out, err
}

// DeleteGateway tombstones a gateway.
func (s *Store) DeleteGateway(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateways)
		rec, err := getGateway(b, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		rec.DeletedAt = &now
		rec.UpdatedAt = now
		return putGateway(b, rec)
	})
}

// ListGateways returns one page of live gateways in creation order plus the
// total count. An empty factoryID matches every factory.
func (s *Store) ListGateways(factoryID string, page Page) ([]Gateway, int, error) {
	page = page.Normalized()
	out := []Gateway{}
	total := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketGateways).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec gatewayRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				s.logger.Warn().Err(err).Str("key", string(k)).Msg("Corrupt gateway record skipped")
				continue
			}
			if rec.DeletedAt != nil {
				continue
			}
			if factoryID != "" && rec.FactoryID != factoryID {
				continue
			}
			if total >= page.Offset && len(out) < page.Limit {
				out = append(out, rec.Gateway)
			}
			total++
		}
		return nil
	})
	return out, total, err
}

// AllGateways returns every live gateway. The worker manager uses it at boot.
func (s *Store) AllGateways() ([]Gateway, error) {
	var out []Gateway
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketGateways).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec gatewayRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				s.logger.Warn().Err(err).Str("key", string(k)).Msg("Corrupt gateway record skipped")
				continue
			}
			if rec.DeletedAt != nil {
				continue
			}
			out = append(out, rec.Gateway)
		}
		return nil
	})
	return out, err
}

// TouchLastSeen stamps the gateway's last_seen_at. Workers call it after a
// successful authentication.
func (s *Store) TouchLastSeen(id string, t time.Time) error {
	_, err := s.UpdateGateway(id, func(g *Gateway) error {
		ts := t.UTC()
		g.LastSeenAt = &ts
		return nil
	})
	return err
}

func getFactory(b *bolt.Bucket, id string) (factoryRecord, error) {
	var rec factoryRecord
	v := b.Get([]byte(id))
	if v == nil {
		return rec, ErrFactoryNotFound
	}
	if err := json.Unmarshal(v, &rec); err != nil {
		return rec, fmt.Errorf("decode factory %s: %w", id, err)
	}
	if rec.DeletedAt != nil {
		return rec, ErrFactoryNotFound
	}
	return rec, nil
}

func putFactory(b *bolt.Bucket, rec factoryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode factory %s: %w", rec.ID, err)
	}
	if err := b.Put([]byte(rec.ID), data); err != nil {
		return fmt.Errorf("put factory %s: %w", rec.ID, err)
	}
	return nil
}

func getGateway(b *bolt.Bucket, id string) (gatewayRecord, error) {
	var rec gatewayRecord
	v := b.Get([]byte(id))
	if v == nil {
		return rec, ErrGatewayNotFound
	}
	if err := json.Unmarshal(v, &rec); err != nil {
		return rec, fmt.Errorf("decode gateway %s: %w", id, err)
	}
	if rec.DeletedAt != nil {
		return rec, ErrGatewayNotFound
	}
	return rec, nil
}

func putGateway(b *bolt.Bucket, rec gatewayRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode gateway %s: %w", rec.ID, err)
	}
	if err := b.Put([]byte(rec.ID), data); err != nil {
		return fmt.Errorf("put gateway %s: %w", rec.ID, err)
	}
	return nil
}
