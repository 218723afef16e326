// Package boltstore keeps management subsystem state in a bbolt file so that
// a deployment made by one process can be torn down by another.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/balaji-balu/margo-testhost/internal/webhost"
)

const (
	sitesBucket = "sites"
	poolsBucket = "apppools"
)

type Store struct {
	db *bolt.DB

	// FailApply injects a commit failure.
	FailApply error
}

func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", webhost.ErrUnavailable, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(sitesBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(poolsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init buckets: %w", webhost.ErrUnavailable, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Open(ctx context.Context) (webhost.Session, error) {
	return webhost.NewStagedSession(s), nil
}

func (s *Store) LoadSite(ctx context.Context, name string) (webhost.Site, error) {
	var site webhost.Site
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(sitesBucket)).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("site %q: %w", name, webhost.ErrNotFound)
		}
		return json.Unmarshal(v, &site)
	})
	return site, err
}

func (s *Store) LoadPool(ctx context.Context, name string) (webhost.ApplicationPool, error) {
	var pool webhost.ApplicationPool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(poolsBucket)).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("application pool %q: %w", name, webhost.ErrNotFound)
		}
		return json.Unmarshal(v, &pool)
	})
	return pool, err
}

func (s *Store) NextSiteID(ctx context.Context) (int64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = tx.Bucket([]byte(sitesBucket)).NextSequence()
		return err
	})
	return int64(id), err
}

// Apply replays changes inside a single bolt transaction; any failing
// change rolls the whole batch back.
func (s *Store) Apply(ctx context.Context, changes []webhost.Change) error {
	if s.FailApply != nil {
		return s.FailApply
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		catalog, err := loadCatalog(tx)
		if err != nil {
			return err
		}
		if err := catalog.Apply(changes); err != nil {
			return err
		}
		return storeCatalog(tx, catalog)
	})
}

func (s *Store) StopPool(ctx context.Context, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(poolsBucket))
		v := b.Get([]byte(name))
		if v == nil {
			return fmt.Errorf("application pool %q: %w", name, webhost.ErrNotFound)
		}
		var pool webhost.ApplicationPool
		if err := json.Unmarshal(v, &pool); err != nil {
			return err
		}
		if pool.State == webhost.PoolStopped {
			return nil
		}
		pool.State = webhost.PoolStopped
		data, err := json.Marshal(pool)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), data)
	})
}

func loadCatalog(tx *bolt.Tx) (*webhost.Catalog, error) {
	catalog := webhost.NewCatalog()
	err := tx.Bucket([]byte(sitesBucket)).ForEach(func(k, v []byte) error {
		var site webhost.Site
		if err := json.Unmarshal(v, &site); err != nil {
			return fmt.Errorf("decode site %q: %w", k, err)
		}
		catalog.Sites[site.Name] = site
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = tx.Bucket([]byte(poolsBucket)).ForEach(func(k, v []byte) error {
		var pool webhost.ApplicationPool
		if err := json.Unmarshal(v, &pool); err != nil {
			return fmt.Errorf("decode application pool %q: %w", k, err)
		}
		catalog.Pools[pool.Name] = pool
		return nil
	})
	if err != nil {
		return nil, err
	}
	return catalog, nil
}

// storeCatalog rewrites both buckets. Keys missing from the catalog are
// deleted.
func storeCatalog(tx *bolt.Tx, catalog *webhost.Catalog) error {
	sites := tx.Bucket([]byte(sitesBucket))
	if err := prune(sites, func(k string) bool { _, ok := catalog.Sites[k]; return ok }); err != nil {
		return err
	}
	for name, site := range catalog.Sites {
		data, err := json.Marshal(site)
		if err != nil {
			return err
		}
		if err := sites.Put([]byte(name), data); err != nil {
			return err
		}
	}

	pools := tx.Bucket([]byte(poolsBucket))
	if err := prune(pools, func(k string) bool { _, ok := catalog.Pools[k]; return ok }); err != nil {
		return err
	}
	for name, pool := range catalog.Pools {
		data, err := json.Marshal(pool)
		if err != nil {
			return err
		}
		if err := pools.Put([]byte(name), data); err != nil {
			return err
		}
	}
	return nil
}

func prune(b *bolt.Bucket, keep func(string) bool) error {
	var stale [][]byte
	err := b.ForEach(func(k, _ []byte) error {
		if !keep(string(k)) {
			stale = append(stale, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
