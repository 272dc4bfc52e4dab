package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/umputun/command-feed/app/models"
)

const (
	bucketItems   = "items"
	bucketUUIDs   = "uuids"
	bucketAuthors = "authors"
)

// BoltDB store, items keyed by timestamp and sequence, so cursor order is chronological
type BoltDB struct {
	DB *bolt.DB
}

// NewBoltDB makes persistent boltdb based store
func NewBoltDB(dbFile string) (*BoltDB, error) {
	log.Printf("[INFO] bolt (persistent) store, %s", dbFile)
	if err := os.MkdirAll(path.Dir(dbFile), 0700); err != nil {
		return nil, errors.Wrapf(err, "failed to make directory for %s", dbFile)
	}

	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: 1 * time.Second}) // nolint
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", dbFile)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketItems, bucketUUIDs, bucketAuthors} {
			if _, e := tx.CreateBucketIfNotExists([]byte(name)); e != nil {
				return errors.Wrapf(e, "failed to create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltDB{DB: db}, nil
}

// Save item to items bucket and update author. Returns created=false for already stored uuid
func (b *BoltDB) Save(item models.FeedItem) (created bool, err error) {
	if err = item.Validate(); err != nil {
		return false, err
	}
	ts, _ := item.Time()

	data, err := json.Marshal(&item)
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal item")
	}

	err = b.DB.Update(func(tx *bolt.Tx) error {
		uuids := tx.Bucket([]byte(bucketUUIDs))
		if uuids.Get([]byte(item.UUID)) != nil {
			return nil
		}

		items := tx.Bucket([]byte(bucketItems))
		seq, e := items.NextSequence()
		if e != nil {
			return e
		}
		key := []byte(fmt.Sprintf("%020d-%010d", ts.UnixNano(), seq))

		if e = items.Put(key, data); e != nil {
			return e
		}
		if e = uuids.Put([]byte(item.UUID), key); e != nil {
			return e
		}
		created = true
		return b.updateAuthor(tx, item, ts)
	})
	if err != nil {
		return false, errors.Wrapf(err, "failed to save %s", item.UUID)
	}

	if created {
		log.Printf("[DEBUG] saved item %s, command %q by %s", item.UUID, item.CommandName, item.AuthorID)
	}
	return created, nil
}

func (b *BoltDB) updateAuthor(tx *bolt.Tx, item models.FeedItem, ts time.Time) error {
	bucket := tx.Bucket([]byte(bucketAuthors))

	author := models.Author{ID: item.AuthorID}
	if v := bucket.Get([]byte(item.AuthorID)); v != nil {
		if err := json.Unmarshal(v, &author); err != nil {
			log.Printf("[WARN] failed to unmarshal author %s, %v", item.AuthorID, err)
		}
	}

	author.Name = item.AuthorName
	author.Commands++
	if last, err := time.Parse(time.RFC3339, author.LastSeen); err != nil || ts.After(last) {
		author.LastSeen = item.Timestamp
	}

	data, err := json.Marshal(&author)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(item.AuthorID), data)
}

// Recent returns up to count latest items, newest first
func (b *BoltDB) Recent(count int, filter models.TestFilter) ([]models.FeedItem, error) {
	res := []models.FeedItem{}
	if count <= 0 {
		return res, nil
	}

	err := b.DB.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketItems)).Cursor()
		for k, v := c.Last(); k != nil && len(res) < count; k, v = c.Prev() {
			item := models.FeedItem{}
			if err := json.Unmarshal(v, &item); err != nil {
				log.Printf("[WARN] failed to unmarshal, %v", err)
				continue
			}
			if !filter.Match(item) {
				continue
			}
			res = append(res, item)
		}
		return nil
	})
	return res, err
}

// Get item by uuid
func (b *BoltDB) Get(uuid string) (models.FeedItem, error) {
	item := models.FeedItem{}
	err := b.DB.View(func(tx *bolt.Tx) error {
		key := tx.Bucket([]byte(bucketUUIDs)).Get([]byte(uuid))
		if key == nil {
			return ErrNotFound
		}
		v := tx.Bucket([]byte(bucketItems)).Get(key)
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &item)
	})
	return item, err
}

// Authors returns all known authors, ordered by id
func (b *BoltDB) Authors() ([]models.Author, error) {
	res := []models.Author{}
	err := b.DB.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAuthors)).ForEach(func(k, v []byte) error {
			author := models.Author{}
			if err := json.Unmarshal(v, &author); err != nil {
				log.Printf("[WARN] failed to unmarshal author %s, %v", string(k), err)
				return nil
			}
			res = append(res, author)
			return nil
		})
	})
	return res, err
}

// RemoveOld removes old items, keeps up to keep latest. Zero or negative keep disables removal
func (b *BoltDB) RemoveOld(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	deleted := 0
	err := b.DB.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket([]byte(bucketItems))
		uuids := tx.Bucket([]byte(bucketUUIDs))

		total := 0
		c := items.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			total++
		}
		if total <= keep {
			return nil
		}

		type kv struct {
			key  []byte
			uuid string
		}
		victims := make([]kv, 0, total-keep)
		for k, v := c.First(); k != nil && len(victims) < total-keep; k, v = c.Next() {
			item := models.FeedItem{}
			if err := json.Unmarshal(v, &item); err != nil {
				log.Printf("[WARN] failed to unmarshal, %v", err)
			}
			victims = append(victims, kv{key: append([]byte{}, k...), uuid: item.UUID})
		}

		for _, vic := range victims {
			if err := items.Delete(vic.key); err != nil {
				return err
			}
			if vic.uuid != "" {
				if err := uuids.Delete([]byte(vic.uuid)); err != nil {
					return err
				}
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Close bolt db
func (b *BoltDB) Close() error {
	return b.DB.Close()
}
