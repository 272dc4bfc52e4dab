// Package store keeps command history, implemented for bolt and sqlite
package store

import (
	"github.com/pkg/errors"

	"github.com/umputun/command-feed/app/models"
)

// ErrNotFound returned when item is missing
var ErrNotFound = errors.New("not found")

// Engine defines interface to save and load feed items
type Engine interface {
	Save(item models.FeedItem) (created bool, err error)
	Recent(count int, filter models.TestFilter) ([]models.FeedItem, error)
	Get(uuid string) (models.FeedItem, error)
	Authors() ([]models.Author, error)
	RemoveOld(keep int) (int, error)
	Close() error
}

// New makes engine by type, "bolt" or "sqlite"
func New(engineType, dbFile string) (Engine, error) {
	switch engineType {
	case "", "bolt":
		b, err := NewBoltDB(dbFile)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "sqlite":
		s, err := NewSQLite(dbFile)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, errors.Errorf("unsupported store engine %q", engineType)
}
