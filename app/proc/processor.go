// Package proc provided command recording, history cleanup loop
// and telegram integration
package proc

import (
	"context"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/umputun/command-feed/app/feed"
	"github.com/umputun/command-feed/app/models"
	"github.com/umputun/command-feed/app/store"
)

// Processor records answered commands to the store and broadcasts them
type Processor struct {
	Conf   *Conf
	Store  store.Engine
	Broker *feed.Broker

	now func() time.Time
}

// Conf for service config yml
type Conf struct {
	System struct {
		MaxKeepInDB     int           `yaml:"max_keep"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
		Concurrent      int           `yaml:"concurrent"`
		MaxRequest      int           `yaml:"max_request"`
		BroadcastBuffer int           `yaml:"broadcast_buffer"`
	} `yaml:"system"`
	Telegram struct {
		Channels      []string `yaml:"channels"`
		SkipTestItems bool     `yaml:"skip_test_items"`
	} `yaml:"telegram"`
}

// Record makes feed item for answered command, saves and publishes it.
// Already stored item (same uuid) is not published again.
func (p *Processor) Record(author models.Author, command, output string, test bool) (models.FeedItem, error) {
	item := models.NewFeedItem(author, command, output, test, p.timeNow())
	log.Printf("[DEBUG] record command usage: user_id=%s, username=%s, command=%s", author.ID, author.Name, command)

	created, err := p.Store.Save(item)
	if err != nil {
		return item, errors.Wrapf(err, "failed to record command %s", command)
	}
	if !created || p.Broker == nil {
		return item, nil
	}

	n := p.Broker.Publish(item)
	log.Printf("[DEBUG] broadcast %s to %d subscribers", item.UUID, n)
	return item, nil
}

// Do activates cleanup loop, keeps up to p.Conf.System.MaxKeepInDB items. Stops on ctx cancel
func (p *Processor) Do(ctx context.Context) {
	p.Conf.SetDefaults()
	log.Printf("[INFO] activate processor, keep %d, interval %v", p.Conf.System.MaxKeepInDB, p.Conf.System.CleanupInterval)

	ticker := time.NewTicker(p.Conf.System.CleanupInterval)
	defer ticker.Stop()

	for {
		p.cleanup()
		select {
		case <-ctx.Done():
			log.Printf("[INFO] processor stopped, %v", ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) cleanup() {
	removed, err := p.Store.RemoveOld(p.Conf.System.MaxKeepInDB)
	if err != nil {
		log.Printf("[WARN] failed to remove old items, %v", err)
		return
	}
	if removed > 0 {
		log.Printf("[DEBUG] removed %d old items", removed)
	}
}

func (p *Processor) timeNow() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// SetDefaults fills unset system values
func (c *Conf) SetDefaults() {
	if c.System.Concurrent == 0 {
		c.System.Concurrent = 8
	}
	if c.System.MaxKeepInDB == 0 {
		c.System.MaxKeepInDB = 5000
	}
	if c.System.CleanupInterval == 0 {
		c.System.CleanupInterval = time.Minute * 10
	}
	if c.System.MaxRequest == 0 {
		c.System.MaxRequest = 100
	}
	if c.System.BroadcastBuffer == 0 {
		c.System.BroadcastBuffer = feed.DefaultBuffer
	}
}
