// Package models contains DAO objects
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// FeedItem presents a single answered command
type FeedItem struct {
	UUID          string `json:"item_uuid"`
	Timestamp     string `json:"timestamp"`
	AuthorID      string `json:"author_id"`
	AuthorName    string `json:"author_name"`
	CommandName   string `json:"command_name"`
	CommandOutput string `json:"command_output"`
	TestItem      bool   `json:"test_item"`
}

// Author presents a user who issued commands
type Author struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Commands int    `json:"commands"`
	LastSeen string `json:"last_seen"`
}

// NewFeedItem makes item with a fresh uuid, timestamp in RFC3339 UTC
func NewFeedItem(author Author, command, output string, test bool, now time.Time) FeedItem {
	return FeedItem{
		UUID:          uuid.NewString(),
		Timestamp:     now.UTC().Format(time.RFC3339),
		AuthorID:      author.ID,
		AuthorName:    author.Name,
		CommandName:   command,
		CommandOutput: output,
		TestItem:      test,
	}
}

// Validate checks required fields and formats
func (f FeedItem) Validate() error {
	switch {
	case f.UUID == "":
		return errors.New("empty item_uuid")
	case f.Timestamp == "":
		return errors.New("empty timestamp")
	case f.AuthorID == "":
		return errors.New("empty author_id")
	case f.CommandName == "":
		return errors.New("empty command_name")
	}
	if _, err := uuid.Parse(f.UUID); err != nil {
		return errors.Wrapf(err, "invalid item_uuid %q", f.UUID)
	}
	if _, err := f.Time(); err != nil {
		return err
	}
	return nil
}

// Time parses timestamp
func (f FeedItem) Time() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, f.Timestamp)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid timestamp %q", f.Timestamp)
	}
	return t, nil
}

// TestFilter defines how test items are selected
type TestFilter string

// enum of test filters
const (
	TestInclude TestFilter = "include"
	TestExclude TestFilter = "exclude"
	TestOnly    TestFilter = "only"
)

// ParseTestFilter converts text to TestFilter, empty string means include
func ParseTestFilter(s string) (TestFilter, error) {
	switch TestFilter(strings.ToLower(strings.TrimSpace(s))) {
	case "", TestInclude:
		return TestInclude, nil
	case TestExclude:
		return TestExclude, nil
	case TestOnly:
		return TestOnly, nil
	}
	return TestInclude, errors.Errorf("unknown test filter %q", s)
}

// Match reports if item passes the filter
func (t TestFilter) Match(item FeedItem) bool {
	switch t {
	case TestExclude:
		return !item.TestItem
	case TestOnly:
		return item.TestItem
	default:
		return true
	}
}
