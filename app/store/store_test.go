package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/command-feed/app/models"
)

func engines(t *testing.T) map[string]Engine {
	dir := t.TempDir()
	bdb, err := NewBoltDB(filepath.Join(dir, "test.bdb"))
	require.NoError(t, err)
	sdb, err := NewSQLite(filepath.Join(dir, "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, bdb.Close())
		assert.NoError(t, sdb.Close())
	})
	return map[string]Engine{"bolt": bdb, "sqlite": sdb}
}

func mkItem(author, name, cmd string, test bool, ts time.Time) models.FeedItem {
	return models.NewFeedItem(models.Author{ID: author, Name: name}, cmd, cmd+" output", test, ts)
}

func TestStore_SaveAndGet(t *testing.T) {
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			item := mkItem("42", "testuser", "testcmd", false, time.Now())
			item.CommandOutput = "ok"

			created, err := eng.Save(item)
			require.NoError(t, err)
			assert.True(t, created)

			res, err := eng.Get(item.UUID)
			require.NoError(t, err)
			assert.Equal(t, item, res)

			_, err = eng.Get("4cbbd0c4-8a4b-4a39-9d0e-1c9d1b5a0000")
			assert.Equal(t, ErrNotFound, err)
		})
	}
}

func TestStore_SaveDuplicate(t *testing.T) {
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			item := mkItem("7", "asyncuser", "acmd", false, time.Now())
			created, err := eng.Save(item)
			require.NoError(t, err)
			assert.True(t, created)

			dup := item
			dup.CommandOutput = "changed"
			created, err = eng.Save(dup)
			require.NoError(t, err)
			assert.False(t, created)

			res, err := eng.Get(item.UUID)
			require.NoError(t, err)
			assert.Equal(t, item.CommandOutput, res.CommandOutput)

			authors, err := eng.Authors()
			require.NoError(t, err)
			require.Len(t, authors, 1)
			assert.Equal(t, 1, authors[0].Commands)
		})
	}
}

func TestStore_SaveInvalid(t *testing.T) {
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			item := mkItem("7", "user", "cmd", false, time.Now())
			item.AuthorID = ""
			_, err := eng.Save(item)
			assert.Error(t, err)

			res, err := eng.Recent(10, models.TestInclude)
			require.NoError(t, err)
			assert.Empty(t, res)
		})
	}
}

func TestStore_Recent(t *testing.T) {
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			var saved []models.FeedItem
			for i := 0; i < 10; i++ {
				item := mkItem("1", "user", fmt.Sprintf("cmd%d", i), i%3 == 0, base.Add(time.Duration(i)*time.Minute))
				_, err := eng.Save(item)
				require.NoError(t, err)
				saved = append(saved, item)
			}
			// out of order timestamp lands in the middle
			late := mkItem("1", "user", "late", false, base.Add(150*time.Second))
			_, err := eng.Save(late)
			require.NoError(t, err)

			res, err := eng.Recent(3, models.TestInclude)
			require.NoError(t, err)
			require.Len(t, res, 3)
			assert.Equal(t, "cmd9", res[0].CommandName)
			assert.Equal(t, "cmd8", res[1].CommandName)
			assert.Equal(t, "cmd7", res[2].CommandName)

			res, err = eng.Recent(100, models.TestInclude)
			require.NoError(t, err)
			require.Len(t, res, 11)
			assert.Equal(t, "late", res[7].CommandName)
			assert.Equal(t, saved[0], res[10])

			res, err = eng.Recent(100, models.TestOnly)
			require.NoError(t, err)
			require.Len(t, res, 4)
			for _, r := range res {
				assert.True(t, r.TestItem)
			}

			res, err = eng.Recent(2, models.TestExclude)
			require.NoError(t, err)
			require.Len(t, res, 2)
			assert.Equal(t, "cmd8", res[0].CommandName)
			assert.Equal(t, "cmd7", res[1].CommandName)

			res, err = eng.Recent(0, models.TestInclude)
			require.NoError(t, err)
			assert.Empty(t, res)
		})
	}
}

func TestStore_SameTimestampKeepsInsertOrder(t *testing.T) {
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				_, err := eng.Save(mkItem("1", "user", fmt.Sprintf("cmd%d", i), false, ts))
				require.NoError(t, err)
			}
			res, err := eng.Recent(5, models.TestInclude)
			require.NoError(t, err)
			require.Len(t, res, 5)
			assert.Equal(t, "cmd4", res[0].CommandName)
			assert.Equal(t, "cmd0", res[4].CommandName)
		})
	}
}

func TestStore_Authors(t *testing.T) {
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			_, err := eng.Save(mkItem("2", "alice", "codename", false, base))
			require.NoError(t, err)
			_, err = eng.Save(mkItem("1", "bob", "codename", false, base.Add(time.Hour)))
			require.NoError(t, err)
			_, err = eng.Save(mkItem("2", "alice2", "register", false, base.Add(2*time.Hour)))
			require.NoError(t, err)
			_, err = eng.Save(mkItem("2", "alice3", "help", false, base.Add(time.Minute)))
			require.NoError(t, err)

			authors, err := eng.Authors()
			require.NoError(t, err)
			require.Len(t, authors, 2)
			assert.Equal(t, models.Author{ID: "1", Name: "bob", Commands: 1, LastSeen: "2024-01-01T01:00:00Z"}, authors[0])
			assert.Equal(t, models.Author{ID: "2", Name: "alice3", Commands: 3, LastSeen: "2024-01-01T02:00:00Z"}, authors[1])
		})
	}
}

func TestStore_RemoveOld(t *testing.T) {
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			var first models.FeedItem
			for i := 0; i < 10; i++ {
				item := mkItem("1", "user", fmt.Sprintf("cmd%d", i), false, base.Add(time.Duration(i)*time.Second))
				if i == 0 {
					first = item
				}
				_, err := eng.Save(item)
				require.NoError(t, err)
			}

			removed, err := eng.RemoveOld(0)
			require.NoError(t, err)
			assert.Equal(t, 0, removed)

			removed, err = eng.RemoveOld(20)
			require.NoError(t, err)
			assert.Equal(t, 0, removed)

			removed, err = eng.RemoveOld(4)
			require.NoError(t, err)
			assert.Equal(t, 6, removed)

			res, err := eng.Recent(100, models.TestInclude)
			require.NoError(t, err)
			require.Len(t, res, 4)
			assert.Equal(t, "cmd9", res[0].CommandName)
			assert.Equal(t, "cmd6", res[3].CommandName)

			_, err = eng.Get(first.UUID)
			assert.Equal(t, ErrNotFound, err)

			// removed uuid is free to be saved again
			created, err := eng.Save(first)
			require.NoError(t, err)
			assert.True(t, created)
		})
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	for _, engType := range []string{"bolt", "sqlite"} {
		t.Run(engType, func(t *testing.T) {
			file := filepath.Join(dir, "history."+engType)
			eng, err := New(engType, file)
			require.NoError(t, err)
			item := mkItem("1", "user", "cmd", false, time.Now())
			_, err = eng.Save(item)
			require.NoError(t, err)
			require.NoError(t, eng.Close())

			eng, err = New(engType, file)
			require.NoError(t, err)
			defer eng.Close()
			res, err := eng.Get(item.UUID)
			require.NoError(t, err)
			assert.Equal(t, item, res)
		})
	}
}

func TestStore_New(t *testing.T) {
	_, err := New("mongo", filepath.Join(t.TempDir(), "x.db"))
	assert.EqualError(t, err, `unsupported store engine "mongo"`)
}

func TestBoltDB_FailsOnDirectory(t *testing.T) {
	dir := t.TempDir()
	_, err := NewBoltDB(dir)
	assert.Error(t, err)
}

func TestSQLite_FailsOnInvalidFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad.sqlite")
	require.NoError(t, os.WriteFile(file, []byte("not a sqlite db, just some text that is long enough to hold a header"), 0600))
	_, err := NewSQLite(file)
	assert.Error(t, err)
}
