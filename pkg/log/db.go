// SPDX-License-Identifier: GPL-2.0-or-later

package log

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const dbAPIversion = "1"

const defaultMaxKeys = 100000

// ErrDBNotInitialized Init was not called or failed.
var ErrDBNotInitialized = errors.New("log database not initialized")

// NewDB new log database.
func NewDB(dbPath string, wg *sync.WaitGroup) *DB {
	return &DB{
		dbPath:  dbPath,
		maxKeys: defaultMaxKeys,

		wg:     wg,
		saveWG: &sync.WaitGroup{},
	}
}

// DB log database.
type DB struct {
	dbPath  string
	maxKeys int

	db *bolt.DB
	wg *sync.WaitGroup

	// Wait for last log to be saved before closing db.
	saveWG *sync.WaitGroup
}

// Init initialize database.
func (logDB *DB) Init(ctx context.Context) error {
	dbOpts := &bolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bolt.Open(logDB.dbPath, 0o600, dbOpts)
	if err != nil {
		return fmt.Errorf("open database: %w: %v", err, logDB.dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(dbAPIversion))
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("create bucket: %v, %w", dbAPIversion, err)
	}

	logDB.db = db

	logDB.wg.Add(1)
	go func() {
		<-ctx.Done()
		logDB.saveWG.Wait()
		db.Close()
		logDB.wg.Done()
	}()

	return nil
}

// SaveLogs saves logs from the logger into the database.
func (logDB *DB) SaveLogs(ctx context.Context, l *Logger) {
	feed, cancel := l.Subscribe()
	defer cancel()

	logDB.saveWG.Add(1)
	defer logDB.saveWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-feed:
			if err := logDB.saveLog(entry); err != nil {
				fmt.Fprintf(os.Stderr, "could not save log: %v %v\n", entry.Msg, err)
			}
		}
	}
}

func (logDB *DB) saveLog(entry Entry) error {
	if logDB.db == nil {
		return ErrDBNotInitialized
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return logDB.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbAPIversion))

		// Entries with identical timestamps would overwrite each other.
		key := uint64(entry.Time)
		for b.Get(encodeKey(key)) != nil {
			key++
		}

		if b.Stats().KeyN >= logDB.maxKeys {
			if err := deleteFirstKey(b); err != nil {
				return fmt.Errorf("delete first key: %w", err)
			}
		}
		return b.Put(encodeKey(key), value)
	})
}

func deleteFirstKey(b *bolt.Bucket) error {
	k, _ := b.Cursor().First()
	if k == nil {
		return nil
	}
	return b.Delete(k)
}

// Query database query.
type Query struct {
	Levels   []Level
	Time     UnixMicro // Return entries before this time, 0 means now.
	Sources  []string
	Sessions []string
	Limit    int
}

func (q Query) match(entry Entry) bool {
	return LevelInLevels(entry.Level, q.Levels) &&
		StringInStrings(entry.Src, q.Sources) &&
		StringInStrings(entry.Session, q.Sessions)
}

// Query logs in database, newest first.
func (logDB *DB) Query(q Query) ([]Entry, error) {
	if logDB.db == nil {
		return nil, ErrDBNotInitialized
	}
	limit := q.Limit
	if limit == 0 {
		limit = defaultMaxKeys
	}

	var entries []Entry
	err := logDB.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(dbAPIversion)).Cursor()

		var key, value []byte
		if q.Time == 0 {
			key, value = c.Last()
		} else {
			// Seek positions the cursor at the first key >= Time.
			key, _ = c.Seek(encodeKey(uint64(q.Time)))
			if key == nil {
				key, value = c.Last()
			} else {
				key, value = c.Prev()
			}
		}

		for ; key != nil && len(entries) < limit; key, value = c.Prev() {
			var entry Entry
			if err := json.Unmarshal(value, &entry); err != nil {
				return fmt.Errorf("unmarshal entry: %w", err)
			}
			if q.match(entry) {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func encodeKey(key uint64) []byte {
	output := make([]byte, 8)
	binary.BigEndian.PutUint64(output, key)
	return output
}
