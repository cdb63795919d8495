package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const entryPrefix = "e:"

// LevelDB is a cache persisted across restarts.
type LevelDB struct {
	db *leveldb.DB

	mu    sync.Mutex
	count int
}

// OpenLevelDB opens or creates a cache database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb cache %s: %w", path, err)
	}
	l := &LevelDB{db: db}
	if err := l.loadCount(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *LevelDB) loadCount() error {
	it := l.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return err
	}
	l.count = n
	return nil
}

func (l *LevelDB) Get(key string) (Entry, bool) {
	b, err := l.db.Get([]byte(entryPrefix+key), nil)
	if err != nil {
		return Entry{}, false
	}
	var e Entry
	if err := decodeGob(b, &e); err != nil {
		return Entry{}, false
	}
	return e, true
}

// AddIfAbsent runs has-then-put under a mutex.
func (l *LevelDB) AddIfAbsent(key string, e Entry) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := []byte(entryPrefix + key)
	b, err := l.db.Get(k, nil)
	if err == nil {
		var existing Entry
		if decodeGob(b, &existing) == nil {
			return existing, false
		}
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return e, false
	}

	enc, err := encodeGob(e)
	if err != nil {
		return e, false
	}
	if err := l.db.Put(k, enc, nil); err != nil {
		return e, false
	}
	if b == nil {
		l.count++
	}
	return e, true
}

func (l *LevelDB) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
