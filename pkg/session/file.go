package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const fileExt = ".json"

// FileStore keeps one JSON document per user in a directory. Writes go to a
// temp file and are renamed into place so a crash never leaves a torn file.
type FileStore struct {
	dir string
	now func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("session directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("file session store initialized")

	return &FileStore{
		dir:   dir,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (f *FileStore) path(userID string) string {
	return filepath.Join(f.dir, userID+fileExt)
}

func (f *FileStore) lock(userID string) *sync.Mutex {
	f.locksMu.Lock()
	defer f.locksMu.Unlock()
	if l, ok := f.locks[userID]; ok {
		return l
	}
	l := &sync.Mutex{}
	f.locks[userID] = l
	return l
}

// Load implements Store.
func (f *FileStore) Load(ctx context.Context, userID string) (*Session, error) {
	var out *Session
	err := instrument(ctx, "file", "load", userID, func(ctx context.Context) error {
		if err := ValidateUserID(userID); err != nil {
			return err
		}

		l := f.lock(userID)
		l.Lock()
		data, err := os.ReadFile(f.path(userID))
		l.Unlock()

		if errors.Is(err, fs.ErrNotExist) {
			out = New(userID)
			return nil
		}
		if err != nil {
			return persistenceError("load", err)
		}

		decoded, err := decode(userID, data)
		if err != nil {
			return persistenceError("decode", err)
		}
		out = decoded
		return nil
	})
	return out, err
}

// Save implements Store.
func (f *FileStore) Save(ctx context.Context, userID string, sess *Session) error {
	return instrument(ctx, "file", "save", userID, func(ctx context.Context) error {
		if err := ValidateUserID(userID); err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("session is nil")
		}
		return f.write(userID, sess)
	})
}

// Reset implements Store.
func (f *FileStore) Reset(ctx context.Context, userID string) error {
	return instrument(ctx, "file", "reset", userID, func(ctx context.Context) error {
		if err := ValidateUserID(userID); err != nil {
			return err
		}
		return f.write(userID, New(userID))
	})
}

func (f *FileStore) write(userID string, sess *Session) error {
	stamp(userID, sess, f.now())
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return persistenceError("encode", err)
	}

	l := f.lock(userID)
	l.Lock()
	defer l.Unlock()

	target := f.path(userID)
	tmp, err := os.CreateTemp(f.dir, userID+".*.tmp")
	if err != nil {
		return persistenceError("save", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return persistenceError("save", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return persistenceError("save", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return persistenceError("save", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		cleanup()
		return persistenceError("save", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		cleanup()
		return persistenceError("save", err)
	}
	return nil
}

// List implements Store.
func (f *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, persistenceError("list", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (f *FileStore) Close() error {
	return nil
}
