package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/waloy/waloy/internal/waloyerr"
)

// LocalStore is a filesystem-backed Store used by tests and by the
// integration harness in place of a real bucket.
type LocalStore struct {
	mu   sync.Mutex
	root string
}

// NewLocalStore roots the store at dir, creating it if necessary.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, waloyerr.Wrap(waloyerr.KindIo, "objectstore.NewLocalStore", err)
	}
	return &LocalStore{root: dir}, nil
}

func (l *LocalStore) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *LocalStore) Put(_ context.Context, key string, body []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return waloyerr.Wrap(waloyerr.KindIo, "objectstore.LocalStore.Put", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return waloyerr.Wrap(waloyerr.KindIo, "objectstore.LocalStore.Put:write", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return waloyerr.Wrap(waloyerr.KindIo, "objectstore.LocalStore.Put:rename", err)
	}
	return nil
}

func (l *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path(key))
	if err != nil {
		return nil, waloyerr.Wrap(waloyerr.KindIo, "objectstore.LocalStore.Get", err)
	}
	return data, nil
}

func (l *LocalStore) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(l.path(key)); err != nil && !os.IsNotExist(err) {
		return waloyerr.Wrap(waloyerr.KindIo, "objectstore.LocalStore.Delete", err)
	}
	return nil
}

func (l *LocalStore) DeleteBatch(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := l.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (l *LocalStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var infos []ObjectInfo
	base := l.path(prefix)
	err := filepath.Walk(l.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(p, ".tmp") {
			return nil
		}
		if !strings.HasPrefix(p, base) {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		infos = append(infos, ObjectInfo{Key: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, waloyerr.Wrap(waloyerr.KindIo, "objectstore.LocalStore.List", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}
