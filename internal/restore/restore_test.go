package restore_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/waloy/waloy/internal/codec"
	"github.com/waloy/waloy/internal/manifest"
	"github.com/waloy/waloy/internal/objectstore"
	"github.com/waloy/waloy/internal/restore"
)

// writeGeneration drives a real SQLite database through a table creation
// and some inserts to produce genuine snapshot and WAL bytes, then ships
// them to store under genID as one segment. The segment body is the whole
// -wal file, WAL header included.
func writeGeneration(t *testing.T, store *objectstore.LocalStore, genID string, createdAtMS int64, rows []string) {
	t.Helper()
	ctx := context.Background()
	pipe := codec.New(codec.CompressionNone, "")

	dbPath := filepath.Join(t.TempDir(), "src.db")
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL", dbPath))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE items (value TEXT)")
	require.NoError(t, err)

	for _, v := range rows {
		_, err := db.Exec("INSERT INTO items (value) VALUES (?)", v)
		require.NoError(t, err)
	}

	walBytes, err := os.ReadFile(dbPath + "-wal")
	require.NoError(t, err)

	// Snapshot the main database file as it is now. No checkpoint has run,
	// so the table and its rows exist only in the WAL read above.
	snapshotBytes, err := os.ReadFile(dbPath)
	require.NoError(t, err)

	manifestObj := &manifest.Manifest{CreatedAtMS: createdAtMS, SnapshotSize: int64(len(snapshotBytes))}
	rec := manifestObj.AppendSegment(int64(len(walBytes)), int64(len(walBytes)), createdAtMS)

	encodedSnapshot, err := pipe.Encode(snapshotBytes)
	require.NoError(t, err)
	encodedWAL, err := pipe.Encode(walBytes)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, genID+"/snapshot", encodedSnapshot))
	require.NoError(t, store.Put(ctx, fmt.Sprintf("%s/wal/%d", genID, rec.Index), encodedWAL))

	mb, err := manifestObj.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, genID+"/manifest.json", mb))
}

func TestRestoreReconstructsRows(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	pipe := codec.New(codec.CompressionNone, "")

	writeGeneration(t, store, "gen-1", time.Now().UnixMilli(), []string{"a", "b", "c"})
	require.NoError(t, store.Put(ctx, "latest", []byte("gen-1")))

	dest := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, restore.Restore(ctx, store, pipe, dest))

	db, err := sql.Open("sqlite3", dest)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM items").Scan(&count))
	require.Equal(t, 3, count)
}

func TestRestoreToTimeWithNoEarlierGenerationFails(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	pipe := codec.New(codec.CompressionNone, "")

	writeGeneration(t, store, "gen-1", time.Now().UnixMilli(), []string{"a"})
	require.NoError(t, store.Put(ctx, "latest", []byte("gen-1")))

	dest := filepath.Join(t.TempDir(), "restored.db")
	err = restore.RestoreToTime(ctx, store, pipe, 1, dest)
	require.Error(t, err)
}
