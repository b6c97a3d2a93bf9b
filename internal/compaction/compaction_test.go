package compaction_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waloy/waloy/internal/codec"
	"github.com/waloy/waloy/internal/common"
	"github.com/waloy/waloy/internal/compaction"
	"github.com/waloy/waloy/internal/manifest"
	"github.com/waloy/waloy/internal/objectstore"
)

func putGeneration(t *testing.T, store *objectstore.LocalStore, gen common.GenerationID, createdAtMS int64, pipe codec.Pipeline, segmentPayloads [][]byte) {
	t.Helper()
	ctx := context.Background()

	m := &manifest.Manifest{GenerationID: gen, CreatedAtMS: createdAtMS}
	for _, payload := range segmentPayloads {
		rec := m.AppendSegment(int64(len(payload)), 0, createdAtMS)
		encoded, err := pipe.Encode(payload)
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, fmt.Sprintf("%s/wal/%d", gen, rec.Index), encoded))
	}
	mb, err := m.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, fmt.Sprintf("%s/manifest.json", gen), mb))
}

func TestCompactFusesSegmentsAndPreservesBytes(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	pipe := codec.New(codec.CompressionZstd, "")

	payloads := [][]byte{[]byte("aaaa"), []byte("bb"), []byte("cccccc"), []byte("d")}
	putGeneration(t, store, "gen-1", 1000, pipe, payloads)

	require.NoError(t, compaction.Compact(ctx, store, pipe, "gen-1", "gen-current", 2))

	raw, err := store.Get(ctx, "gen-1/manifest.json")
	require.NoError(t, err)
	m, err := manifest.Unmarshal(raw)
	require.NoError(t, err)
	require.LessOrEqual(t, len(m.Segments), 2)

	objs, err := store.List(ctx, "gen-1/wal/")
	require.NoError(t, err)
	require.Len(t, objs, len(m.Segments))

	var fused []byte
	for _, o := range objs {
		body, err := store.Get(ctx, o.Key)
		require.NoError(t, err)
		decoded, err := pipe.Decode(body)
		require.NoError(t, err)
		fused = append(fused, decoded...)
	}
	require.Equal(t, "aaaabbccccccd", string(fused))
}

func TestCompactRefusesCurrentGeneration(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	pipe := codec.New(codec.CompressionNone, "")

	putGeneration(t, store, "gen-1", 1000, pipe, [][]byte{[]byte("x")})

	err = compaction.Compact(ctx, store, pipe, "gen-1", "gen-1", 1)
	require.Error(t, err)
}

func TestEnforceRetentionPrunesOldGenerationsOnly(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	pipe := codec.New(codec.CompressionNone, "")

	oldMS := time.Now().Add(-48 * time.Hour).UnixMilli()
	recentMS := time.Now().Add(-time.Minute).UnixMilli()

	putGeneration(t, store, "gen-old", oldMS, pipe, [][]byte{[]byte("x")})
	putGeneration(t, store, "gen-recent", recentMS, pipe, [][]byte{[]byte("y")})
	putGeneration(t, store, "gen-current", oldMS, pipe, [][]byte{[]byte("z")})
	require.NoError(t, store.Put(ctx, "latest", []byte("gen-current")))

	pruned, err := compaction.EnforceRetention(ctx, store, 24*time.Hour, "gen-current")
	require.NoError(t, err)
	require.Equal(t, 1, pruned)

	_, err = store.Get(ctx, "gen-old/manifest.json")
	require.Error(t, err)

	_, err = store.Get(ctx, "gen-recent/manifest.json")
	require.NoError(t, err)

	_, err = store.Get(ctx, "gen-current/manifest.json")
	require.NoError(t, err, "current generation must never be pruned even if it is old")
}

func TestEnforceRetentionUsesLastSegmentTimestampNotCreationTimestamp(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	pipe := codec.New(codec.CompressionNone, "")

	oldMS := time.Now().Add(-48 * time.Hour).UnixMilli()
	recentMS := time.Now().Add(-time.Minute).UnixMilli()

	// gen-longlived was created outside the retention window, but has
	// kept shipping segments; its last segment's timestamp is recent.
	m := &manifest.Manifest{GenerationID: "gen-longlived", CreatedAtMS: oldMS}
	first := m.AppendSegment(int64(len("x")), 0, oldMS)
	encodedFirst, err := pipe.Encode([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "gen-longlived/wal/"+first.Key, encodedFirst))
	last := m.AppendSegment(int64(len("y")), 0, recentMS)
	encodedLast, err := pipe.Encode([]byte("y"))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "gen-longlived/wal/"+last.Key, encodedLast))
	mb, err := m.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "gen-longlived/manifest.json", mb))

	putGeneration(t, store, "gen-current", oldMS, pipe, [][]byte{[]byte("z")})
	require.NoError(t, store.Put(ctx, "latest", []byte("gen-current")))

	pruned, err := compaction.EnforceRetention(ctx, store, 24*time.Hour, "gen-current")
	require.NoError(t, err)
	require.Equal(t, 0, pruned)

	_, err = store.Get(ctx, "gen-longlived/manifest.json")
	require.NoError(t, err, "a generation with a recent last segment must not be pruned on creation time alone")
}
