// Package compaction fuses a generation's WAL segments into fewer,
// larger objects and prunes generations that have aged out of the
// retention window. Both operations are crash-safe: new objects are
// written, and the manifest updated to point at them, before anything
// old is deleted.
package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/waloy/waloy/internal/codec"
	"github.com/waloy/waloy/internal/common"
	"github.com/waloy/waloy/internal/manifest"
	"github.com/waloy/waloy/internal/objectstore"
	"github.com/waloy/waloy/internal/waloyerr"
)

func manifestKey(gen common.GenerationID) string { return fmt.Sprintf("%s/manifest.json", gen) }
func segmentKey(gen common.GenerationID, key string) string {
	return fmt.Sprintf("%s/wal/%s", gen, key)
}

// Compact fuses genID's segments down to at most targetCount contiguous
// segments. It refuses to compact the generation currently being
// written, since that manifest can change underneath it.
func Compact(ctx context.Context, store objectstore.Store, pipe codec.Pipeline, genID, currentGenID common.GenerationID, targetCount int) error {
	if genID == currentGenID {
		return waloyerr.Wrap(waloyerr.KindConfig, "compaction.Compact",
			fmt.Errorf("refusing to compact the current generation %s", genID))
	}
	targetCount = common.Max(targetCount, 1)

	raw, err := store.Get(ctx, manifestKey(genID))
	if err != nil {
		return waloyerr.Wrap(waloyerr.KindIo, "compaction.Compact:get_manifest", err)
	}
	m, err := manifest.Unmarshal(raw)
	if err != nil {
		return waloyerr.Wrap(waloyerr.KindCorruption, "compaction.Compact:unmarshal_manifest", err)
	}
	if len(m.Segments) <= targetCount {
		return nil // already compact enough
	}

	groups := splitIntoGroups(len(m.Segments), targetCount)

	newSegments := make([]manifest.SegmentRecord, 0, len(groups))
	newKeys := make([]string, 0, len(groups))
	oldKeys := make([]string, 0, len(m.Segments))
	for _, s := range m.Segments {
		oldKeys = append(oldKeys, segmentKey(genID, s.Key))
	}

	offset := m.Segments[0].Offset
	for newIdx, group := range groups {
		var fused []byte
		var createdAt int64
		for _, segIdx := range group {
			seg := m.Segments[segIdx]
			body, err := store.Get(ctx, segmentKey(genID, seg.Key))
			if err != nil {
				return waloyerr.Wrap(waloyerr.KindIo, "compaction.Compact:get_segment", err)
			}
			decoded, err := pipe.Decode(body)
			if err != nil {
				return waloyerr.Wrap(waloyerr.KindCorruption, "compaction.Compact:decode_segment", err)
			}
			fused = append(fused, decoded...)
			createdAt = seg.CreatedAtMS
		}
		encoded, err := pipe.Encode(fused)
		if err != nil {
			return waloyerr.Wrap(waloyerr.KindIo, "compaction.Compact:encode_segment", err)
		}

		newKey := fmt.Sprintf("compact-%d-%d", newIdx, time.Now().UnixNano())
		if err := store.Put(ctx, segmentKey(genID, newKey), encoded); err != nil {
			return waloyerr.Wrap(waloyerr.KindS3, "compaction.Compact:put_segment", err)
		}
		newKeys = append(newKeys, segmentKey(genID, newKey))
		newSegments = append(newSegments, manifest.SegmentRecord{
			Index:            newIdx,
			Key:              newKey,
			Offset:           offset,
			Length:           int64(len(fused)),
			CompressedLength: int64(len(encoded)),
			CreatedAtMS:      createdAt,
		})
		offset += int64(len(fused))
	}

	m.Segments = newSegments
	newManifestBytes, err := m.Marshal()
	if err != nil {
		return waloyerr.Wrap(waloyerr.KindIo, "compaction.Compact:marshal_manifest", err)
	}
	if err := store.Put(ctx, manifestKey(genID), newManifestBytes); err != nil {
		return waloyerr.Wrap(waloyerr.KindS3, "compaction.Compact:put_manifest", err)
	}

	// Delete the superseded segment objects only after the new ones and
	// the rewritten manifest are durable.
	staleKeys := diffKeys(oldKeys, newKeys)
	if len(staleKeys) > 0 {
		if err := store.DeleteBatch(ctx, staleKeys); err != nil {
			return waloyerr.Wrap(waloyerr.KindS3, "compaction.Compact:delete_stale", err)
		}
	}
	return nil
}

// splitIntoGroups partitions [0, n) into up to targetCount contiguous,
// roughly equal groups of original segment indices.
func splitIntoGroups(n, targetCount int) [][]int {
	targetCount = common.Min(targetCount, n)
	groups := make([][]int, 0, targetCount)
	base := n / targetCount
	rem := n % targetCount
	idx := 0
	for g := 0; g < targetCount; g++ {
		size := base
		if g < rem {
			size++
		}
		group := make([]int, 0, size)
		for i := 0; i < size; i++ {
			group = append(group, idx)
			idx++
		}
		groups = append(groups, group)
	}
	return groups
}

func diffKeys(old, fresh []string) []string {
	freshSet := make(map[string]struct{}, len(fresh))
	for _, k := range fresh {
		freshSet[k] = struct{}{}
	}
	var out []string
	for _, k := range old {
		if _, ok := freshSet[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// EnforceRetention deletes whole generations whose newest timestamp (see
// effectivePruneTimestampMS) is older than horizon, never touching currentGenID even if it happens to be
// old (a generation in active use is never pruned).
func EnforceRetention(ctx context.Context, store objectstore.Store, horizon time.Duration, currentGenID common.GenerationID) (pruned int, err error) {
	cutoff := time.Now().Add(-horizon).UnixMilli()

	objs, err := store.List(ctx, "")
	if err != nil {
		return 0, waloyerr.Wrap(waloyerr.KindS3, "compaction.EnforceRetention:list", err)
	}

	generations := make(map[common.GenerationID]struct{})
	for _, o := range objs {
		parts := strings.SplitN(o.Key, "/", 2)
		if len(parts) != 2 || parts[0] == "latest" {
			continue
		}
		generations[common.GenerationID(parts[0])] = struct{}{}
	}

	for gen := range generations {
		if gen == currentGenID {
			continue
		}
		raw, err := store.Get(ctx, manifestKey(gen))
		if err != nil {
			continue // manifest missing or unreadable; leave it for a future pass
		}
		m, err := manifest.Unmarshal(raw)
		if err != nil {
			continue
		}
		if effectivePruneTimestampMS(m) >= cutoff {
			continue
		}
		if err := deleteGeneration(ctx, store, gen); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// effectivePruneTimestampMS is the timestamp retention measures a
// generation's age against: its newest segment's ship time if it has
// shipped any segments, or its own creation time otherwise. A generation
// that was created outside the retention window but has kept shipping
// recent segments must not be pruned out from under active replication.
func effectivePruneTimestampMS(m *manifest.Manifest) int64 {
	if len(m.Segments) == 0 {
		return m.CreatedAtMS
	}
	return m.Segments[len(m.Segments)-1].CreatedAtMS
}

func deleteGeneration(ctx context.Context, store objectstore.Store, gen common.GenerationID) error {
	objs, err := store.List(ctx, string(gen)+"/")
	if err != nil {
		return waloyerr.Wrap(waloyerr.KindS3, "compaction.deleteGeneration:list", err)
	}
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	if err := store.DeleteBatch(ctx, keys); err != nil {
		return waloyerr.Wrap(waloyerr.KindS3, "compaction.deleteGeneration:delete", err)
	}
	return nil
}
