// Package engine implements the replication state machine: it pins a
// read transaction against a live SQLite WAL, ships new frames to an
// object store on a schedule the host drives, and periodically
// checkpoints the WAL into a fresh snapshot generation.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/waloy/waloy/internal/codec"
	"github.com/waloy/waloy/internal/common"
	"github.com/waloy/waloy/internal/compaction"
	"github.com/waloy/waloy/internal/config"
	"github.com/waloy/waloy/internal/manifest"
	"github.com/waloy/waloy/internal/objectstore"
	"github.com/waloy/waloy/internal/obslog"
	"github.com/waloy/waloy/internal/sqlitedb"
	"github.com/waloy/waloy/internal/stats"
	"github.com/waloy/waloy/internal/walreader"
)

// State is a position in the checkpoint state machine.
type State int

const (
	StateReplicating State = iota
	StateCheckpointing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReplicating:
		return "replicating"
	case StateCheckpointing:
		return "checkpointing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Engine owns one live SQLite database's replication lifecycle. All
// public methods take an internal mutex; a method called while another
// is in flight fails fast with waloyerr.Busy rather than blocking, so a
// host's scheduler never stalls behind a slow S3 round trip.
type Engine struct {
	mu sync.Mutex

	cfg   config.Config
	db    *sqlitedb.DB
	store objectstore.Store
	codec codec.Pipeline
	log   zerolog.Logger
	stats *stats.Tracker

	walPath string
	readTx  *sqlitedb.ReadTx
	state   State

	current        *manifest.Manifest
	lastOffset     int64
	lastSalt1      uint32
	lastSalt2      uint32
	lastSnapshotAt time.Time
}

const latestKey = "latest"

// Open wires up the database connection, object store, and codec
// pipeline described by cfg, recovers or creates the current generation,
// and pins an initial read transaction.
func Open(ctx context.Context, cfg config.Config, store objectstore.Store) (*Engine, error) {
	db, err := sqlitedb.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		db:      db,
		store:   store,
		codec:   codec.New(codec.Compression(cfg.Compression), cfg.EncryptionKey),
		log:     obslog.WithComponent("engine"),
		stats:   stats.New(),
		walPath: cfg.DBPath + "-wal",
		state:   StateReplicating,
	}

	if err := e.recoverOrCreateGeneration(ctx); err != nil {
		db.Close()
		return nil, err
	}

	readTx, err := db.BeginRead(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.readTx = readTx

	header, err := walreader.ReheadHeader(e.walPath)
	if err == nil {
		e.lastSalt1, e.lastSalt2 = header.Salt1, header.Salt2
	}

	return e, nil
}

func (e *Engine) recoverOrCreateGeneration(ctx context.Context) error {
	latest, err := e.store.Get(ctx, latestKey)
	if err != nil {
		return e.startNewGeneration(ctx)
	}
	genID := common.GenerationID(latest)
	raw, err := e.store.Get(ctx, fmt.Sprintf("%s/manifest.json", genID))
	if err != nil {
		return e.startNewGeneration(ctx)
	}
	m, err := manifest.Unmarshal(raw)
	if err != nil {
		return e.startNewGeneration(ctx)
	}
	e.current = m
	e.lastOffset = m.TotalWALBytes()
	e.lastSnapshotAt = time.UnixMilli(m.CreatedAtMS)
	return nil
}

// startNewGeneration snapshots the main database file as a fresh
// generation with no segments yet shipped.
func (e *Engine) startNewGeneration(ctx context.Context) error {
	data, err := readFile(e.cfg.DBPath)
	if err != nil {
		return err
	}
	encoded, err := e.codec.Encode(data)
	if err != nil {
		return err
	}

	genID := common.GenerationID(common.GenerateID())
	header, _ := walreader.ReheadHeader(e.walPath)

	m := &manifest.Manifest{
		GenerationID:           genID,
		CreatedAtMS:            time.Now().UnixMilli(),
		SnapshotSize:           int64(len(data)),
		SnapshotCompressedSize: int64(len(encoded)),
		WALSalt1:               header.Salt1,
		WALSalt2:               header.Salt2,
	}

	if err := e.store.Put(ctx, fmt.Sprintf("%s/snapshot", genID), encoded); err != nil {
		return err
	}
	mb, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, fmt.Sprintf("%s/manifest.json", genID), mb); err != nil {
		return err
	}
	if err := e.store.Put(ctx, latestKey, []byte(genID)); err != nil {
		return err
	}

	e.current = m
	e.lastOffset = m.TotalWALBytes()
	e.lastSnapshotAt = time.Now()
	e.lastSalt1, e.lastSalt2 = header.Salt1, header.Salt2
	e.stats.AddSnapshot()
	return nil
}

// SyncWAL ships WAL bytes written since the last call as one or more new
// segments of the current generation, splitting them at cfg.ChunkSize. It
// is a no-op if nothing new has been written. A salt change or a WAL that
// has shrunk below the last observed offset forces a fresh generation
// first, since it means a checkpoint happened outside this engine's
// control and the old offsets are no longer meaningful.
func (e *Engine) SyncWAL(ctx context.Context) error {
	if !e.mu.TryLock() {
		return busyErr("SyncWAL")
	}
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return closedErr("SyncWAL")
	}
	if e.state != StateReplicating {
		return busyErr("SyncWAL")
	}

	if err := e.syncWALLocked(ctx); err != nil {
		e.stats.RecordError(err.Error())
		return err
	}
	return nil
}

// syncWALLocked ships every byte appended since last_offset as one or
// more segments, each at most cfg.ChunkSize bytes, advancing last_offset
// after each one lands so a mid-stream cancellation only has to re-ship
// the chunk that was in flight.
func (e *Engine) syncWALLocked(ctx context.Context) error {
	if err := e.handleDiscontinuityLocked(ctx); err != nil {
		return err
	}

	// A -wal file shorter than its header (zero bytes right after a
	// TRUNCATE checkpoint) holds nothing to ship yet.
	if fi, err := os.Stat(e.walPath); err == nil && fi.Size() < walreader.HeaderSize {
		return nil
	}

	reader, header, err := walreader.Open(e.walPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	size, err := reader.Size()
	if err != nil {
		return err
	}
	if size <= e.lastOffset {
		return nil
	}

	chunkSize := e.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = size - e.lastOffset
	}

	for e.lastOffset < size {
		end := common.MinInt64(e.lastOffset+chunkSize, size)

		raw, err := reader.ReadRange(e.lastOffset, end)
		if err != nil {
			return err
		}
		encoded, err := e.codec.Encode(raw)
		if err != nil {
			return err
		}

		prevSegments := e.current.Segments
		rec := e.current.AppendSegment(int64(len(raw)), int64(len(encoded)), time.Now().UnixMilli())
		key := fmt.Sprintf("%s/wal/%s", e.current.GenerationID, rec.Key)
		if err := e.store.Put(ctx, key, encoded); err != nil {
			e.current.Segments = prevSegments
			return err
		}

		mb, err := e.current.Marshal()
		if err != nil {
			e.current.Segments = prevSegments
			return err
		}
		if err := e.store.Put(ctx, fmt.Sprintf("%s/manifest.json", e.current.GenerationID), mb); err != nil {
			e.current.Segments = prevSegments
			return err
		}

		e.lastOffset = end
		e.stats.AddSegment(int64(len(raw)))
	}

	e.lastSalt1, e.lastSalt2 = header.Salt1, header.Salt2
	return nil
}

// handleDiscontinuityLocked detects a salt change (a checkpoint the
// engine did not itself run) or a WAL that has shrunk below last_offset
// (truncation) and, if found, starts a fresh generation so subsequent
// segments aren't appended against a stale offset.
func (e *Engine) handleDiscontinuityLocked(ctx context.Context) error {
	reader, header, err := walreader.Open(e.walPath)
	if err != nil {
		return nil // WAL absent between writes; nothing to reconcile yet
	}
	size, sizeErr := reader.Size()
	reader.Close()

	if e.current == nil {
		return nil
	}

	saltChanged := header.Salt1 != e.lastSalt1 || header.Salt2 != e.lastSalt2
	truncated := sizeErr == nil && size < e.lastOffset
	if !saltChanged && !truncated {
		return nil
	}

	if truncated {
		e.log.Warn().Msg("WAL truncated below last_offset outside engine control, starting new generation")
	} else {
		e.log.Warn().Msg("WAL salt changed outside engine control, starting new generation")
	}
	return e.startNewGeneration(ctx)
}

// MaybeSnapshot runs a checkpoint and starts a new generation if the
// configured snapshot interval or compaction threshold has elapsed.
func (e *Engine) MaybeSnapshot(ctx context.Context) error {
	if !e.mu.TryLock() {
		return busyErr("MaybeSnapshot")
	}
	due := e.state == StateReplicating &&
		(time.Since(e.lastSnapshotAt) >= e.cfg.SnapshotInterval ||
			(e.current != nil && len(e.current.Segments) >= e.cfg.CompactThreshold))
	e.mu.Unlock()

	if !due {
		return nil
	}
	return e.Checkpoint(ctx)
}

// Checkpoint flushes any pending WAL bytes, releases the pinned read
// transaction, truncates the WAL into the main database file, snapshots
// the result as a new generation, and re-acquires the read transaction.
// On any failure after releasing the read transaction, Checkpoint
// re-acquires it before returning so the engine remains usable.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if !e.mu.TryLock() {
		return busyErr("Checkpoint")
	}
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return closedErr("Checkpoint")
	}
	if e.state != StateReplicating {
		return busyErr("Checkpoint")
	}

	e.state = StateCheckpointing
	defer func() { e.state = StateReplicating }()

	if err := e.syncWALLocked(ctx); err != nil {
		e.stats.RecordError(err.Error())
		return err
	}

	if err := e.readTx.Release(); err != nil {
		return err
	}

	checkpointErr := retryBusy(ctx, e.cfg.MaxRetries, func() error {
		return e.db.CheckpointTruncate(ctx)
	})

	if checkpointErr == nil {
		if err := e.startNewGeneration(ctx); err != nil {
			checkpointErr = err
		} else {
			e.stats.AddCheckpoint()
		}
	}

	readTx, err := e.db.BeginRead(ctx)
	if err != nil {
		if checkpointErr == nil {
			checkpointErr = err
		}
	} else {
		e.readTx = readTx
	}

	return checkpointErr
}

// EnforceRetention prunes generations older than the configured
// retention duration, never touching the current one.
func (e *Engine) EnforceRetention(ctx context.Context) error {
	if !e.mu.TryLock() {
		return busyErr("EnforceRetention")
	}
	gen := e.current.GenerationID
	e.mu.Unlock()

	pruned, err := compaction.EnforceRetention(ctx, e.store, e.cfg.RetentionDuration, gen)
	if err != nil {
		return err
	}
	e.stats.AddPruned(pruned)
	return nil
}

// Compact fuses genID's segments, refusing the current generation.
func (e *Engine) Compact(ctx context.Context, genID common.GenerationID) error {
	if !e.mu.TryLock() {
		return busyErr("Compact")
	}
	current := e.current.GenerationID
	e.mu.Unlock()

	if err := compaction.Compact(ctx, e.store, e.codec, genID, current, e.cfg.CompactTargetCount); err != nil {
		return err
	}
	e.stats.AddCompaction()
	return nil
}

// Shutdown releases the pinned read transaction and closes the database
// connection. The engine is unusable afterward.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.mu.TryLock() {
		return busyErr("Shutdown")
	}
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return nil
	}
	e.state = StateClosed

	var err error
	if e.readTx != nil {
		err = e.readTx.Release()
	}
	if closeErr := e.db.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Stats returns a point-in-time snapshot of replication counters.
func (e *Engine) Stats() stats.Snapshot {
	return e.stats.Snapshot()
}

// CurrentGeneration returns the generation id currently being written.
func (e *Engine) CurrentGeneration() common.GenerationID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.GenerationID
}
