package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Disk tier layout. Both files are written atomically via temp-file rename.
const (
	snapshotFile   = "intelligent-cache.json"
	metadataFile   = "cache-metadata.json"
	snapshotFormat = "v1"
	snapshotSchema = 1
)

// wireEntry is the serialized form of an entry, shared by the disk snapshot
// and the remote tier. Value holds the codec-encoded JSON of the typed value.
type wireEntry struct {
	Value        string    `json:"value"`
	ExpiresAt    time.Time `json:"expiresAt"`
	AccessCount  uint64    `json:"accessCount"`
	LastAccessed time.Time `json:"lastAccessed"`
	Tags         []string  `json:"tags,omitempty"`
}

type snapshotDoc struct {
	Version int                  `json:"version"`
	Format  string               `json:"format"`
	SavedAt time.Time            `json:"savedAt"`
	Entries map[string]wireEntry `json:"entries"`
}

type snapshotMetadata struct {
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	LastPersisted time.Time `json:"lastPersisted"`
	TotalEntries  int       `json:"totalEntries"`
	CacheFormat   string    `json:"cacheFormat"`
}

func encodeWire[T any](codec *Codec, e entry[T]) (string, error) {
	plain, err := json.Marshal(e.value)
	if err != nil {
		return "", fmt.Errorf("cache: marshal value: %w", err)
	}
	encoded, err := codec.Encode(string(plain))
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(wireEntry{
		Value:        encoded,
		ExpiresAt:    e.expiresAt,
		AccessCount:  e.accessCount,
		LastAccessed: e.lastAccessed,
		Tags:         e.tags,
	})
	if err != nil {
		return "", fmt.Errorf("cache: marshal entry: %w", err)
	}
	return string(raw), nil
}

func decodeWire[T any](codec *Codec, raw string) (wireEntry, T, error) {
	var (
		we   wireEntry
		zero T
	)
	if err := json.Unmarshal([]byte(raw), &we); err != nil {
		return we, zero, fmt.Errorf("cache: unmarshal entry: %w", err)
	}
	value, err := decodeWireValue[T](codec, we)
	return we, value, err
}

func decodeWireValue[T any](codec *Codec, we wireEntry) (T, error) {
	var value T
	plain, err := codec.Decode(we.Value)
	if err != nil {
		return value, err
	}
	if err := json.Unmarshal([]byte(plain), &value); err != nil {
		return value, fmt.Errorf("cache: unmarshal value: %w", err)
	}
	return value, nil
}

// saveSnapshot writes all non-expired entries plus the sidecar metadata
// file. Entries are copied under the lock and encoded outside it.
func (c *Cache[T]) saveSnapshot() error {
	now := time.Now()

	c.mu.Lock()
	copies := make([]entry[T], 0, len(c.items))
	for _, el := range c.items {
		e := el.Value.(*entry[T])
		if now.After(e.expiresAt) {
			continue
		}
		copies = append(copies, *e)
	}
	c.mu.Unlock()

	doc := snapshotDoc{
		Version: snapshotSchema,
		Format:  snapshotFormat,
		SavedAt: now,
		Entries: make(map[string]wireEntry, len(copies)),
	}
	for _, e := range copies {
		raw, err := encodeWire(c.cfg.Codec, e)
		if err != nil {
			c.log.Warn("cache: entry skipped in snapshot", "key", e.key, "error", err)
			continue
		}
		var we wireEntry
		if err := json.Unmarshal([]byte(raw), &we); err != nil {
			return fmt.Errorf("cache: snapshot entry: %w", err)
		}
		doc.Entries[e.key] = we
	}

	if err := os.MkdirAll(c.cfg.PersistDir, 0o755); err != nil {
		return fmt.Errorf("cache: snapshot dir: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(c.cfg.PersistDir, snapshotFile), doc); err != nil {
		return err
	}

	meta := snapshotMetadata{
		Version:       snapshotSchema,
		CreatedAt:     c.metadataCreatedAt(now),
		LastPersisted: now,
		TotalEntries:  len(doc.Entries),
		CacheFormat:   snapshotFormat,
	}
	return writeJSONAtomic(filepath.Join(c.cfg.PersistDir, metadataFile), meta)
}

// metadataCreatedAt preserves the original creation stamp across snapshots.
func (c *Cache[T]) metadataCreatedAt(fallback time.Time) time.Time {
	raw, err := os.ReadFile(filepath.Join(c.cfg.PersistDir, metadataFile))
	if err != nil {
		return fallback
	}
	var meta snapshotMetadata
	if err := json.Unmarshal(raw, &meta); err != nil || meta.CreatedAt.IsZero() {
		return fallback
	}
	return meta.CreatedAt
}

// loadSnapshot restores the non-expired subset of a persisted snapshot.
// A missing file is a fresh start; an unrecognized format version is a
// soft reset (logged, not an error).
func (c *Cache[T]) loadSnapshot() error {
	raw, err := os.ReadFile(filepath.Join(c.cfg.PersistDir, snapshotFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache: read snapshot: %w", err)
	}

	var doc snapshotDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("cache: parse snapshot: %w", err)
	}
	if doc.Format != snapshotFormat {
		c.log.Warn("cache: snapshot format unknown, resetting", "format", doc.Format)
		return nil
	}

	now := time.Now()
	type loaded struct {
		key   string
		we    wireEntry
		value T
	}
	live := make([]loaded, 0, len(doc.Entries))
	for key, we := range doc.Entries {
		if !we.ExpiresAt.After(now) {
			continue
		}
		value, err := decodeWireValue[T](c.cfg.Codec, we)
		if err != nil {
			c.log.Warn("cache: snapshot entry undecodable, skipped", "key", key, "error", err)
			continue
		}
		live = append(live, loaded{key: key, we: we, value: value})
	}

	// Rebuild recency order: oldest access first so the most recently
	// used entry ends up at the front.
	sort.Slice(live, func(i, j int) bool {
		return live[i].we.LastAccessed.Before(live[j].we.LastAccessed)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range live {
		if len(c.items) >= c.cfg.MaxSize {
			break
		}
		e := &entry[T]{
			key:          l.key,
			value:        l.value,
			expiresAt:    l.we.ExpiresAt,
			accessCount:  l.we.AccessCount,
			lastAccessed: l.we.LastAccessed,
			tags:         l.we.Tags,
			approxBytes:  approxSize(l.key, l.value),
		}
		c.items[l.key] = c.order.PushFront(e)
		c.memBytes += e.approxBytes
	}
	return nil
}

// writeJSONAtomic marshals v and renames a temp file over path so readers
// never observe a partial write.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cache: write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
