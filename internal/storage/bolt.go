// Package storage persists gateway runtime records in a local BBolt
// database: per-tool usage counters and a journal of recent tool calls.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const dbFileName = "mcpgate.db"

var (
	bucketToolStats  = []byte("tool_stats")
	bucketUsageLog   = []byte("usage_log")
	bucketMeta       = []byte("meta")
	keySchemaVersion = []byte("schema_version")
)

const schemaVersion uint64 = 1

// usageLogLimit bounds the journal; oldest entries are pruned past it.
const usageLogLimit = 1000

// ToolStatRecord tracks cumulative successful calls for one wrapper name.
type ToolStatRecord struct {
	ToolName  string    `json:"tool_name"`
	BackendID string    `json:"backend_id"`
	Count     uint64    `json:"count"`
	LastUsed  time.Time `json:"last_used"`
}

// UsageEvent is one journal entry for a successful tool call.
type UsageEvent struct {
	ID        string        `json:"id"`
	ToolName  string        `json:"tool_name"`
	BackendID string        `json:"backend_id"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// BoltDB wraps the bbolt database handle.
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltDB opens (or creates) the database under dataDir.
func NewBoltDB(dataDir string, logger *zap.Logger) (*BoltDB, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, dbFileName)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	b := &BoltDB{db: db, logger: logger.Named("storage")}
	if err := b.initBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// Close closes the underlying database.
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func (b *BoltDB) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketToolStats, bucketUsageLog, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(keySchemaVersion) == nil {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, schemaVersion)
			return meta.Put(keySchemaVersion, buf)
		}
		return nil
	})
}

// RecordToolCall increments the counter for a wrapper name and appends a
// usage event to the journal.
func (b *BoltDB) RecordToolCall(toolName, backendID string, duration time.Duration) error {
	now := time.Now()
	return b.db.Update(func(tx *bbolt.Tx) error {
		stats := tx.Bucket(bucketToolStats)
		record := &ToolStatRecord{ToolName: toolName, BackendID: backendID}
		if raw := stats.Get([]byte(toolName)); raw != nil {
			if err := json.Unmarshal(raw, record); err != nil {
				return fmt.Errorf("failed to decode tool stat record: %w", err)
			}
		}
		record.Count++
		record.LastUsed = now
		record.BackendID = backendID
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := stats.Put([]byte(toolName), data); err != nil {
			return fmt.Errorf("failed to save tool stat record: %w", err)
		}

		event := &UsageEvent{
			ID:        uuid.NewString(),
			ToolName:  toolName,
			BackendID: backendID,
			Duration:  duration,
			Timestamp: now,
		}
		eventData, err := json.Marshal(event)
		if err != nil {
			return err
		}
		logBucket := tx.Bucket(bucketUsageLog)
		seq, err := logBucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := logBucket.Put(key, eventData); err != nil {
			return fmt.Errorf("failed to append usage event: %w", err)
		}
		return pruneUsageLog(logBucket)
	})
}

func pruneUsageLog(bucket *bbolt.Bucket) error {
	n := bucket.Stats().KeyN + 1 // +1 for the entry added in this tx
	c := bucket.Cursor()
	for k, _ := c.First(); k != nil && n > usageLogLimit; k, _ = c.Next() {
		if err := bucket.Delete(k); err != nil {
			return err
		}
		n--
	}
	return nil
}

// GetToolStats returns the counter record for one wrapper name, or nil.
func (b *BoltDB) GetToolStats(toolName string) (*ToolStatRecord, error) {
	var record *ToolStatRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketToolStats).Get([]byte(toolName))
		if raw == nil {
			return nil
		}
		record = &ToolStatRecord{}
		return json.Unmarshal(raw, record)
	})
	return record, err
}

// ListToolStats returns all counter records.
func (b *BoltDB) ListToolStats() ([]*ToolStatRecord, error) {
	var records []*ToolStatRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketToolStats).ForEach(func(_, v []byte) error {
			record := &ToolStatRecord{}
			if err := json.Unmarshal(v, record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}

// RecentUsage returns up to limit journal entries, newest first.
func (b *BoltDB) RecentUsage(limit int) ([]*UsageEvent, error) {
	var events []*UsageEvent
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketUsageLog).Cursor()
		for k, v := c.Last(); k != nil && len(events) < limit; k, v = c.Prev() {
			event := &UsageEvent{}
			if err := json.Unmarshal(v, event); err != nil {
				return err
			}
			events = append(events, event)
		}
		return nil
	})
	return events, err
}
