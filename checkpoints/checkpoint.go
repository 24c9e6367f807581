package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const recordPrefix = "CKPT-"

// Recoverable is one piece of restorable experiment state: model weights,
// optimizer moments, scheduler state, normalizer statistics, epoch counter.
type Recoverable interface {
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
}

// Meta is the metadata stored next to every checkpoint record.
type Meta struct {
	UnixTime float64            `json:"unix_time"`
	RunID    string             `json:"run_id,omitempty"`
	Metrics  map[string]float64 `json:"metrics"`
}

// Record points at one saved checkpoint directory.
type Record struct {
	Dir  string
	Meta Meta
}

// ImportanceKey ranks checkpoint records; higher values are kept first.
type ImportanceKey func(Record) float64

// Recency ranks records newest first.
func Recency(r Record) float64 { return r.Meta.UnixTime }

// NegatedMetric ranks records by a metric where lower is better (PER).
func NegatedMetric(name string) ImportanceKey {
	return func(r Record) float64 { return -r.Meta.Metrics[name] }
}

// Checkpointer persists and restores the full recoverable state of an
// experiment under a single directory, one subdirectory per save.
type Checkpointer struct {
	dir          string
	recoverables map[string]Recoverable
	runID        string
}

// NewCheckpointer creates the checkpoint directory if needed and binds the
// named recoverables to it.
func NewCheckpointer(dir string, recoverables map[string]Recoverable) (*Checkpointer, error) {
	if len(recoverables) == 0 {
		return nil, fmt.Errorf("checkpointer needs at least one recoverable")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %v", err)
	}
	return &Checkpointer{dir: dir, recoverables: recoverables}, nil
}

// SetRunID stamps subsequent saves with the experiment run identifier.
func (c *Checkpointer) SetRunID(id string) { c.runID = id }

// Save writes one checkpoint record with the given metric metadata.
func (c *Checkpointer) Save(metrics map[string]float64) (Record, error) {
	now := time.Now().UTC()
	name := fmt.Sprintf("%s%s-%s", recordPrefix, now.Format("2006-01-02T15-04-05"), uuid.NewString()[:8])
	recordDir := filepath.Join(c.dir, name)
	if err := os.MkdirAll(recordDir, 0o755); err != nil {
		return Record{}, fmt.Errorf("create record directory: %v", err)
	}

	for key, rec := range c.recoverables {
		data, err := rec.MarshalState()
		if err != nil {
			return Record{}, fmt.Errorf("marshal %s state: %v", key, err)
		}
		if err := os.WriteFile(filepath.Join(recordDir, key+".json"), data, 0o644); err != nil {
			return Record{}, fmt.Errorf("write %s state: %v", key, err)
		}
	}

	meta := Meta{
		UnixTime: float64(now.UnixNano()) / 1e9,
		RunID:    c.runID,
		Metrics:  metrics,
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("marshal checkpoint meta: %v", err)
	}
	if err := os.WriteFile(filepath.Join(recordDir, "meta.json"), metaData, 0o644); err != nil {
		return Record{}, fmt.Errorf("write checkpoint meta: %v", err)
	}
	return Record{Dir: recordDir, Meta: meta}, nil
}

// List returns all checkpoint records, newest first.
func (c *Checkpointer) List() ([]Record, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %v", err)
	}
	var records []Record
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), recordPrefix) {
			continue
		}
		recordDir := filepath.Join(c.dir, entry.Name())
		metaData, err := os.ReadFile(filepath.Join(recordDir, "meta.json"))
		if err != nil {
			return nil, fmt.Errorf("read meta of %s: %v", entry.Name(), err)
		}
		var meta Meta
		if err := json.Unmarshal(metaData, &meta); err != nil {
			return nil, fmt.Errorf("decode meta of %s: %v", entry.Name(), err)
		}
		records = append(records, Record{Dir: recordDir, Meta: meta})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Meta.UnixTime > records[j].Meta.UnixTime
	})
	return records, nil
}

// SaveAndKeepOnly saves a new record and then prunes: for each importance
// key the top keepPerKey records survive, everything else is deleted. With
// keys (Recency, NegatedMetric("PER")) and keepPerKey 1 that retains exactly
// the newest and the best-scoring checkpoints.
func (c *Checkpointer) SaveAndKeepOnly(metrics map[string]float64, keys []ImportanceKey, keepPerKey int) (Record, error) {
	record, err := c.Save(metrics)
	if err != nil {
		return Record{}, err
	}
	if err := c.KeepOnly(keys, keepPerKey); err != nil {
		return Record{}, err
	}
	return record, nil
}

// KeepOnly applies the retention policy to the existing records.
func (c *Checkpointer) KeepOnly(keys []ImportanceKey, keepPerKey int) error {
	if keepPerKey < 1 {
		keepPerKey = 1
	}
	records, err := c.List()
	if err != nil {
		return err
	}

	keep := make(map[string]bool)
	for _, key := range keys {
		ranked := append([]Record(nil), records...)
		sort.SliceStable(ranked, func(i, j int) bool {
			return key(ranked[i]) > key(ranked[j])
		})
		for i := 0; i < keepPerKey && i < len(ranked); i++ {
			keep[ranked[i].Dir] = true
		}
	}

	for _, record := range records {
		if keep[record.Dir] {
			continue
		}
		if err := os.RemoveAll(record.Dir); err != nil {
			return fmt.Errorf("prune checkpoint %s: %v", record.Dir, err)
		}
	}
	return nil
}

// RecoverIfPossible restores state from the best saved record. A nil
// selector picks the most recent; otherwise the record maximizing the
// selector wins. It reports whether a checkpoint was found.
func (c *Checkpointer) RecoverIfPossible(selector ImportanceKey) (*Record, error) {
	records, err := c.List()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	best := records[0]
	if selector != nil {
		for _, record := range records[1:] {
			if selector(record) > selector(best) {
				best = record
			}
		}
	}

	for key, rec := range c.recoverables {
		data, err := os.ReadFile(filepath.Join(best.Dir, key+".json"))
		if err != nil {
			return nil, fmt.Errorf("read %s state from %s: %v", key, best.Dir, err)
		}
		if err := rec.UnmarshalState(data); err != nil {
			return nil, fmt.Errorf("restore %s state: %v", key, err)
		}
	}
	return &best, nil
}
