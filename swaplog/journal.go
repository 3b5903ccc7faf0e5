// Package swaplog is the durable-storage layer spec.md §4.3 requires:
// one append-only JSON event log per swap under SWAPS/MY, a redacted
// public copy under SWAPS/STATS/MAKER|TAKER written once a swap reaches
// Finished, and a small LevelDB secondary index for answering
// "which swaps are still active" without replaying every journal file.
package swaplog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/shellreserve/atomicswap/swap"
)

// FileJournal implements both makerswap.Persister and takerswap.Persister
// (identical Persist/Finish contracts) plus swapregistry.SwapLister.
type FileJournal struct {
	myDir    string
	statsDir string
	index    *Index
}

// NewFileJournal opens (creating if absent) a journal rooted at baseDir,
// laid out as:
//
//	baseDir/MY/<uuid>.json
//	baseDir/STATS/MAKER/<uuid>.json
//	baseDir/STATS/TAKER/<uuid>.json
//	baseDir/STATSDB/  (LevelDB secondary index)
func NewFileJournal(baseDir string) (*FileJournal, error) {
	myDir := filepath.Join(baseDir, "MY")
	statsDir := filepath.Join(baseDir, "STATS")
	for _, dir := range []string{
		myDir,
		filepath.Join(statsDir, "MAKER"),
		filepath.Join(statsDir, "TAKER"),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("swaplog: create %s: %w", dir, err)
		}
	}

	index, err := OpenIndex(filepath.Join(baseDir, "STATSDB"))
	if err != nil {
		return nil, fmt.Errorf("swaplog: open statsdb: %w", err)
	}

	return &FileJournal{myDir: myDir, statsDir: statsDir, index: index}, nil
}

// Close releases the underlying LevelDB handle.
func (j *FileJournal) Close() error {
	return j.index.Close()
}

func (j *FileJournal) myPath(id uuid.UUID) string {
	return filepath.Join(j.myDir, id.String()+".json")
}

func (j *FileJournal) statsPath(role swap.Role, id uuid.UUID) string {
	sub := "MAKER"
	if role == swap.RoleTaker {
		sub = "TAKER"
	}
	return filepath.Join(j.statsDir, sub, id.String()+".json")
}

// Persist durably records s's full event log (SPEC_FULL §5's ordering
// guarantee: the driver must not act on an appended event until this
// returns) and refreshes the secondary index entry used by ActiveUUIDs.
func (j *FileJournal) Persist(ctx context.Context, s *swap.SavedSwap) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("swaplog: marshal swap %s: %w", s.UUID, err)
	}
	if err := atomicWriteFile(j.myPath(s.UUID), data); err != nil {
		return fmt.Errorf("swaplog: persist swap %s: %w", s.UUID, err)
	}

	record := IndexRecord{
		UUID:      s.UUID,
		Role:      s.Role,
		MakerCoin: s.MakerCoin,
		TakerCoin: s.TakerCoin,
		Finished:  s.IsFinished(),
	}
	if err := j.index.Put(record); err != nil {
		return fmt.Errorf("swaplog: index swap %s: %w", s.UUID, err)
	}
	return nil
}

// Finish writes the redacted public stats record for a swap that has
// reached Finished (spec.md §4.3 step 2): the secret is stripped from
// the Started event's Params before anything is written where an
// outside viewer could read it.
func (j *FileJournal) Finish(ctx context.Context, s *swap.SavedSwap) error {
	redacted, err := redactSecret(s)
	if err != nil {
		return fmt.Errorf("swaplog: redact swap %s: %w", s.UUID, err)
	}
	data, err := json.Marshal(redacted)
	if err != nil {
		return fmt.Errorf("swaplog: marshal stats record %s: %w", s.UUID, err)
	}
	if err := atomicWriteFile(j.statsPath(s.Role, s.UUID), data); err != nil {
		return fmt.Errorf("swaplog: write stats record %s: %w", s.UUID, err)
	}
	return nil
}

// redactSecret returns a deep-enough copy of s with the maker's secret
// cleared from its Started event, without disturbing any other event.
func redactSecret(s *swap.SavedSwap) (*swap.SavedSwap, error) {
	out := *s
	out.Events = make([]swap.Event, len(s.Events))
	copy(out.Events, s.Events)

	for i, e := range out.Events {
		if e.Type != swap.Started {
			continue
		}
		var started swap.StartedData
		if err := e.Decode(&started); err != nil {
			return nil, fmt.Errorf("decode Started event: %w", err)
		}
		started.Params = started.Params.Redacted()
		redactedData, err := json.Marshal(started)
		if err != nil {
			return nil, fmt.Errorf("marshal redacted Started event: %w", err)
		}
		e.Data = redactedData
		out.Events[i] = e
	}
	return &out, nil
}

// Load reads a single swap's full event log back from disk.
func (j *FileJournal) Load(ctx context.Context, id uuid.UUID) (*swap.SavedSwap, error) {
	return readSavedSwap(j.myPath(id))
}

// LoadAll reads every swap's full event log, satisfying
// swapregistry.SwapLister for kickstart.
func (j *FileJournal) LoadAll(ctx context.Context) ([]*swap.SavedSwap, error) {
	entries, err := os.ReadDir(j.myDir)
	if err != nil {
		return nil, fmt.Errorf("swaplog: list %s: %w", j.myDir, err)
	}

	all := make([]*swap.SavedSwap, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		saved, err := readSavedSwap(filepath.Join(j.myDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("swaplog: read %s: %w", entry.Name(), err)
		}
		all = append(all, saved)
	}
	return all, nil
}

// ActiveUUIDs reports the swaps the secondary index has not yet marked
// Finished, without touching the filesystem journal at all. rpc's
// active_swaps command uses this instead of LoadAll, since a long-lived
// daemon may accumulate far more finished swaps than live ones.
func (j *FileJournal) ActiveUUIDs(ctx context.Context) ([]uuid.UUID, error) {
	records, err := j.index.All()
	if err != nil {
		return nil, fmt.Errorf("swaplog: scan statsdb: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(records))
	for _, r := range records {
		if !r.Finished {
			ids = append(ids, r.UUID)
		}
	}
	return ids, nil
}

func readSavedSwap(path string) (*swap.SavedSwap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var saved swap.SavedSwap
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return &saved, nil
}

// atomicWriteFile writes data to a temp file in path's directory, fsyncs
// it, then renames it over path. A crash mid-write leaves the previous
// contents of path untouched, never a half-written file.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}
