// Package journal records the scratch resources of running rebuilds so a
// crashed run can be cleaned up later.
//
// Every mount point and directory a run creates is written to a bbolt file
// before the run relies on it and deleted once it is released. A run that
// finishes removes its entry entirely; whatever is left after a crash is
// what `dlcopy-iso gc` has to undo.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lernstick/dlcopy"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// DefaultPath is the journal location. It lives on disk, not in /run, so it
// survives the reboot that usually follows a hung unmount.
const DefaultPath = "/var/lib/dlcopy/journal.db"

var (
	runsBucket      = []byte("runs")
	resourcesBucket = []byte("resources")
)

// ErrUnknownRun is returned for runs that have no journal entry.
var ErrUnknownRun = errors.New("run not in journal")

// Run describes one journaled rebuild.
type Run struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	TmpDir    string    `json:"tmp_dir,omitempty"`
}

// Store is the journal file.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{runsBucket, resourcesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the journal file.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun records a starting run.
func (s *Store) BeginRun(run Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(runsBucket).Put([]byte(run.RunID), data); err != nil {
			return err
		}
		_, err := tx.Bucket(resourcesBucket).CreateBucketIfNotExists([]byte(run.RunID))
		return err
	})
}

// FinishRun removes a run and all its resources.
func (s *Store) FinishRun(runID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(runsBucket).Delete([]byte(runID)); err != nil {
			return err
		}
		err := tx.Bucket(resourcesBucket).DeleteBucket([]byte(runID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Track records a resource of runID.
func (s *Store) Track(runID string, r dlcopy.Resource) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resourcesBucket).Bucket([]byte(runID))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		}
		return b.Put([]byte(r.Key()), data)
	})
}

// Release removes a resource of runID. Unknown resources are ignored.
func (s *Store) Release(runID string, r dlcopy.Resource) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resourcesBucket).Bucket([]byte(runID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(r.Key()))
	})
}

// Runs returns every journaled run, oldest first.
func (s *Store) Runs() ([]Run, error) {
	var runs []Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("corrupt journal entry %s: %w", k, err)
			}
			runs = append(runs, run)
			return nil
		})
	})
	return runs, err
}

// Resources returns the outstanding resources of runID, deepest path first
// and mounts before directories, which is the order they must be released
// in.
func (s *Store) Resources(runID string) ([]dlcopy.Resource, error) {
	var out []dlcopy.Resource
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(resourcesBucket).Bucket([]byte(runID))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		}
		return b.ForEach(func(k, v []byte) error {
			r, err := dlcopy.UnmarshalResource(v)
			if err != nil {
				return fmt.Errorf("corrupt resource %s: %w", k, err)
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	SortForRelease(out)
	return out, nil
}

// SortForRelease orders resources for teardown: mounts first, then
// directories, each deepest path first.
func SortForRelease(rs []dlcopy.Resource) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Kind != rs[j].Kind {
			return rs[i].Kind == dlcopy.ResourceMount
		}
		return rs[i].Path > rs[j].Path
	})
}

// RunTracker journals the resources of one run. Journal write failures are
// logged and do not stop the run.
type RunTracker struct {
	store  *Store
	runID  string
	logger logrus.FieldLogger
}

// ForRun returns a tracker for runID.
func (s *Store) ForRun(runID string, logger logrus.FieldLogger) *RunTracker {
	return &RunTracker{store: s, runID: runID, logger: logger}
}

// Track implements union.Tracker.
func (t *RunTracker) Track(r dlcopy.Resource) {
	if err := t.store.Track(t.runID, r); err != nil {
		t.logger.WithError(err).WithField("path", r.Path).Warn("failed to journal resource")
	}
}

// Release implements union.Tracker.
func (t *RunTracker) Release(r dlcopy.Resource) {
	if err := t.store.Release(t.runID, r); err != nil {
		t.logger.WithError(err).WithField("path", r.Path).Warn("failed to remove resource from journal")
	}
}
