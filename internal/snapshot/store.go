// Package snapshot persists the whole job table as a single versioned file
// with rotating backups, integrity checksums, and crash recovery.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/internal/filelock"
	"github.com/quarrylabs/quarry/internal/job"
)

// ErrPersistence marks any failure on the durable write path. The caller's
// in-memory mutation has already happened when this surfaces.
var ErrPersistence = errors.New("snapshot: persistence failure")

const (
	// FormatVersion is written into every snapshot's metadata block.
	FormatVersion = "1.0"

	metadataKey  = "_metadata"
	tmpSuffix    = ".tmp"
	lockSuffix   = ".lock"
	backupDir    = "backups"
	backupPrefix = "jobs_backup_"
	backupFormat = "20060102T150405.000"

	// tmpFreshWindow is the age under which a leftover temp file is assumed
	// to belong to an in-flight writer and left alone.
	tmpFreshWindow = 5 * time.Second

	// artifactMaxAge bounds accumulation of crash leftovers: the startup
	// cleanup removes temp and lock files older than this.
	artifactMaxAge = time.Hour

	// maxLoadAttempts bounds the corrupt-file → backup → retry ladder.
	maxLoadAttempts = 2
)

// Options configures a Store.
type Options struct {
	Path            string        // snapshot file path, e.g. data/jobs.json
	BackupRetention int           // newest N backups kept (default 5)
	LockTimeout     time.Duration // advisory-lock wait bound (default 10s)
}

// Store reads and writes job-table snapshots.
type Store struct {
	path        string
	backups     string
	retention   int
	lockTimeout time.Duration
}

// Metadata is the snapshot's integrity block.
type Metadata struct {
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	JobCount  int       `json:"job_count"`
	Checksum  string    `json:"checksum"`
}

// LoadReport describes what load had to do to produce a table.
type LoadReport struct {
	SkippedRecords      int
	ChecksumMismatch    bool
	RecoveredFromTemp   bool
	RecoveredFromBackup bool
	ArtifactsCleaned    int
}

// New creates a Store, ensures its directories exist, and cleans up stale
// crash artifacts from previous runs.
func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("snapshot: path is required")
	}
	if opts.BackupRetention <= 0 {
		opts.BackupRetention = 5
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	s := &Store{
		path:        opts.Path,
		backups:     filepath.Join(filepath.Dir(opts.Path), backupDir),
		retention:   opts.BackupRetention,
		lockTimeout: opts.LockTimeout,
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create data dir: %w", err)
	}
	if err := os.MkdirAll(s.backups, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create backup dir: %w", err)
	}
	if n, err := s.CleanupArtifacts(artifactMaxAge); err != nil {
		log.Printf("snapshot: startup cleanup: %v", err)
	} else if n > 0 {
		log.Printf("snapshot: startup cleanup removed %d stale artifact(s)", n)
	}
	return s, nil
}

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.path }

// Write persists the full job table: back up the previous snapshot, then
// write-temp, fsync, and atomically rename under a short-lived cross-process
// advisory lock. Any failure aborts the write, removes the temp file, and
// surfaces an ErrPersistence-wrapped error.
func (s *Store) Write(jobs map[string]*job.SyncJob) error {
	if err := s.backupCurrent(); err != nil {
		// Backup failure degrades resilience but must not block the write.
		log.Printf("snapshot: backup before write: %v", err)
	}

	doc, err := s.encode(jobs)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
	}

	lk := filelock.New(s.path + lockSuffix)
	if err := lk.Acquire(s.lockTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer func() {
		if err := lk.Release(); err != nil {
			log.Printf("snapshot: release write lock: %v", err)
		}
	}()

	tmp := s.path + tmpSuffix
	if err := writeFileSync(tmp, doc); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: write temp: %v", ErrPersistence, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: replace snapshot: %v", ErrPersistence, err)
	}
	return nil
}

// Load reads the snapshot once at startup, walking the recovery ladder:
// promote or discard a leftover temp file, verify the checksum (mismatch is
// logged, never fatal), skip invalid records, fall back to the newest backup
// on outright corruption, and produce an empty table as the last resort.
func (s *Store) Load() (map[string]*job.SyncJob, *LoadReport, error) {
	report := &LoadReport{}
	s.recoverTemp(report)

	for attempt := 1; attempt <= maxLoadAttempts; attempt++ {
		data, err := os.ReadFile(s.path)
		if os.IsNotExist(err) {
			return map[string]*job.SyncJob{}, report, nil
		}
		if err != nil {
			return nil, report, fmt.Errorf("snapshot: read %s: %w", s.path, err)
		}

		jobs, decodeErr := s.decode(data, report)
		if decodeErr == nil {
			return jobs, report, nil
		}
		log.Printf("snapshot: load attempt %d: %v", attempt, decodeErr)

		if attempt < maxLoadAttempts {
			if err := s.restoreNewestBackup(); err != nil {
				log.Printf("snapshot: backup recovery: %v", err)
				break
			}
			report.RecoveredFromBackup = true
			continue
		}
	}

	// Unrecoverable: boot with an empty table rather than refusing to start.
	log.Printf("snapshot: unrecoverable snapshot at %s, starting with empty table", s.path)
	return map[string]*job.SyncJob{}, report, nil
}

// CleanupArtifacts removes temp and lock files older than maxAge. Backups
// are governed by the retention count, not age; see PruneBackups.
func (s *Store) CleanupArtifacts(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, p := range []string{s.path + tmpSuffix, s.path + lockSuffix} {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err != nil {
				return removed, fmt.Errorf("snapshot: remove stale artifact %s: %w", p, err)
			}
			removed++
		}
	}
	return removed, nil
}

// PruneBackups deletes all but the newest retention backups.
func (s *Store) PruneBackups() (int, error) {
	names, err := s.backupNames()
	if err != nil {
		return 0, err
	}
	if len(names) <= s.retention {
		return 0, nil
	}
	// Timestamped names sort lexically; oldest first after sorting.
	sort.Strings(names)
	excess := names[:len(names)-s.retention]
	for _, name := range excess {
		if err := os.Remove(filepath.Join(s.backups, name)); err != nil {
			return 0, fmt.Errorf("snapshot: prune backup %s: %w", name, err)
		}
	}
	return len(excess), nil
}

// encode serializes the table plus its metadata block. The checksum covers
// the canonically-ordered job payload only.
func (s *Store) encode(jobs map[string]*job.SyncJob) ([]byte, error) {
	sum, err := checksum(jobs)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]any, len(jobs)+1)
	for id, j := range jobs {
		doc[id] = j
	}
	doc[metadataKey] = Metadata{
		Version:   FormatVersion,
		Timestamp: time.Now().UTC(),
		JobCount:  len(jobs),
		Checksum:  sum,
	}
	return json.MarshalIndent(doc, "", "  ")
}

// decode parses a snapshot document, hydrating each job record and skipping
// (but counting) entries that fail validation.
func (s *Store) decode(data []byte, report *LoadReport) (map[string]*job.SyncJob, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}

	var meta Metadata
	if raw, ok := doc[metadataKey]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			log.Printf("snapshot: unreadable metadata block: %v", err)
		}
		delete(doc, metadataKey)
	}

	jobs := make(map[string]*job.SyncJob, len(doc))
	for id, raw := range doc {
		var j job.SyncJob
		if err := json.Unmarshal(raw, &j); err != nil {
			log.Printf("snapshot: skipping unreadable record %s: %v", id, err)
			report.SkippedRecords++
			continue
		}
		if err := j.Validate(); err != nil {
			log.Printf("snapshot: skipping invalid record %s: %v", id, err)
			report.SkippedRecords++
			continue
		}
		jobs[id] = &j
	}

	if meta.Checksum != "" {
		sum, err := checksum(jobs)
		if err == nil && sum != meta.Checksum {
			// Best-effort integrity signal only; the data may still be usable.
			log.Printf("snapshot: checksum mismatch (stored %s, computed %s)", short(meta.Checksum), short(sum))
			report.ChecksumMismatch = true
		}
	}
	return jobs, nil
}

// recoverTemp decides what to do with a leftover temp file: promote it when
// it is settled (not racing a live writer) and newer than the snapshot,
// discard it when merely stale, and leave it untouched when fresh.
func (s *Store) recoverTemp(report *LoadReport) {
	tmp := s.path + tmpSuffix
	tmpInfo, err := os.Stat(tmp)
	if err != nil {
		return
	}
	age := time.Since(tmpInfo.ModTime())
	if age < tmpFreshWindow {
		return // assume an in-flight write
	}

	targetInfo, err := os.Stat(s.path)
	newer := os.IsNotExist(err) || (err == nil && tmpInfo.ModTime().After(targetInfo.ModTime()))
	if newer {
		if err := os.Rename(tmp, s.path); err != nil {
			log.Printf("snapshot: promote recovered temp: %v", err)
			return
		}
		log.Printf("snapshot: promoted recovered write %s", tmp)
		report.RecoveredFromTemp = true
		return
	}
	if err := os.Remove(tmp); err != nil {
		log.Printf("snapshot: discard stale temp: %v", err)
	}
}

// backupCurrent copies the existing snapshot into the backup directory with
// a timestamped name and prunes to the retention count.
func (s *Store) backupCurrent() error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}
	name := backupPrefix + time.Now().UTC().Format(backupFormat) + ".json"
	if err := copyFile(s.path, filepath.Join(s.backups, name)); err != nil {
		return err
	}
	_, err := s.PruneBackups()
	return err
}

// restoreNewestBackup copies the most recent parseable backup over the
// snapshot path.
func (s *Store) restoreNewestBackup() error {
	names, err := s.backupNames()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("no backups available")
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		p := filepath.Join(s.backups, name)
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var probe map[string]json.RawMessage
		if json.Unmarshal(data, &probe) != nil {
			log.Printf("snapshot: backup %s is also corrupt, trying older", name)
			continue
		}
		if err := copyFile(p, s.path); err != nil {
			return err
		}
		log.Printf("snapshot: restored from backup %s", name)
		return nil
	}
	return fmt.Errorf("no usable backup found among %d candidates", len(names))
}

func (s *Store) backupNames() ([]string, error) {
	entries, err := os.ReadDir(s.backups)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read backup dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// checksum hashes the canonically-ordered job payload (JSON marshaling
// sorts map keys, giving a stable byte stream for identical tables).
func checksum(jobs map[string]*job.SyncJob) (string, error) {
	payload, err := json.Marshal(jobs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("snapshot: open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("snapshot: copy to %s: %w", dst, err)
	}
	return out.Close()
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
