package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// skipDirs mirrors the teacher's snapshot walker: directories never worth
// snapshotting.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true,
	".venv": true, "vendor": true, ".cache": true, ".next": true,
	"dist": true, "build": true, "target": true, ".snow": true,
}

const maxSnapshotFileSize = 1 << 20

// SnapshotEntry is one (messageIndex, path) -> contentHash index record.
type SnapshotEntry struct {
	MessageIndex int    `json:"messageIndex"`
	Path         string `json:"path"`
	Hash         string `json:"hash"` // empty hash means "file was absent"
}

// snapshotIndex is the per-session index file: entries ordered by
// MessageIndex ascending within each path, so the largest index strictly
// less than a rollback target is a simple scan.
type snapshotIndex struct {
	Entries []SnapshotEntry `json:"entries"`
}

// Snapshots owns the blob store and per-session index files, rooted under
// the same data directory as the session documents.
type Snapshots struct {
	root string // <user-home>/.snow

	mu      sync.Mutex
	indexMu map[string]*sync.Mutex
}

// NewSnapshots opens the blob/index store rooted at dataDir.
func NewSnapshots(dataDir string) *Snapshots {
	return &Snapshots{root: dataDir, indexMu: make(map[string]*sync.Mutex)}
}

func (s *Snapshots) blobPath(hash string) string {
	return filepath.Join(s.root, "blobs", hash[:2], hash)
}

func (s *Snapshots) indexPath(sessionID string) string {
	return filepath.Join(s.root, "snapshots", sessionID+".json")
}

func (s *Snapshots) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.indexMu[sessionID]
	if !ok {
		m = &sync.Mutex{}
		s.indexMu[sessionID] = m
	}
	return m
}

func hashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// putBlob writes content under its hash, a no-op if the blob already
// exists (identical content costs zero additional storage).
func (s *Snapshots) putBlob(hash string, content []byte) error {
	path := s.blobPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

func (s *Snapshots) getBlob(hash string) ([]byte, error) {
	return os.ReadFile(s.blobPath(hash))
}

func (s *Snapshots) loadIndex(sessionID string) (*snapshotIndex, error) {
	data, err := os.ReadFile(s.indexPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return &snapshotIndex{}, nil
	}
	if err != nil {
		return nil, err
	}
	var idx snapshotIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

func (s *Snapshots) saveIndex(sessionID string, idx *snapshotIndex) error {
	path := s.indexPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Record stores a snapshot of one file's content (or its absence) as the
// state that existed *before* messageIndex was appended. Content being nil
// means the file was absent at that point.
func (s *Snapshots) Record(sessionID string, messageIndex int, relPath string, content []byte) error {
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	hash := ""
	if content != nil {
		hash = hashBytes(content)
		if err := s.putBlob(hash, content); err != nil {
			return fmt.Errorf("session: store blob: %w", err)
		}
	}

	idx, err := s.loadIndex(sessionID)
	if err != nil {
		return fmt.Errorf("session: load snapshot index: %w", err)
	}
	idx.Entries = append(idx.Entries, SnapshotEntry{MessageIndex: messageIndex, Path: relPath, Hash: hash})
	return s.saveIndex(sessionID, idx)
}

// SnapshotTouchedFiles diffs post against pre (walks of the project taken
// with WalkProject after and before the tool batch ran) and records one
// snapshot entry per changed, created or removed path, keyed at
// messageIndex — the index the about-to-be-appended tool results will
// occupy. It does not walk the filesystem itself; projectRoot is not read.
func (s *Snapshots) SnapshotTouchedFiles(ctx context.Context, sessionID, projectRoot string, messageIndex int, pre, post map[string]FileState) ([]string, error) {
	var touched []string
	for rel, postState := range post {
		preState, existed := pre[rel]
		if existed && preState.Equal(postState) {
			continue
		}
		var before []byte
		if existed {
			before = preState.Content
		}
		if err := s.Record(sessionID, messageIndex, rel, before); err != nil {
			return touched, err
		}
		touched = append(touched, rel)
	}
	for rel, preState := range pre {
		if _, stillExists := post[rel]; stillExists {
			continue
		}
		if err := s.Record(sessionID, messageIndex, rel, preState.Content); err != nil {
			return touched, err
		}
		touched = append(touched, rel)
	}
	return touched, nil
}

// FileState is a lightweight pre/post record for change detection,
// mirroring the teacher's FileSnapshot shape.
type FileState struct {
	Size    int64
	ModTime int64
	Content []byte
}

func (f FileState) Equal(o FileState) bool {
	return f.Size == o.Size && f.ModTime == o.ModTime
}

// WalkProject snapshots the current content of every file under root,
// skipping VCS/build directories, pre-reading files under the size cap so
// Record can diff/store them without re-reading the filesystem later.
func WalkProject(root string) map[string]FileState {
	out := make(map[string]FileState)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		st := FileState{Size: info.Size(), ModTime: info.ModTime().UnixNano()}
		if info.Size() <= maxSnapshotFileSize {
			st.Content, _ = os.ReadFile(path)
		}
		out[rel] = st
		return nil
	})
	return out
}

// Rollback restores every file touched at message index >= target back to
// its snapshot strictly before target (or deletes it if absent there),
// per the spec's rollback semantics: created files are deleted, not just
// reverted to empty.
func (s *Snapshots) Rollback(sessionID, projectRoot string, target int) ([]string, error) {
	mu := s.lockFor(sessionID)
	mu.Lock()
	idx, err := s.loadIndex(sessionID)
	mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("session: load snapshot index: %w", err)
	}

	latestBefore := make(map[string]*SnapshotEntry)
	everTouchedAtOrAfter := make(map[string]bool)
	for i := range idx.Entries {
		e := idx.Entries[i]
		if e.MessageIndex >= target {
			everTouchedAtOrAfter[e.Path] = true
			continue
		}
		if cur, ok := latestBefore[e.Path]; !ok || e.MessageIndex > cur.MessageIndex {
			latestBefore[e.Path] = &e
		}
	}

	var rolledBack []string
	for path := range everTouchedAtOrAfter {
		abs := filepath.Join(projectRoot, path)
		entry, hadEarlier := latestBefore[path]
		if !hadEarlier || entry.Hash == "" {
			if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
				return rolledBack, fmt.Errorf("session: rollback delete %s: %w", path, err)
			}
			rolledBack = append(rolledBack, path)
			continue
		}
		content, err := s.getBlob(entry.Hash)
		if err != nil {
			return rolledBack, fmt.Errorf("session: rollback read blob for %s: %w", path, err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return rolledBack, err
		}
		if err := os.WriteFile(abs, content, 0o644); err != nil {
			return rolledBack, fmt.Errorf("session: rollback write %s: %w", path, err)
		}
		rolledBack = append(rolledBack, path)
	}
	return rolledBack, nil
}

// RollbackPreview returns the current on-disk content and the snapshot
// content at the largest index strictly before target, without mutating
// anything, for the UI's pre-rollback diff view.
func (s *Snapshots) RollbackPreview(sessionID, projectRoot, path string, target int) (current, snapshot []byte, err error) {
	current, _ = os.ReadFile(filepath.Join(projectRoot, path))

	mu := s.lockFor(sessionID)
	mu.Lock()
	idx, lerr := s.loadIndex(sessionID)
	mu.Unlock()
	if lerr != nil {
		return current, nil, lerr
	}

	var best *SnapshotEntry
	for i := range idx.Entries {
		e := idx.Entries[i]
		if e.Path != path || e.MessageIndex >= target {
			continue
		}
		if best == nil || e.MessageIndex > best.MessageIndex {
			best = &e
		}
	}
	if best == nil || best.Hash == "" {
		return current, nil, nil
	}
	snapshot, err = s.getBlob(best.Hash)
	return current, snapshot, err
}

// RollbackPoints lists, per prior user turn, how many files have a
// snapshot entry at that message index, for the UI's rollback-points list.
func (s *Snapshots) RollbackPoints(sessionID string) (map[int]int, error) {
	idx, err := s.loadIndex(sessionID)
	if err != nil {
		return nil, err
	}
	counts := make(map[int]int)
	for _, e := range idx.Entries {
		counts[e.MessageIndex]++
	}
	return counts, nil
}
