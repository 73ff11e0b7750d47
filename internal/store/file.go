package store

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/quantpool/capital-engine/internal/errs"
	"github.com/quantpool/capital-engine/internal/model"
)

const (
	snapshotFile     = "snapshot.json"
	backupFile       = "snapshot.json.bak"
	tempFile         = "snapshot.json.tmp"
	decommissionFile = "decommissions.log"
	auditFile        = "audit.log"
)

// FileStore persists state under a single directory:
//
//	snapshot.json      current snapshot
//	snapshot.json.bak  previous snapshot
//	decommissions.log  append-only JSONL of decommission results
//	audit.log          append-only JSONL of audit events
//
// Writes are atomic: the previous snapshot is copied to the backup path, the
// new one is written to a temporary file, then renamed into place. A crash
// between these steps never leaves a torn write visible to LoadSnapshot.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindWriteFailure, err, "create data dir")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(name string) string { return filepath.Join(s.dir, name) }

func (s *FileStore) SaveSnapshot(_ context.Context, snap *model.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindWriteFailure, err, "encode snapshot")
	}

	// Keep the previous snapshot reachable while the new one lands.
	if prev, err := os.ReadFile(s.path(snapshotFile)); err == nil {
		if err := os.WriteFile(s.path(backupFile), prev, 0o644); err != nil {
			return errs.Wrap(errs.KindWriteFailure, err, "write backup")
		}
	} else if !os.IsNotExist(err) {
		return errs.Wrap(errs.KindWriteFailure, err, "read current snapshot")
	}

	tmp := s.path(tempFile)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.KindWriteFailure, err, "write snapshot")
	}
	if err := os.Rename(tmp, s.path(snapshotFile)); err != nil {
		return errs.Wrap(errs.KindWriteFailure, err, "commit snapshot")
	}
	return nil
}

func (s *FileStore) LoadSnapshot(_ context.Context) (*model.Snapshot, error) {
	snap, err := readSnapshot(s.path(snapshotFile))
	if err == nil || os.IsNotExist(err) {
		if snap == nil {
			return nil, nil
		}
		return snap, nil
	}

	// Primary unreadable or invalid: fall back to the backup.
	backup, berr := readSnapshot(s.path(backupFile))
	if berr == nil && backup != nil {
		return backup, nil
	}
	return nil, errs.Wrap(errs.KindStateCorruption, err, "snapshot failed validation and no usable backup")
}

// readSnapshot loads and validates one snapshot file. A missing file returns
// (nil, fs not-exist error) so callers can distinguish absent from corrupt.
func readSnapshot(path string) (*model.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *FileStore) AppendDecommission(_ context.Context, res model.DecommissionResult) error {
	return s.appendLine(decommissionFile, res)
}

func (s *FileStore) DecommissionHistory(_ context.Context) ([]model.DecommissionResult, error) {
	f, err := os.Open(s.path(decommissionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindWriteFailure, err, "open decommission log")
	}
	defer f.Close()

	var results []model.DecommissionResult
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var res model.DecommissionResult
		if err := json.Unmarshal(line, &res); err != nil {
			return nil, errs.Wrap(errs.KindStateCorruption, err, "decode decommission record")
		}
		results = append(results, res)
	}
	if err := sc.Err(); err != nil {
		return nil, errs.Wrap(errs.KindWriteFailure, err, "scan decommission log")
	}
	return results, nil
}

func (s *FileStore) AppendAudit(_ context.Context, ev model.AuditEvent) error {
	return s.appendLine(auditFile, ev)
}

// appendLine writes one self-describing JSON record per line. The logs are
// append-only and never rewritten in place.
func (s *FileStore) appendLine(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.KindWriteFailure, err, "encode record")
	}
	f, err := os.OpenFile(s.path(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindWriteFailure, err, "open log")
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return errs.Wrap(errs.KindWriteFailure, err, "append record")
	}
	return nil
}
