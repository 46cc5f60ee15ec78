package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/sync-node/internal/capability"
	"github.com/devrev/pairdb/sync-node/internal/config"
	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/metrics"
	"github.com/devrev/pairdb/sync-node/internal/model"
	"github.com/devrev/pairdb/sync-node/internal/util"
	"github.com/devrev/pairdb/sync-node/internal/validation"
)

// JSONFileStore serves one JSON document on disk as a single value. The
// version is the file mtime in milliseconds, forced to increase. Edits made to
// the file by other processes are picked up through a watch.
type JSONFileStore struct {
	mu          sync.Mutex
	uid         string
	name        string
	source      string
	path        string
	value       interface{}
	raw         []byte
	fingerprint util.Fingerprint
	version     model.Version
	healthy     bool
	listener    TxnListener
	validator   *validation.Validator
	watcher     *fsnotify.Watcher
	done        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewJSONFileStore opens (creating if needed) the document at cfg.Path and
// starts watching it.
func NewJSONFileStore(cfg *config.StoreConfig, logger *zap.Logger, m *metrics.Metrics) (*JSONFileStore, error) {
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Path, err)
	}
	source := cfg.Source
	if source == "" {
		source = cfg.Name
	}

	s := &JSONFileStore{
		uid:       uuid.NewString(),
		name:      cfg.Name,
		source:    source,
		path:      path,
		validator: validation.NewValidator(),
		done:      make(chan struct{}),
		logger:    logger.With(zap.String("store", cfg.Name), zap.String("path", path)),
		metrics:   m,
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
		}
		initial := cfg.Value
		if initial == nil {
			initial = map[string]interface{}{}
		}
		data, err := json.Marshal(initial)
		if err != nil {
			return nil, fmt.Errorf("encode initial value: %w", err)
		}
		if err := writeFileAtomic(path, data); err != nil {
			return nil, err
		}
		s.logger.Info("Created document")
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go s.watchLoop()

	return s, nil
}

// load reads the document without emitting a transaction.
func (s *JSONFileStore) load() error {
	data, mtime, err := s.read()
	if err != nil {
		return err
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.value = v
	s.raw = data
	s.fingerprint = util.FingerprintOf(data)
	s.version = mtime
	s.healthy = true
	s.mu.Unlock()
	return nil
}

func (s *JSONFileStore) read() ([]byte, model.Version, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", s.path, err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, 0, fmt.Errorf("stat %s: %w", s.path, err)
	}
	return data, model.Version(info.ModTime().UnixMilli()), nil
}

func (s *JSONFileStore) watchLoop() {
	defer s.wg.Done()
	base := filepath.Base(s.path)

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.mu.Lock()
				s.healthy = false
				s.mu.Unlock()
				s.logger.Warn("Document removed, serving last known content")
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.reload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("Watcher error", zap.Error(err))
		}
	}
}

// reload picks up an external edit. Events for content already held are
// ignored; unparsable content keeps the last good value. The file is read
// under the lock so a write in progress in Mutate is never observed.
func (s *JSONFileStore) reload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, mtime, err := s.read()
	if err != nil {
		s.logger.Warn("Failed to read document", zap.Error(err))
		return
	}
	if s.fingerprint.Matches(data) {
		s.healthy = true
		return
	}

	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		s.healthy = false
		s.logger.Error("Document is not valid JSON, keeping last good content", zap.Error(err))
		return
	}

	toV := s.nextVersion(mtime)
	if err := s.emitLocked(toV, model.Set(v), model.Metadata{}); err != nil {
		return
	}
	s.value = v
	s.raw = data
	s.fingerprint = util.FingerprintOf(data)
	s.version = toV
	s.healthy = true
	s.logger.Info("Document changed on disk", zap.Int64("version", int64(toV)))
}

// nextVersion returns mtime, or version+1 when mtime did not increase.
func (s *JSONFileStore) nextVersion(mtime model.Version) model.Version {
	if mtime <= s.version {
		s.logger.Warn("mtime not increased, forcing version bump",
			zap.Int64("mtime", int64(mtime)),
			zap.Int64("version", int64(s.version)))
		return s.version + 1
	}
	return mtime
}

func (s *JSONFileStore) emitLocked(toV model.Version, op model.Op, meta model.Metadata) error {
	if s.listener == nil {
		return nil
	}
	if err := s.listener(s.source, s.version, toV, model.SingleTxn(op), stampMeta(meta)); err != nil {
		s.logger.Error("Transaction listener rejected commit", zap.Error(err))
		return err
	}
	return nil
}

func (s *JSONFileStore) StoreInfo() model.StoreInfo {
	return model.StoreInfo{UID: s.uid, Sources: []string{s.source}, Capabilities: singleCaps}
}

func (s *JSONFileStore) SetTxnListener(l TxnListener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// Healthy reports whether the document on disk is present and parsable.
func (s *JSONFileStore) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *JSONFileStore) Fetch(ctx context.Context, q model.Query, opts model.FetchOpts) (*model.FetchResults, error) {
	if err := s.validator.ValidateQuery(q, singleCaps); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res := model.Result{Kind: model.ResultKindSingle}
	if !opts.NoDocs {
		res.Single = s.value
	}
	return &model.FetchResults{
		Results:  res,
		Versions: model.FullVersionRange{s.source: {From: s.version, To: s.version}},
	}, nil
}

// Mutate applies op to the document and writes it back.
func (s *JSONFileStore) Mutate(ctx context.Context, txn model.Txn, expected model.FullVersion, opts model.MutateOpts) (model.FullVersion, error) {
	if err := s.validator.ValidateMutation(txn, singleCaps); err != nil {
		return nil, err
	}

	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := expected[s.source]; ok && ev < s.version {
		s.metrics.RecordConflict()
		return nil, errors.VersionConflict(s.source, int64(ev), int64(s.version))
	}

	val, exists, err := capability.Types.Apply(s.value, s.value != nil, txn.Single)
	if err != nil {
		return nil, fmt.Errorf("apply: %w", err)
	}
	if !exists {
		val = nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, errors.InvalidArgument("value is not JSON encodable", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		s.metrics.RecordMutation(s.name, "error", time.Since(start).Seconds())
		return nil, errors.Unavailable("write document", err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		s.restoreLocked()
		return nil, errors.Unavailable("stat document", err)
	}

	toV := s.nextVersion(model.Version(info.ModTime().UnixMilli()))
	if err := s.emitLocked(toV, withNewVal(txn.Single, val, exists), opts.Meta); err != nil {
		s.restoreLocked()
		s.metrics.RecordMutation(s.name, "rejected", time.Since(start).Seconds())
		return nil, err
	}
	s.value = val
	s.raw = data
	s.fingerprint = util.FingerprintOf(data)
	s.version = toV
	s.healthy = true
	s.metrics.RecordMutation(s.name, "ok", time.Since(start).Seconds())
	return model.FullVersion{s.source: toV}, nil
}

// restoreLocked puts the last committed content back on disk after a
// rejected commit. The fingerprint is unchanged, so the watcher ignores the
// rewrite.
func (s *JSONFileStore) restoreLocked() {
	if err := writeFileAtomic(s.path, s.raw); err != nil {
		s.healthy = false
		s.logger.Error("Failed to restore document after rejected commit", zap.Error(err))
	}
}

// Close stops the watch.
func (s *JSONFileStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
