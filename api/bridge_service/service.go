// Package bridgeservice serves worker operations over gRPC. Each session owns
// one worker, so one session holds at most one transaction at a time.
package bridgeservice

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/txbridge/core/bridge"
	"github.com/sushant-115/txbridge/core/cursor"
	"github.com/sushant-115/txbridge/core/dberror"
	"github.com/sushant-115/txbridge/core/storage_engine/boltstore"
	"github.com/sushant-115/txbridge/core/value"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// Config tunes the sessions and backups of the service.
type Config struct {
	// SessionIdleTimeout closes sessions that saw no call for this long.
	// Zero disables the reaper.
	SessionIdleTimeout time.Duration
	// BackupDir is where Backup writes its files.
	BackupDir string
	// BackupBytesPerSec throttles Backup; zero means unthrottled.
	BackupBytesPerSec int64
}

type session struct {
	id       string
	worker   *bridge.Worker
	mu       sync.Mutex
	lastUsed time.Time
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// BridgeServer implements the txbridge.Bridge service.
type BridgeServer struct {
	cfg     Config
	version *bridge.Version
	engine  bridge.QueryEngine
	store   *boltstore.Store
	exec    *cursor.Executor
	opts    bridge.Options
	logger  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	now      func() time.Time
}

func NewBridgeServer(cfg Config, version *bridge.Version, eng bridge.QueryEngine, store *boltstore.Store, exec *cursor.Executor, opts bridge.Options, logger *zap.Logger) *BridgeServer {
	return &BridgeServer{
		cfg:      cfg,
		version:  version,
		engine:   eng,
		store:    store,
		exec:     exec,
		opts:     opts,
		logger:   logger.Named("bridge_service"),
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// Sessions is the number of open sessions.
func (s *BridgeServer) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *BridgeServer) worker(req *structpb.Struct) (*bridge.Worker, error) {
	id, err := stringField(req, "session")
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", dberror.ErrSessionNotFound, id)
	}
	sess.touch(s.now())
	return sess.worker, nil
}

func (s *BridgeServer) OpenSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess := &session{
		id:       uuid.NewString(),
		worker:   bridge.NewWorker(s.version, s.engine, s.exec, s.opts, s.logger),
		lastUsed: s.now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.logger.Info("Session opened", zap.String("sessionID", sess.id))
	return structpb.NewStruct(map[string]any{"session": sess.id})
}

// CloseSession closes the session's cursors and rolls back its open
// transaction.
func (s *BridgeServer) CloseSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := stringField(req, "session")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", dberror.ErrSessionNotFound, id)
	}
	sess.worker.Close()
	s.logger.Info("Session closed", zap.String("sessionID", id))
	return empty(), nil
}

// ReapIdle closes sessions idle for longer than the configured timeout and
// returns how many were closed.
func (s *BridgeServer) ReapIdle() int {
	if s.cfg.SessionIdleTimeout <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.cfg.SessionIdleTimeout)
	var stale []*session
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.idleSince().Before(cutoff) {
			stale = append(stale, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	for _, sess := range stale {
		sess.worker.Close()
		s.logger.Info("Idle session reaped", zap.String("sessionID", sess.id))
	}
	return len(stale)
}

// RunReaper calls ReapIdle periodically until ctx is done.
func (s *BridgeServer) RunReaper(ctx context.Context) {
	if s.cfg.SessionIdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SessionIdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReapIdle()
		}
	}
}

// Close closes every session.
func (s *BridgeServer) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.worker.Close()
	}
}

func (s *BridgeServer) BeginTransaction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	w, err := s.worker(req)
	if err != nil {
		return nil, err
	}
	return empty(), w.BeginTransaction(ctx)
}

func (s *BridgeServer) CommitTransaction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	w, err := s.worker(req)
	if err != nil {
		return nil, err
	}
	return empty(), w.CommitTransaction(ctx)
}

func (s *BridgeServer) RollbackTransaction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	w, err := s.worker(req)
	if err != nil {
		return nil, err
	}
	return empty(), w.RollbackTransaction(ctx)
}

// Store expects {"session", "type", "value", "metadata"} and answers
// {"ids": <id tree>}.
func (s *BridgeServer) Store(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	w, err := s.worker(req)
	if err != nil {
		return nil, err
	}
	typeName, err := stringField(req, "type")
	if err != nil {
		return nil, err
	}
	md, err := metadataField(req)
	if err != nil {
		return nil, err
	}
	v, err := value.FromTagged(anyField(req, "value"))
	if err != nil {
		return nil, err
	}
	tree, err := w.Store(ctx, typeName, value.ToHost(v), md)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"ids": tree.ToHost()})
}

// Delete expects {"session", "type", "filter"?, "metadata"}.
func (s *BridgeServer) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	w, err := s.worker(req)
	if err != nil {
		return nil, err
	}
	typeName, err := stringField(req, "type")
	if err != nil {
		return nil, err
	}
	md, err := metadataField(req)
	if err != nil {
		return nil, err
	}
	filter, err := filterField(req)
	if err != nil {
		return nil, err
	}
	return empty(), w.Delete(ctx, typeName, filter, md)
}

// CrudDelete expects {"session", "type", "urlQuery", "metadata"}.
func (s *BridgeServer) CrudDelete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	w, err := s.worker(req)
	if err != nil {
		return nil, err
	}
	typeName, err := stringField(req, "type")
	if err != nil {
		return nil, err
	}
	md, err := metadataField(req)
	if err != nil {
		return nil, err
	}
	var pairs [][2]string
	if err := decodeField(req, "urlQuery", &pairs); err != nil {
		return nil, err
	}
	return empty(), w.CrudDelete(ctx, typeName, pairs, md)
}

// CrudQuery expects {"session", "params": {"typeName", "urlQuery"}, "metadata"}
// and answers {"results": [...]}.
func (s *BridgeServer) CrudQuery(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	w, err := s.worker(req)
	if err != nil {
		return nil, err
	}
	md, err := metadataField(req)
	if err != nil {
		return nil, err
	}
	params, err := crudParamsField(req)
	if err != nil {
		return nil, err
	}
	out, err := w.CrudQuery(ctx, params, md)
	if err != nil {
		return nil, err
	}
	return hostToStruct(out)
}

// Query expects {"session", "chain", "metadata"} and answers {"cursor": id}.
func (s *BridgeServer) Query(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	w, err := s.worker(req)
	if err != nil {
		return nil, err
	}
	md, err := metadataField(req)
	if err != nil {
		return nil, err
	}
	chain, err := chainField(req)
	if err != nil {
		return nil, err
	}
	id, err := w.Query(ctx, chain, md)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"cursor": float64(id)})
}

func (s *BridgeServer) AdvanceCursor(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	w, err := s.worker(req)
	if err != nil {
		return nil, err
	}
	id, err := cursorField(req)
	if err != nil {
		return nil, err
	}
	return empty(), w.AdvanceCursor(ctx, id)
}

// TakeCursorValue answers {"present": bool, "value": row}.
func (s *BridgeServer) TakeCursorValue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	w, err := s.worker(req)
	if err != nil {
		return nil, err
	}
	id, err := cursorField(req)
	if err != nil {
		return nil, err
	}
	row, ok, err := w.TakeCursorValue(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return structpb.NewStruct(map[string]any{"present": false})
	}
	v, err := value.FromHost(row)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"present": true, "value": value.ToTagged(v)})
}

func (s *BridgeServer) CloseCursor(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	w, err := s.worker(req)
	if err != nil {
		return nil, err
	}
	id, err := cursorField(req)
	if err != nil {
		return nil, err
	}
	return empty(), w.CloseCursor(ctx, id)
}

// Backup expects {"name"} and writes a consistent copy of the store into the
// backup directory. It answers {"bytes", "sha256"}.
func (s *BridgeServer) Backup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := stringField(req, "name")
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.cfg.BackupDir, filepath.Base(name))
	n, sum, err := s.store.BackupFile(ctx, path, s.cfg.BackupBytesPerSec)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Backup served", zap.String("path", path))
	return structpb.NewStruct(map[string]any{"bytes": float64(n), "sha256": sum, "path": path})
}
