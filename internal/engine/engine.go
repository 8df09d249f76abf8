// Package engine implements the Engine orchestrator (§2.9, EXP-3, EXP-4):
// the object every wire operation (add, remove, set, reconcile, select,
// get, describe, browse, verify, find, search, audit, revert, calculate,
// stage, commit, abort) ultimately calls into, and the owner of each
// environment's Buffer/Database/LockService/Clock/audit log plus the
// background transporter, compactor, and lock-GC daemons that keep them
// healthy.
//
// Grounded on internal/store.Store (§EXP-1): Store wires together a WAL, a
// SQLite index, and filesystem primitives behind one constructor/Close
// pair; Engine does the analogous job for a set of independent
// environments, each with its own on-disk subtree (§6 on-disk layout,
// EXP-3.4).
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/concoursedb/concourse/internal/audit"
	"github.com/concoursedb/concourse/internal/buffer"
	"github.com/concoursedb/concourse/internal/cerr"
	"github.com/concoursedb/concourse/internal/clock"
	"github.com/concoursedb/concourse/internal/compactor"
	"github.com/concoursedb/concourse/internal/config"
	"github.com/concoursedb/concourse/internal/database"
	"github.com/concoursedb/concourse/internal/lockservice"
	"github.com/concoursedb/concourse/internal/txn"
	"github.com/concoursedb/concourse/pkg/fs"
)

// environment bundles one storage root's live collaborators (EXP-3.4: each
// environment gets its own "<db_dir>/<environment>/..." subtree).
type environment struct {
	name string
	fsys fs.FS

	buf    *buffer.Buffer
	db     *database.Database
	locks  *lockservice.LockService
	ranges *lockservice.RangeLockService
	clk    *clock.Clock
	auditL *audit.Log

	txDir string

	transporter *buffer.Transporter
	compactor   *compactor.Compactor

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	txns map[string]*txn.Transaction
}

// Engine is the storage engine's public entry point: one Engine owns every
// environment for a given root directory.
type Engine struct {
	cfg  config.Config
	fsys fs.FS
	root string
	log  *zap.SugaredLogger

	mu   sync.RWMutex
	envs map[string]*environment
}

// Open returns a ready Engine rooted at root, using cfg for every
// environment it lazily creates. log may be nil (a no-op logger is used),
// matching teacher's own tolerance for an absent logger in tests.
func Open(cfg config.Config, fsys fs.FS, root string, log *zap.SugaredLogger) (*Engine, error) {
	if root == "" {
		return nil, fmt.Errorf("engine: root directory is empty: %w", cerr.ErrInvalidArgument)
	}

	if log == nil {
		log = zap.NewNop().Sugar()
	}

	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("engine: mkdir %s: %w", root, err)
	}

	return &Engine{
		cfg:  cfg,
		fsys: fsys,
		root: root,
		log:  log,
		envs: make(map[string]*environment),
	}, nil
}

func (e *Engine) resolveEnv(name string) string {
	if name == "" {
		return e.cfg.DefaultEnvironment
	}

	return name
}

// environment returns the named environment, opening its on-disk state on
// first use (EXP-3.4).
func (e *Engine) environment(ctx context.Context, name string) (*environment, error) {
	name = e.resolveEnv(name)

	e.mu.RLock()
	env, ok := e.envs[name]
	e.mu.RUnlock()

	if ok {
		return env, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if env, ok := e.envs[name]; ok {
		return env, nil
	}

	env, err := e.openEnvironment(ctx, name)
	if err != nil {
		return nil, err
	}

	e.envs[name] = env

	return env, nil
}

func (e *Engine) openEnvironment(ctx context.Context, name string) (*environment, error) {
	envDir := filepath.Join(e.root, name)

	dbDir := filepath.Join(envDir, e.cfg.DBDir)
	bufDir := filepath.Join(envDir, e.cfg.BufferDir)
	txDir := filepath.Join(envDir, "transactions")
	auditPath := filepath.Join(envDir, "audit.sqlite")

	if err := e.fsys.MkdirAll(txDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: mkdir %s: %w", txDir, err)
	}

	buf, err := buffer.Open(e.fsys, bufDir, e.cfg.PageSize, e.cfg.HighWaterMarkPages)
	if err != nil {
		return nil, fmt.Errorf("engine: open buffer for %q: %w", name, cerr.ErrIO)
	}

	db, err := database.Open(e.fsys, dbDir)
	if err != nil {
		_ = buf.Close()
		return nil, fmt.Errorf("engine: open database for %q: %w", name, cerr.ErrSegmentLoading)
	}

	auditLog, err := audit.Open(ctx, auditPath)
	if err != nil {
		_ = buf.Close()
		_ = db.Close()

		return nil, fmt.Errorf("engine: open audit log for %q: %w", name, err)
	}

	env := &environment{
		name:   name,
		fsys:   e.fsys,
		buf:    buf,
		db:     db,
		locks:  lockservice.New(),
		ranges: lockservice.NewRange(),
		clk:    clock.New(),
		auditL: auditLog,
		txDir:  txDir,
		txns:   make(map[string]*txn.Transaction),
	}

	deps := env.deps()
	if err := txn.Recover(ctx, e.fsys, txDir, deps); err != nil {
		_ = buf.Close()
		_ = db.Close()
		_ = auditLog.Close()

		return nil, fmt.Errorf("engine: recover transactions for %q: %w", name, err)
	}

	env.compactor = compactor.New(db, e.fsys, e.log.With("component", "compactor", "environment", name))
	env.compactor.MinorRun = 2
	env.compactor.MajorRun = 0

	env.transporter = buffer.NewTransporter(e.cfg, e.log.With("component", "transporter", "environment", name))

	daemonCtx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel

	env.wg.Add(1)

	go func() {
		defer env.wg.Done()
		env.transporter.Run(daemonCtx, buf, db)
	}()

	env.wg.Add(1)

	go func() {
		defer env.wg.Done()
		env.compactor.RunMinor(daemonCtx, time.Duration(e.cfg.CompactorMinorIntervalMillis)*time.Millisecond)
	}()

	env.wg.Add(1)

	go func() {
		defer env.wg.Done()
		env.compactor.RunMajor(daemonCtx, time.Duration(e.cfg.CompactorMajorIntervalMillis)*time.Millisecond)
	}()

	env.wg.Add(1)

	go func() {
		defer env.wg.Done()
		lockGCLoop(daemonCtx, env.locks, time.Duration(e.cfg.LockGCIntervalMillis)*time.Millisecond)
	}()

	return env, nil
}

// lockGCLoop periodically reclaims zero-refcount lock entries (§4.8),
// grounded on the same ticker-driven background loop shape
// internal/compactor.Compactor.run uses for its own schedules.
func lockGCLoop(ctx context.Context, locks *lockservice.LockService, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			locks.GC()
		}
	}
}

// deps bundles this environment's collaborators into an
// [internal/txn.Deps] value for starting an AtomicOperation/Transaction.
func (env *environment) deps() txn.Deps {
	return txn.Deps{
		Buffer: env.buf,
		DB:     env.db,
		Locks:  env.locks,
		Ranges: env.ranges,
		Clock:  env.clk,
		FS:     env.fsys,
	}
}

// Close stops every environment's background daemons and closes its
// storage handles.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error

	for name, env := range e.envs {
		env.cancel()
		env.wg.Wait()

		if err := env.buf.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("engine: close buffer for %q: %w", name, err)
		}

		if err := env.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("engine: close database for %q: %w", name, err)
		}

		if err := env.auditL.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("engine: close audit log for %q: %w", name, err)
		}
	}

	e.envs = make(map[string]*environment)

	return firstErr
}
