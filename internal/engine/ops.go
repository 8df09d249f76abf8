package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/concoursedb/concourse/internal/audit"
	"github.com/concoursedb/concourse/internal/cerr"
	"github.com/concoursedb/concourse/internal/query"
	"github.com/concoursedb/concourse/internal/txn"
	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
)

// beginOp starts a throwaway AtomicOperation for one non-transactional
// write (§4.9's protocol, run start-to-finish inside a single Engine call
// with no staging step visible to the caller).
func beginOp(env *environment) (*txn.AtomicOperation, error) {
	op, err := txn.Begin(env.deps())
	if err != nil {
		return nil, fmt.Errorf("engine: begin operation: %w", cerr.ErrIO)
	}

	return op, nil
}

// reader is the subset of [*txn.AtomicOperation]/[*txn.Transaction] a
// read-side operation needs: its snapshot, its own pending writes to
// overlay, and the hooks the query evaluator uses to register the locks
// that give §4.9 its repeatable-read and phantom-read guarantees. A "" txID
// in every public operation below means "no transaction": reads run
// against the environment's latest committed state with no locks taken
// (§4.7), and writes commit immediately through a throwaway
// [txn.AtomicOperation] (§4.9's protocol with no caller-visible staging
// step).
type reader interface {
	SnapshotCeiling() uint64
	PendingWrites() []write.Write
	RegisterRead(record tval.Identifier, key tval.Key) error
	RegisterRange(key tval.Key, lo, hi tval.Value, loInclusive, hiInclusive bool)
	Stage(record tval.Identifier, key tval.Key, value tval.Value, action write.Action) error
}

// lookupTxn resolves a non-empty transaction id to its live Transaction, or
// returns ErrTransactionState if it is unknown (already committed, aborted,
// or never existed) -- a client retrying against a dead transaction id
// should see the same error family a conflicting commit would produce.
func (env *environment) lookupTxn(txID string) (reader, error) {
	if txID == "" {
		return nil, nil
	}

	env.mu.Lock()
	tx, ok := env.txns[txID]
	env.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("engine: unknown transaction %q: %w", txID, cerr.ErrTransactionState)
	}

	return tx, nil
}

// viewFor builds the view a read operation should see: either a
// transaction's own snapshot-plus-overlay, or the environment's latest
// committed state when txID is "" and at is 0 (§4.7).
func (env *environment) viewFor(r reader, at uint64) view {
	if r != nil {
		return env.viewAt(r.SnapshotCeiling(), r.PendingWrites())
	}

	if at == 0 {
		at = env.clk.Ceiling()
	}

	return env.viewAt(at, nil)
}

// Add asserts (record, key, value) as present (§8 scenario 1). Per §3
// invariant 2, ADD of an already-present triple is rejected; this is
// surfaced the way Concourse's own wire API does, as a no-op boolean result
// rather than a client-facing error, since "the triple you asked for is
// already true" is not a usage mistake.
func (e *Engine) Add(ctx context.Context, envName, txID string, record tval.Identifier, key tval.Key, value tval.Value) (bool, uint64, error) {
	return e.toggle(ctx, envName, txID, record, key, value, write.ActionAdd)
}

// Remove asserts (record, key, value) as absent (§8 scenario 1). Per §3
// invariant 2, REMOVE of an absent triple is rejected the same way.
func (e *Engine) Remove(ctx context.Context, envName, txID string, record tval.Identifier, key tval.Key, value tval.Value) (bool, uint64, error) {
	return e.toggle(ctx, envName, txID, record, key, value, write.ActionRemove)
}

// toggle implements Add/Remove's shared shape: read the current presence of
// (record, key, value), skip if the action would be a no-op under the odd-
// parity invariant, otherwise stage and commit (or stage into an existing
// transaction, leaving commit to the caller's later Commit call).
func (e *Engine) toggle(ctx context.Context, envName, txID string, record tval.Identifier, key tval.Key, value tval.Value, action write.Action) (bool, uint64, error) {
	if err := tval.ValidateKey(key); err != nil {
		return false, 0, fmt.Errorf("engine: %w: %v", cerr.ErrInvalidArgument, err)
	}

	env, err := e.environment(ctx, envName)
	if err != nil {
		return false, 0, err
	}

	r, err := env.lookupTxn(txID)
	if err != nil {
		return false, 0, err
	}

	present, err := env.present(r, record, key, value, 0)
	if err != nil {
		return false, 0, err
	}

	wantPresent := action == write.ActionAdd
	if present == wantPresent {
		return false, 0, nil
	}

	if r != nil {
		if err := r.RegisterRead(record, key); err != nil {
			return false, 0, fmt.Errorf("engine: %w", cerr.ErrTransactionState)
		}

		if err := r.Stage(record, key, value, action); err != nil {
			return false, 0, translateStageErr(err)
		}

		return true, 0, nil
	}

	version, err := env.commitOne(ctx, record, key, value, action)
	if err != nil {
		return false, 0, err
	}

	return true, version, nil
}

func translateStageErr(err error) error {
	if cerr.IsAtomicState(err) {
		return fmt.Errorf("engine: %w", cerr.ErrTransactionState)
	}

	return fmt.Errorf("engine: stage: %w", err)
}

// present reports whether (record, key, value) currently holds under the
// odd-parity rule (§3 invariant 2), as observed by r's view (or the
// environment's latest state when r is nil).
func (env *environment) present(r reader, record tval.Identifier, key tval.Key, value tval.Value, at uint64) (bool, error) {
	v := env.viewFor(r, at)

	h, err := v.tableRecord(record)
	if err != nil {
		return false, fmt.Errorf("engine: read record %d: %w", record, cerr.ErrIO)
	}
	defer h.Release()

	for _, existing := range h.Record.Get(key, v.version) {
		if tval.Equal(existing, value) {
			return true, nil
		}
	}

	return false, nil
}

// commitOne applies a single (record, key, value, action) write through a
// throwaway AtomicOperation, appends it to the audit log, and returns its
// assigned version -- the non-transactional path every Add/Remove/Set/
// Reconcile/Revert call takes when the caller passes no transaction id.
func (env *environment) commitOne(ctx context.Context, record tval.Identifier, key tval.Key, value tval.Value, action write.Action) (uint64, error) {
	return env.commitMany(ctx, []pendingOp{{record: record, key: key, value: value, action: action}})
}

type pendingOp struct {
	record tval.Identifier
	key    tval.Key
	value  tval.Value
	action write.Action
}

func (env *environment) commitMany(ctx context.Context, ops []pendingOp) (uint64, error) {
	op, err := beginOp(env)
	if err != nil {
		return 0, err
	}

	for _, p := range ops {
		if err := op.Stage(p.record, p.key, p.value, p.action); err != nil {
			op.Abort()
			return 0, translateStageErr(err)
		}
	}

	version, err := op.Commit(ctx)
	if err != nil {
		return 0, translateStageErr(err)
	}

	for _, p := range ops {
		w, werr := write.New(p.record, p.key, p.value, version, p.action)
		if werr == nil {
			// The write is already durable in the Buffer; a failure to
			// mirror it into the audit log is not reported back as a
			// write failure; that entry is then missing from audit(), as
			// nothing rebuilds the audit log from the Buffer.
			_ = env.auditL.Append(ctx, w)
		}
	}

	return version, nil
}

// Set replaces every value currently present under (record, key) with
// exactly value (EXP-3, the real Concourse API's "set" semantics): every
// other present value is retracted and the requested one asserted, as one
// atomic unit so a concurrent reader never observes a moment with zero or
// two values.
func (e *Engine) Set(ctx context.Context, envName, txID string, record tval.Identifier, key tval.Key, value tval.Value) (uint64, error) {
	return e.reconcileTo(ctx, envName, txID, record, key, []tval.Value{value})
}

// Reconcile replaces the full set of values currently present under
// (record, key) with exactly values (deduplicated by canonical bytes, §8
// scenario 2), retracting what's no longer wanted and asserting what's
// newly wanted, atomically.
func (e *Engine) Reconcile(ctx context.Context, envName, txID string, record tval.Identifier, key tval.Key, values []tval.Value) (uint64, error) {
	return e.reconcileTo(ctx, envName, txID, record, key, values)
}

func (e *Engine) reconcileTo(ctx context.Context, envName, txID string, record tval.Identifier, key tval.Key, values []tval.Value) (uint64, error) {
	if err := tval.ValidateKey(key); err != nil {
		return 0, fmt.Errorf("engine: %w: %v", cerr.ErrInvalidArgument, err)
	}

	env, err := e.environment(ctx, envName)
	if err != nil {
		return 0, err
	}

	r, err := env.lookupTxn(txID)
	if err != nil {
		return 0, err
	}

	wanted := dedupValues(values)

	v := env.viewFor(r, 0)

	h, err := v.tableRecord(record)
	if err != nil {
		return 0, fmt.Errorf("engine: read record %d: %w", record, cerr.ErrIO)
	}

	current := h.Record.Get(key, v.version)
	h.Release()

	var ops []pendingOp

	for _, c := range current {
		if !containsValue(wanted, c) {
			ops = append(ops, pendingOp{record: record, key: key, value: c, action: write.ActionRemove})
		}
	}

	for _, w := range wanted {
		if !containsValue(current, w) {
			ops = append(ops, pendingOp{record: record, key: key, value: w, action: write.ActionAdd})
		}
	}

	if len(ops) == 0 {
		return 0, nil
	}

	if r != nil {
		if err := r.RegisterRead(record, key); err != nil {
			return 0, fmt.Errorf("engine: %w", cerr.ErrTransactionState)
		}

		for _, p := range ops {
			if err := r.Stage(p.record, p.key, p.value, p.action); err != nil {
				return 0, translateStageErr(err)
			}
		}

		return 0, nil
	}

	return env.commitMany(ctx, ops)
}

func dedupValues(values []tval.Value) []tval.Value {
	seen := make(map[string]bool, len(values))

	out := make([]tval.Value, 0, len(values))

	for _, v := range values {
		k := string(tval.CanonicalBytes(v))
		if seen[k] {
			continue
		}

		seen[k] = true

		out = append(out, v)
	}

	return out
}

func containsValue(values []tval.Value, target tval.Value) bool {
	for _, v := range values {
		if tval.Equal(v, target) {
			return true
		}
	}

	return false
}

// Verify reports whether (record, key, value) is currently present
// (§8 scenario 1).
func (e *Engine) Verify(ctx context.Context, envName, txID string, record tval.Identifier, key tval.Key, value tval.Value, at uint64) (bool, error) {
	env, err := e.environment(ctx, envName)
	if err != nil {
		return false, err
	}

	r, err := env.lookupTxn(txID)
	if err != nil {
		return false, err
	}

	if r != nil {
		if err := r.RegisterRead(record, key); err != nil {
			return false, fmt.Errorf("engine: %w", cerr.ErrTransactionState)
		}
	}

	return env.present(r, record, key, value, at)
}

// Get returns the set of values currently held under (record, key), the
// same shape §8 scenario 1's `fetch` calls use.
func (e *Engine) Get(ctx context.Context, envName, txID string, record tval.Identifier, key tval.Key, at uint64) ([]tval.Value, error) {
	if err := tval.ValidateKey(key); err != nil {
		return nil, fmt.Errorf("engine: %w: %v", cerr.ErrInvalidArgument, err)
	}

	env, err := e.environment(ctx, envName)
	if err != nil {
		return nil, err
	}

	r, err := env.lookupTxn(txID)
	if err != nil {
		return nil, err
	}

	if r != nil {
		if err := r.RegisterRead(record, key); err != nil {
			return nil, fmt.Errorf("engine: %w", cerr.ErrTransactionState)
		}
	}

	v := env.viewFor(r, at)

	h, err := v.tableRecord(record)
	if err != nil {
		return nil, fmt.Errorf("engine: read record %d: %w", record, cerr.ErrIO)
	}
	defer h.Release()

	return h.Record.Get(key, v.version), nil
}

// Fetch is Get's name under §8 scenario 1's literal wire vocabulary; the two
// are the same read.
func (e *Engine) Fetch(ctx context.Context, envName, txID string, record tval.Identifier, key tval.Key, at uint64) ([]tval.Value, error) {
	return e.Get(ctx, envName, txID, record, key, at)
}

// Select returns, for every requested record, the full current {key ->
// values} map restricted to keys (or every populated key when keys is
// empty) -- the bulk multi-record/multi-key read of §6's CRUD surface.
func (e *Engine) Select(ctx context.Context, envName, txID string, records []tval.Identifier, keys []tval.Key, at uint64) (map[tval.Identifier]map[tval.Key][]tval.Value, error) {
	env, err := e.environment(ctx, envName)
	if err != nil {
		return nil, err
	}

	r, err := env.lookupTxn(txID)
	if err != nil {
		return nil, err
	}

	v := env.viewFor(r, at)

	out := make(map[tval.Identifier]map[tval.Key][]tval.Value, len(records))

	for _, id := range records {
		h, err := v.tableRecord(id)
		if err != nil {
			return nil, fmt.Errorf("engine: read record %d: %w", id, cerr.ErrIO)
		}

		full := h.Record.Browse(v.version)
		h.Release()

		if len(keys) == 0 {
			out[id] = full
			continue
		}

		filtered := make(map[tval.Key][]tval.Value, len(keys))

		for _, k := range keys {
			if r != nil {
				if err := r.RegisterRead(id, k); err != nil {
					return nil, fmt.Errorf("engine: %w", cerr.ErrTransactionState)
				}
			}

			if vs, ok := full[k]; ok {
				filtered[k] = vs
			}
		}

		out[id] = filtered
	}

	return out, nil
}

// Describe returns the set of keys currently populated on record (EXP-3.3):
// like Browse but without the values.
func (e *Engine) Describe(ctx context.Context, envName, txID string, record tval.Identifier, at uint64) ([]tval.Key, error) {
	env, err := e.environment(ctx, envName)
	if err != nil {
		return nil, err
	}

	r, err := env.lookupTxn(txID)
	if err != nil {
		return nil, err
	}

	v := env.viewFor(r, at)

	h, err := v.tableRecord(record)
	if err != nil {
		return nil, fmt.Errorf("engine: read record %d: %w", record, cerr.ErrIO)
	}
	defer h.Release()

	browsed := h.Record.Browse(v.version)

	keys := make([]tval.Key, 0, len(browsed))
	for k := range browsed {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	return keys, nil
}

// Browse returns every key currently holding at least one present value on
// record, with its values (§4.5).
func (e *Engine) Browse(ctx context.Context, envName, txID string, record tval.Identifier, at uint64) (map[tval.Key][]tval.Value, error) {
	env, err := e.environment(ctx, envName)
	if err != nil {
		return nil, err
	}

	r, err := env.lookupTxn(txID)
	if err != nil {
		return nil, err
	}

	v := env.viewFor(r, at)

	h, err := v.tableRecord(record)
	if err != nil {
		return nil, fmt.Errorf("engine: read record %d: %w", record, cerr.ErrIO)
	}
	defer h.Release()

	return h.Record.Browse(v.version), nil
}

// Find evaluates a postfix query (§4.11) against the environment, inside a
// transaction when txID != "" so every leaf lookup registers the repeatable-
// read / phantom-read locks §4.9 and §8 scenario 3 require.
func (e *Engine) Find(ctx context.Context, envName, txID string, q query.Queue, at uint64) ([]tval.Identifier, error) {
	env, err := e.environment(ctx, envName)
	if err != nil {
		return nil, err
	}

	r, err := env.lookupTxn(txID)
	if err != nil {
		return nil, err
	}

	q, pinned := query.At(q, at)

	v := env.viewFor(r, pinned)

	src := indexSource{v: v}

	var locker query.RangeLocker
	if r != nil {
		locker = rangeLocker{register: r.RegisterRange}
	}

	ids, err := query.Eval(q, src, v.version, locker)
	if err != nil {
		return nil, fmt.Errorf("engine: find: %w", cerr.ErrParse)
	}

	return ids, nil
}

// Search runs a full-text substring search for term under key (§4.10, §8
// scenario 7).
func (e *Engine) Search(ctx context.Context, envName, txID string, key tval.Key, term string, at uint64) ([]tval.Identifier, error) {
	env, err := e.environment(ctx, envName)
	if err != nil {
		return nil, err
	}

	r, err := env.lookupTxn(txID)
	if err != nil {
		return nil, err
	}

	v := env.viewFor(r, at)

	src := corpusSource{v: v}

	return query.TokenizeAndRequireAll(src, key, term, e.cfg.MaxTokenLength, v.version), nil
}

// Audit returns every (version, human-readable change) entry matching the
// optional record/key filters, in ascending version order (§4.5).
func (e *Engine) Audit(ctx context.Context, envName string, record *tval.Identifier, key tval.Key) ([]audit.Entry, error) {
	env, err := e.environment(ctx, envName)
	if err != nil {
		return nil, err
	}

	return env.auditL.Query(ctx, record, key)
}

// Revert restores (record, key) to the value set it held as of version at,
// by diffing that snapshot against the present state and emitting the
// minimal compensating ADD/REMOVE writes (EXP-3.2); it never rewrites or
// deletes history, only appends new revisions, so it participates in MVCC
// and audit exactly like any other write.
func (e *Engine) Revert(ctx context.Context, envName, txID string, record tval.Identifier, key tval.Key, at uint64) (uint64, error) {
	if err := tval.ValidateKey(key); err != nil {
		return 0, fmt.Errorf("engine: %w: %v", cerr.ErrInvalidArgument, err)
	}

	env, err := e.environment(ctx, envName)
	if err != nil {
		return 0, err
	}

	r, err := env.lookupTxn(txID)
	if err != nil {
		return 0, err
	}

	past := env.viewFor(r, at)

	ph, err := past.tableRecord(record)
	if err != nil {
		return 0, fmt.Errorf("engine: read record %d: %w", record, cerr.ErrIO)
	}

	historic := ph.Record.Get(key, past.version)
	ph.Release()

	return e.reconcileTo(ctx, envName, txID, record, key, historic)
}

// CalcKind selects the aggregate [Engine.Calculate] computes (EXP-3.1).
type CalcKind int

const (
	CalcAverage CalcKind = iota + 1
	CalcSum
	CalcCount
	CalcMin
	CalcMax
)

// Calculate reduces over the current values held under key (optionally
// restricted to one record), per EXP-3.1. CalcAverage on integer-kinded
// values uses Go's truncating integer division, matching §8 scenario 6's
// literal expectation ((30+19+15)/3 computed as integers).
func (e *Engine) Calculate(ctx context.Context, envName, txID string, kind CalcKind, key tval.Key, record *tval.Identifier, at uint64) (tval.Value, error) {
	env, err := e.environment(ctx, envName)
	if err != nil {
		return tval.Value{}, err
	}

	r, err := env.lookupTxn(txID)
	if err != nil {
		return tval.Value{}, err
	}

	v := env.viewFor(r, at)

	var values []tval.Value

	if record != nil {
		h, err := v.tableRecord(*record)
		if err != nil {
			return tval.Value{}, fmt.Errorf("engine: read record %d: %w", *record, cerr.ErrIO)
		}

		values = h.Record.Get(key, v.version)
		h.Release()
	} else {
		h, err := v.indexRecord(key)
		if err != nil {
			return tval.Value{}, fmt.Errorf("engine: read key %q: %w", key, cerr.ErrIO)
		}

		for _, entry := range h.Record.Entries(v.version) {
			for range entry.Records {
				values = append(values, entry.Value)
			}
		}

		h.Release()
	}

	return calculate(kind, values)
}

func calculate(kind CalcKind, values []tval.Value) (tval.Value, error) {
	if kind == CalcCount {
		return tval.NewInt64(int64(len(values))), nil
	}

	if len(values) == 0 {
		return tval.Value{}, fmt.Errorf("engine: calculate: %w: no values", cerr.ErrInvalidArgument)
	}

	switch kind {
	case CalcMin:
		out := values[0]
		for _, v := range values[1:] {
			if tval.Compare(v, out) < 0 {
				out = v
			}
		}

		return out, nil
	case CalcMax:
		out := values[0]
		for _, v := range values[1:] {
			if tval.Compare(v, out) > 0 {
				out = v
			}
		}

		return out, nil
	case CalcSum, CalcAverage:
		return reduceNumeric(kind, values)
	default:
		return tval.Value{}, fmt.Errorf("engine: calculate: %w: unknown kind %d", cerr.ErrInvalidArgument, kind)
	}
}

// reduceNumeric implements sum/average. When every value is an integer kind
// (INT32/INT64), the reduction stays in int64 arithmetic so CalcAverage
// truncates the way Go's native integer division does (§8 scenario 6);
// otherwise it widens to float64.
func reduceNumeric(kind CalcKind, values []tval.Value) (tval.Value, error) {
	allInt := true

	for _, v := range values {
		if v.Kind() != tval.KindInt32 && v.Kind() != tval.KindInt64 {
			allInt = false
			break
		}
	}

	if allInt {
		var sum int64
		for _, v := range values {
			sum += v.AsInt64()
		}

		if kind == CalcSum {
			return tval.NewInt64(sum), nil
		}

		return tval.NewInt64(sum / int64(len(values))), nil
	}

	var sum float64

	for _, v := range values {
		switch v.Kind() {
		case tval.KindInt32, tval.KindInt64:
			sum += float64(v.AsInt64())
		case tval.KindFloat32, tval.KindFloat64:
			sum += v.AsFloat64()
		default:
			return tval.Value{}, fmt.Errorf(
				"engine: calculate: %w: key holds a non-numeric value of kind %s", cerr.ErrInvalidArgument, v.Kind())
		}
	}

	if kind == CalcSum {
		return tval.NewFloat64(sum), nil
	}

	return tval.NewFloat64(sum / float64(len(values))), nil
}
