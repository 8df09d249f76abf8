package engine

import (
	"context"
	"fmt"

	"github.com/concoursedb/concourse/internal/cerr"
	"github.com/concoursedb/concourse/internal/txn"
)

// Stage begins a new durable [Transaction] for environment envName and
// registers it under its id so subsequent calls can address it by that id
// (§4.9, §6's `stage` wire operation). Every read/write Engine method
// accepts the returned id as its txID parameter until Commit or Abort ends
// it.
func (e *Engine) Stage(ctx context.Context, envName string) (string, error) {
	env, err := e.environment(ctx, envName)
	if err != nil {
		return "", err
	}

	tx, err := txn.BeginDurable(env.deps(), env.txDir)
	if err != nil {
		return "", fmt.Errorf("engine: stage: %w", cerr.ErrIO)
	}

	env.mu.Lock()
	env.txns[tx.ID()] = tx
	env.mu.Unlock()

	return tx.ID(), nil
}

// Commit durably applies every write staged under txID and releases its
// locks (§4.9 step 4, §6's `commit` wire operation). A conflict detected at
// commit time (or an unknown/already-resolved txID) surfaces as
// ErrTransactionState so the client knows to retry the whole transaction.
func (e *Engine) Commit(ctx context.Context, envName, txID string) (uint64, error) {
	env, err := e.environment(ctx, envName)
	if err != nil {
		return 0, err
	}

	tx, err := env.takeTxn(txID)
	if err != nil {
		return 0, err
	}

	version, err := tx.Commit(ctx)
	if err != nil {
		if cerr.IsAtomicState(err) {
			return 0, fmt.Errorf("engine: commit: %w", cerr.ErrTransactionState)
		}

		return 0, fmt.Errorf("engine: commit: %w", err)
	}

	for _, w := range tx.CommittedWrites() {
		_ = env.auditL.Append(ctx, w)
	}

	return version, nil
}

// Abort discards every write staged under txID without applying any of
// them (§6's `abort` wire operation).
func (e *Engine) Abort(ctx context.Context, envName, txID string) error {
	env, err := e.environment(ctx, envName)
	if err != nil {
		return err
	}

	tx, err := env.takeTxn(txID)
	if err != nil {
		return err
	}

	tx.Abort()

	return nil
}

// takeTxn removes and returns the transaction named by txID, so a
// Commit/Abort call (unlike a read, which may address the same
// transaction repeatedly) can only resolve it once.
func (env *environment) takeTxn(txID string) (*txn.Transaction, error) {
	env.mu.Lock()
	defer env.mu.Unlock()

	tx, ok := env.txns[txID]
	if !ok {
		return nil, fmt.Errorf("engine: unknown transaction %q: %w", txID, cerr.ErrTransactionState)
	}

	delete(env.txns, txID)

	return tx, nil
}
