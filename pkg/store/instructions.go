package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

const instructionColumns = `id, worker_id, message, type, priority, status, created_at,
	COALESCE(resolved_at, '') AS resolved_at`

func scanInstruction(row rowScanner) (protocol.Instruction, error) {
	var in protocol.Instruction
	if err := row.Scan(
		&in.ID, &in.WorkerID, &in.Message, &in.Type, &in.Priority, &in.Status,
		&in.CreatedAt, &in.ResolvedAt,
	); err != nil {
		return protocol.Instruction{}, err
	}
	return in, nil
}

// EnqueueInstruction queues a message for the worker on the relay path.
// Any pending predecessor is superseded: the worker only ever sees the
// newest instruction, last write wins.
func (s *Store) EnqueueInstruction(ctx context.Context, workerID string, req protocol.InstructRequest) (protocol.Instruction, error) {
	if req.Message == "" {
		return protocol.Instruction{}, fmt.Errorf("instruction enqueue: message is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Instruction{}, fmt.Errorf("instruction enqueue begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists string
	err = tx.QueryRowContext(ctx, `SELECT id FROM workers WHERE id = ?`, workerID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Instruction{}, &protocol.WorkerNotFoundError{WorkerID: workerID}
	}
	if err != nil {
		return protocol.Instruction{}, fmt.Errorf("instruction enqueue worker lookup: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE instructions SET status = 'superseded', resolved_at = datetime('now')
		 WHERE worker_id = ? AND status = 'pending'`,
		workerID,
	); err != nil {
		return protocol.Instruction{}, fmt.Errorf("instruction supersede: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO instructions (worker_id, message, type, priority) VALUES (?, ?, ?, ?)`,
		workerID, req.Message, req.Type, req.Priority,
	)
	if err != nil {
		return protocol.Instruction{}, fmt.Errorf("instruction insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return protocol.Instruction{}, fmt.Errorf("instruction last insert id: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+instructionColumns+` FROM instructions WHERE id = ?`, id)
	in, err := scanInstruction(row)
	if err != nil {
		return protocol.Instruction{}, fmt.Errorf("instruction readback: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return protocol.Instruction{}, fmt.Errorf("instruction enqueue commit: %w", err)
	}
	return in, nil
}

// PendingInstruction returns the worker's current pending instruction, if
// any.
func (s *Store) PendingInstruction(ctx context.Context, workerID string) (protocol.Instruction, bool, error) {
	return pendingInstruction(ctx, s.db, workerID)
}

func pendingInstruction(ctx context.Context, q querier, workerID string) (protocol.Instruction, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+instructionColumns+` FROM instructions
		 WHERE worker_id = ? AND status = 'pending'
		 ORDER BY id DESC LIMIT 1`,
		workerID,
	)
	in, err := scanInstruction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Instruction{}, false, nil
	}
	if err != nil {
		return protocol.Instruction{}, false, fmt.Errorf("instruction pending: %w", err)
	}
	return in, true, nil
}
