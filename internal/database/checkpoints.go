package database

import (
	"context"
	"time"

	"safemod/internal/checkpoint"
)

// PutCheckpoint inserts or replaces the index row for cp
func (d *Database) PutCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints
		(id, created_at, description, operation, risk_level, file_count, absent_count, backup_size, vcs_marker)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.Timestamp.UnixNano(), cp.Description, cp.Metadata.Operation, cp.Metadata.RiskLevel,
		len(cp.Files), len(cp.AbsentFiles), cp.BackupSize(), cp.VCSMarker)
	return err
}

// DeleteCheckpoint removes the index row for id
func (d *Database) DeleteCheckpoint(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE id = ?", id)
	return err
}

// ListCheckpoints returns index rows newest first
func (d *Database) ListCheckpoints(ctx context.Context) ([]*CheckpointRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, created_at, description, operation, risk_level, file_count, absent_count, backup_size, vcs_marker
		FROM checkpoints ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*CheckpointRecord
	for rows.Next() {
		r := &CheckpointRecord{}
		var createdAt int64
		var operation, riskLevel, marker *string
		if err := rows.Scan(&r.ID, &createdAt, &r.Description, &operation, &riskLevel,
			&r.FileCount, &r.AbsentCount, &r.BackupSize, &marker); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, createdAt)
		r.Operation = deref(operation)
		r.RiskLevel = deref(riskLevel)
		r.VCSMarker = deref(marker)
		records = append(records, r)
	}
	return records, rows.Err()
}

// ReplaceCheckpoints rewrites the whole index from cps in one transaction
func (d *Database) ReplaceCheckpoints(ctx context.Context, cps []*checkpoint.Checkpoint) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoints"); err != nil {
		return err
	}
	for _, cp := range cps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints
			(id, created_at, description, operation, risk_level, file_count, absent_count, backup_size, vcs_marker)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, cp.Timestamp.UnixNano(), cp.Description, cp.Metadata.Operation, cp.Metadata.RiskLevel,
			len(cp.Files), len(cp.AbsentFiles), cp.BackupSize(), cp.VCSMarker); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
