package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const versionColumns = `
	id, prompt_id, branch_id, version_number, title, body, tags_json, model, params_json,
	is_latest, change_log, parent_version_id, created_by, created_at
`

// InsertVersionParams carries everything needed to append one version to a
// (prompt, branch) lineage. VersionNumber and ParentVersionID come from the
// caller's read of the current latest; if another writer got there first the
// insert fails with ErrConflict and the caller re-reads and retries.
type InsertVersionParams struct {
	ID              string
	PromptID        string
	BranchID        *string
	VersionNumber   int
	Snapshot        Snapshot
	ChangeLog       string
	ParentVersionID *string
	CreatedBy       string
}

// InsertVersion appends a version and demotes the previous latest in one
// transaction. The partial unique indexes on (prompt_id, branch_id,
// version_number) and on is_latest per scope guarantee that exactly one
// version per lineage stays latest even when commits race: the losing
// writer's insert violates the index, the transaction rolls back, and the
// caller sees ErrConflict.
func (s *PostgresStore) InsertVersion(ctx context.Context, params InsertVersionParams) (Version, error) {
	tags, err := json.Marshal(nonNilSlice(params.Snapshot.Tags))
	if err != nil {
		return Version{}, fmt.Errorf("marshal version tags: %w", err)
	}
	sampling, err := json.Marshal(nonNilMap(params.Snapshot.Params))
	if err != nil {
		return Version{}, fmt.Errorf("marshal version params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Demote the head of this lineage, not the parent: a branch's first
	// version has a main-lineage parent (the fork point) that must stay
	// latest on its own lineage.
	if _, err := tx.ExecContext(ctx, `
		UPDATE versions SET is_latest=FALSE
		WHERE prompt_id=$1
		  AND (($2::text IS NULL AND branch_id IS NULL) OR branch_id=$2)
		  AND is_latest
	`, params.PromptID, params.BranchID); err != nil {
		return Version{}, fmt.Errorf("demote previous latest: %w", err)
	}

	var item Version
	err = tx.QueryRowContext(ctx, `
		INSERT INTO versions (id, prompt_id, branch_id, version_number, title, body, tags_json, model, params_json, is_latest, change_log, parent_version_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9::jsonb, TRUE, $10, $11, $12)
		RETURNING `+versionColumns+`
	`,
		params.ID,
		params.PromptID,
		params.BranchID,
		params.VersionNumber,
		params.Snapshot.Title,
		params.Snapshot.Body,
		string(tags),
		params.Snapshot.Model,
		string(sampling),
		params.ChangeLog,
		params.ParentVersionID,
		params.CreatedBy,
	).Scan(versionFields(&item)...)
	if err != nil {
		if isUniqueViolation(err) {
			return Version{}, fmt.Errorf("version %d already committed on this lineage: %w", params.VersionNumber, ErrConflict)
		}
		return Version{}, fmt.Errorf("insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return Version{}, fmt.Errorf("version %d already committed on this lineage: %w", params.VersionNumber, ErrConflict)
		}
		return Version{}, fmt.Errorf("commit version tx: %w", err)
	}
	return item, nil
}

// GetLatestVersion returns the head of a (prompt, branch) lineage.
// branchID nil addresses the main lineage.
func (s *PostgresStore) GetLatestVersion(ctx context.Context, promptID string, branchID *string) (Version, error) {
	var item Version
	err := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE prompt_id=$1
		  AND (($2::text IS NULL AND branch_id IS NULL) OR branch_id=$2)
		  AND is_latest
	`, promptID, branchID).Scan(versionFields(&item)...)
	if err != nil {
		return Version{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (Version, error) {
	var item Version
	err := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE id=$1
	`, versionID).Scan(versionFields(&item)...)
	if err != nil {
		return Version{}, err
	}
	return item, nil
}

// ListVersions returns a lineage newest-first.
func (s *PostgresStore) ListVersions(ctx context.Context, promptID string, branchID *string, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE prompt_id=$1
		  AND (($2::text IS NULL AND branch_id IS NULL) OR branch_id=$2)
		ORDER BY version_number DESC
		LIMIT $3
	`, promptID, branchID, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		var item Version
		if err := rows.Scan(versionFields(&item)...); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

// versionFields returns scan targets matching versionColumns order. The
// jsonb columns arrive as raw bytes and are decoded in place afterwards via
// the jsonScanner wrappers.
func versionFields(v *Version) []any {
	return []any{
		&v.ID,
		&v.PromptID,
		&v.BranchID,
		&v.VersionNumber,
		&v.Snapshot.Title,
		&v.Snapshot.Body,
		&jsonScanner{target: &v.Snapshot.Tags},
		&v.Snapshot.Model,
		&jsonScanner{target: &v.Snapshot.Params},
		&v.IsLatest,
		&v.ChangeLog,
		&v.ParentVersionID,
		&v.CreatedBy,
		&v.CreatedAt,
	}
}

// jsonScanner decodes a jsonb column directly into target during row scans.
type jsonScanner struct {
	target any
}

func (j *jsonScanner) Scan(src any) error {
	if src == nil {
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, j.target)
}

var _ sql.Scanner = (*jsonScanner)(nil)

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
