package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, id, name string) (User, error) {
	const findUser = `SELECT id, display_name, email, role FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.prompthub.dev'))
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, email, role
	`
	if err := s.db.QueryRowContext(ctx, insertUser, id, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, role, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) InsertPrompt(ctx context.Context, prompt Prompt) error {
	metadata, err := json.Marshal(nonNilMap(prompt.Metadata))
	if err != nil {
		return fmt.Errorf("marshal prompt metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prompts (id, title, body, status, visibility, metadata_json, created_by, forked_from, fork_version)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
	`, prompt.ID, prompt.Title, prompt.Body, prompt.Status, prompt.Visibility, string(metadata), prompt.CreatedBy, prompt.ForkedFrom, prompt.ForkVersion)
	if err != nil {
		return fmt.Errorf("insert prompt: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPrompt(ctx context.Context, promptID string) (Prompt, error) {
	var item Prompt
	var metadataRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, body, status, visibility, metadata_json, created_by, forked_from, fork_version, created_at, updated_at
		FROM prompts
		WHERE id=$1
	`, promptID).Scan(
		&item.ID,
		&item.Title,
		&item.Body,
		&item.Status,
		&item.Visibility,
		&metadataRaw,
		&item.CreatedBy,
		&item.ForkedFrom,
		&item.ForkVersion,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Prompt{}, err
	}
	_ = json.Unmarshal(metadataRaw, &item.Metadata)
	return item, nil
}

func (s *PostgresStore) ListPrompts(ctx context.Context) ([]Prompt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, body, status, visibility, metadata_json, created_by, forked_from, fork_version, created_at, updated_at
		FROM prompts
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	items := make([]Prompt, 0)
	for rows.Next() {
		var item Prompt
		var metadataRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.Title,
			&item.Body,
			&item.Status,
			&item.Visibility,
			&metadataRaw,
			&item.CreatedBy,
			&item.ForkedFrom,
			&item.ForkVersion,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		_ = json.Unmarshal(metadataRaw, &item.Metadata)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompts: %w", err)
	}
	return items, nil
}

// UpdatePromptScalars writes title, status, visibility and metadata without
// touching the body mirror or the version chain.
func (s *PostgresStore) UpdatePromptScalars(ctx context.Context, promptID, title, status, visibility string, metadata map[string]string) error {
	encoded, err := json.Marshal(nonNilMap(metadata))
	if err != nil {
		return fmt.Errorf("marshal prompt metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE prompts
		SET title=$2, status=$3, visibility=$4, metadata_json=$5::jsonb, updated_at=NOW()
		WHERE id=$1
	`, promptID, title, status, visibility, string(encoded))
	if err != nil {
		return fmt.Errorf("update prompt scalars: %w", err)
	}
	return nil
}

// UpdatePromptContent refreshes the prompt row's mirror of the latest main
// snapshot after a main-lineage commit.
func (s *PostgresStore) UpdatePromptContent(ctx context.Context, promptID, title, body string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE prompts
		SET title=$2, body=$3, updated_at=NOW()
		WHERE id=$1
	`, promptID, title, body)
	if err != nil {
		return fmt.Errorf("update prompt content: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertBranch(ctx context.Context, branch Branch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, prompt_id, name, type, description, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, branch.ID, branch.PromptID, branch.Name, branch.Type, branch.Description, branch.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("branch %q already exists: %w", branch.Name, ErrConflict)
		}
		return fmt.Errorf("insert branch: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBranch(ctx context.Context, branchID string) (Branch, error) {
	var item Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, prompt_id, name, type, description, created_by, created_at
		FROM branches
		WHERE id=$1
	`, branchID).Scan(&item.ID, &item.PromptID, &item.Name, &item.Type, &item.Description, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Branch{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListBranches(ctx context.Context, promptID string) ([]Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prompt_id, name, type, description, created_by, created_at
		FROM branches
		WHERE prompt_id=$1
		ORDER BY created_at ASC
	`, promptID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	items := make([]Branch, 0)
	for rows.Next() {
		var item Branch
		if err := rows.Scan(&item.ID, &item.PromptID, &item.Name, &item.Type, &item.Description, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertReview(ctx context.Context, review Review) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (id, version_id, status, feedback, reviewer_id, reviewer_name)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, review.ID, review.VersionID, review.Status, review.Feedback, review.ReviewerID, review.ReviewerName)
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListVersionReviews(ctx context.Context, versionID string) ([]Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version_id, status, feedback, reviewer_id, reviewer_name, created_at
		FROM reviews
		WHERE version_id=$1
		ORDER BY created_at ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	items := make([]Review, 0)
	for rows.Next() {
		var item Review
		if err := rows.Scan(&item.ID, &item.VersionID, &item.Status, &item.Feedback, &item.ReviewerID, &item.ReviewerName, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return items, nil
}

// UpsertTag deduplicates tags by name and returns the canonical tag.
func (s *PostgresStore) UpsertTag(ctx context.Context, id, name string) (Tag, error) {
	var tag Tag
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tags (id, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name=EXCLUDED.name
		RETURNING id, name
	`, id, name).Scan(&tag.ID, &tag.Name)
	if err != nil {
		return Tag{}, fmt.Errorf("upsert tag: %w", err)
	}
	return tag, nil
}

func (s *PostgresStore) LinkPromptTag(ctx context.Context, promptID, tagID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_tags (prompt_id, tag_id)
		VALUES ($1, $2)
		ON CONFLICT (prompt_id, tag_id) DO NOTHING
	`, promptID, tagID)
	if err != nil {
		return fmt.Errorf("link prompt tag: %w", err)
	}
	return nil
}

func (s *PostgresStore) UnlinkPromptTags(ctx context.Context, promptID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM prompt_tags WHERE prompt_id=$1`, promptID)
	if err != nil {
		return fmt.Errorf("unlink prompt tags: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPromptTags(ctx context.Context, promptID string) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name
		FROM prompt_tags pt
		JOIN tags t ON t.id = pt.tag_id
		WHERE pt.prompt_id=$1
		ORDER BY t.name ASC
	`, promptID)
	if err != nil {
		return nil, fmt.Errorf("list prompt tags: %w", err)
	}
	defer rows.Close()

	items := make([]Tag, 0)
	for rows.Next() {
		var item Tag
		if err := rows.Scan(&item.ID, &item.Name); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertAPIKey(ctx context.Context, key APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, label, key_hash)
		VALUES ($1, $2, $3, $4)
	`, key.ID, key.UserID, key.Label, key.KeyHash)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, keyID string) (APIKey, error) {
	var item APIKey
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, label, key_hash, created_at, revoked_at
		FROM api_keys
		WHERE id=$1
	`, keyID).Scan(&item.ID, &item.UserID, &item.Label, &item.KeyHash, &item.CreatedAt, &item.RevokedAt)
	if err != nil {
		return APIKey{}, err
	}
	return item, nil
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at=NOW() WHERE id=$1 AND revoked_at IS NULL`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
