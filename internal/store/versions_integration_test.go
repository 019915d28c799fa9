package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// openTestStore connects to the throwaway database named by
// PROMPTHUB_TEST_DATABASE_URL and applies a fresh schema.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("PROMPTHUB_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("PROMPTHUB_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func TestInsertVersionEnforcesSingleHeadPerLineage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	user, err := s.EnsureUserByName(ctx, "user_int_1", "Ada")
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := s.InsertPrompt(ctx, Prompt{
		ID: "prm_int_1", Title: "Prompt", Body: "v1", Status: "draft", Visibility: "private", CreatedBy: user.ID,
	}); err != nil {
		t.Fatalf("insert prompt: %v", err)
	}

	first, err := s.InsertVersion(ctx, InsertVersionParams{
		ID: "ver_int_1", PromptID: "prm_int_1", VersionNumber: 1,
		Snapshot: Snapshot{Title: "Prompt", Body: "v1"}, CreatedBy: user.ID, ChangeLog: "Initial version.",
	})
	if err != nil {
		t.Fatalf("insert version 1: %v", err)
	}
	if !first.IsLatest {
		t.Fatalf("expected version 1 to be latest")
	}

	// Two writers race for version 2; the loser must see ErrConflict.
	parent := first.ID
	if _, err := s.InsertVersion(ctx, InsertVersionParams{
		ID: "ver_int_2", PromptID: "prm_int_1", VersionNumber: 2, ParentVersionID: &parent,
		Snapshot: Snapshot{Title: "Prompt", Body: "v2"}, CreatedBy: user.ID, ChangeLog: "Updated body. 1 additions, 1 deletions.",
	}); err != nil {
		t.Fatalf("insert version 2: %v", err)
	}
	_, err = s.InsertVersion(ctx, InsertVersionParams{
		ID: "ver_int_2b", PromptID: "prm_int_1", VersionNumber: 2, ParentVersionID: &parent,
		Snapshot: Snapshot{Title: "Prompt", Body: "v2b"}, CreatedBy: user.ID, ChangeLog: "Updated body. 1 additions, 1 deletions.",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate version number, got %v", err)
	}

	latest, err := s.GetLatestVersion(ctx, "prm_int_1", nil)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.ID != "ver_int_2" || latest.VersionNumber != 2 {
		t.Fatalf("expected ver_int_2 as head, got %s #%d", latest.ID, latest.VersionNumber)
	}

	older, err := s.GetVersion(ctx, first.ID)
	if err != nil {
		t.Fatalf("get version 1: %v", err)
	}
	if older.IsLatest {
		t.Fatalf("expected version 1 to be demoted")
	}
}

func TestBranchLineagesNumberIndependently(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	user, err := s.EnsureUserByName(ctx, "user_int_2", "Ada")
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := s.InsertPrompt(ctx, Prompt{
		ID: "prm_int_2", Title: "Prompt", Body: "main", Status: "draft", Visibility: "private", CreatedBy: user.ID,
	}); err != nil {
		t.Fatalf("insert prompt: %v", err)
	}
	if err := s.InsertBranch(ctx, Branch{
		ID: "br_int_1", PromptID: "prm_int_2", Name: "experiment", Type: BranchTypeFeature, CreatedBy: user.ID,
	}); err != nil {
		t.Fatalf("insert branch: %v", err)
	}

	if _, err := s.InsertVersion(ctx, InsertVersionParams{
		ID: "ver_int_m1", PromptID: "prm_int_2", VersionNumber: 1,
		Snapshot: Snapshot{Title: "Prompt", Body: "main"}, CreatedBy: user.ID, ChangeLog: "Initial version.",
	}); err != nil {
		t.Fatalf("insert main version: %v", err)
	}

	branchID := "br_int_1"
	if _, err := s.InsertVersion(ctx, InsertVersionParams{
		ID: "ver_int_b1", PromptID: "prm_int_2", BranchID: &branchID, VersionNumber: 1,
		Snapshot: Snapshot{Title: "Prompt", Body: "variant"}, CreatedBy: user.ID, ChangeLog: "Initial version.",
	}); err != nil {
		t.Fatalf("insert branch version: %v", err)
	}

	mainHead, err := s.GetLatestVersion(ctx, "prm_int_2", nil)
	if err != nil {
		t.Fatalf("get main head: %v", err)
	}
	branchHead, err := s.GetLatestVersion(ctx, "prm_int_2", &branchID)
	if err != nil {
		t.Fatalf("get branch head: %v", err)
	}
	if mainHead.ID != "ver_int_m1" || branchHead.ID != "ver_int_b1" {
		t.Fatalf("expected independent heads, got main=%s branch=%s", mainHead.ID, branchHead.ID)
	}
	if branchHead.VersionNumber != 1 {
		t.Fatalf("expected branch numbering to restart at 1, got %d", branchHead.VersionNumber)
	}
}
