package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/iKunal-Singh/promptHub/internal/archive"
	"github.com/iKunal-Singh/promptHub/internal/auth"
	"github.com/iKunal-Singh/promptHub/internal/cache"
	"github.com/iKunal-Singh/promptHub/internal/config"
	"github.com/iKunal-Singh/promptHub/internal/diff"
	"github.com/iKunal-Singh/promptHub/internal/export"
	"github.com/iKunal-Singh/promptHub/internal/gitmirror"
	"github.com/iKunal-Singh/promptHub/internal/rbac"
	"github.com/iKunal-Singh/promptHub/internal/search"
	"github.com/iKunal-Singh/promptHub/internal/store"
	"github.com/iKunal-Singh/promptHub/internal/util"
)

// commitRetries bounds how often a commit re-reads the lineage head after
// losing an is_latest race before surfacing CONFLICT to the caller.
const commitRetries = 3

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	ExpiresAt time.Time
}

type PromptInput struct {
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Status     string            `json:"status"`
	Visibility string            `json:"visibility"`
	Metadata   map[string]string `json:"metadata"`
	Tags       []string          `json:"tags"`
	Model      string            `json:"model"`
	Params     map[string]string `json:"params"`
}

type CommitInput struct {
	Branch string            `json:"branch"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Tags   []string          `json:"tags"`
	Model  string            `json:"model"`
	Params map[string]string `json:"params"`
}

type BranchInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type MergeInput struct {
	SourceBranch string `json:"sourceBranch"`
	TargetBranch string `json:"targetBranch"`
}

type ReviewInput struct {
	Status   string `json:"status"`
	Feedback string `json:"feedback"`
}

type ForkInput struct {
	Title string `json:"title"`
}

var allowedReviewStatus = map[string]struct{}{
	store.ReviewApproved:         {},
	store.ReviewChangesRequested: {},
}

var allowedPromptStatus = map[string]struct{}{
	store.PromptStatusDraft:      {},
	store.PromptStatusActive:     {},
	store.PromptStatusDeprecated: {},
}

var allowedVisibility = map[string]struct{}{
	store.VisibilityPrivate: {},
	store.VisibilityPublic:  {},
}

type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUserByName(context.Context, string, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	InsertPrompt(context.Context, store.Prompt) error
	GetPrompt(context.Context, string) (store.Prompt, error)
	ListPrompts(context.Context) ([]store.Prompt, error)
	UpdatePromptScalars(context.Context, string, string, string, string, map[string]string) error
	UpdatePromptContent(context.Context, string, string, string) error
	InsertBranch(context.Context, store.Branch) error
	GetBranch(context.Context, string) (store.Branch, error)
	ListBranches(context.Context, string) ([]store.Branch, error)
	InsertVersion(context.Context, store.InsertVersionParams) (store.Version, error)
	GetLatestVersion(context.Context, string, *string) (store.Version, error)
	GetVersion(context.Context, string) (store.Version, error)
	ListVersions(context.Context, string, *string, int) ([]store.Version, error)
	InsertReview(context.Context, store.Review) error
	ListVersionReviews(context.Context, string) ([]store.Review, error)
	UpsertTag(context.Context, string, string) (store.Tag, error)
	LinkPromptTag(context.Context, string, string) error
	UnlinkPromptTags(context.Context, string) error
	ListPromptTags(context.Context, string) ([]store.Tag, error)
}

type mirrorService interface {
	EnsurePromptRepo(string, store.Snapshot, string) (bool, error)
	EnsureBranch(string, string, string) error
	CommitVersion(string, string, store.Snapshot, string, string) (gitmirror.CommitInfo, error)
	MirrorMerge(string, string, string, string) (gitmirror.CommitInfo, error)
	History(string, string, int) ([]gitmirror.CommitInfo, error)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexPrompt(rec search.PromptRecord)
}

type diffCache interface {
	Get(ctx context.Context, fromVersionID, toVersionID string, dest any) error
	Put(ctx context.Context, fromVersionID, toVersionID string, value any) error
}

type artifactStore interface {
	PutArtifact(ctx context.Context, promptID, versionID, filename, contentType string, data []byte) (string, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type Service struct {
	cfg     config.Config
	store   dataStore
	mirror  mirrorService
	search  searchIndex
	cache   diffCache
	archive artifactStore
}

// New wires the service. Search, cache, and archive are optional; nil
// pointers stay nil interfaces so the degradation checks work.
func New(cfg config.Config, dataStore dataStore, mirror mirrorService, searchSvc *search.Service, cacheSvc *cache.DiffCache, archiveStore *archive.Store) *Service {
	svc := &Service{
		cfg:    cfg,
		store:  dataStore,
		mirror: mirror,
	}
	if searchSvc != nil {
		svc.search = searchSvc
	}
	if cacheSvc != nil {
		svc.cache = cacheSvc
	}
	if archiveStore != nil {
		svc.archive = archiveStore
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, util.NewID("user"), userName)
	if err != nil {
		return Session{}, err
	}

	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// SessionFromUser builds a session for an already-verified identity, used
// by the API-key path where no token exists.
func (s *Service) SessionFromUser(user store.User) Session {
	return Session{
		UserID:   user.ID,
		UserName: user.DisplayName,
		Role:     user.Role,
	}
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// CreatePrompt creates a prompt, its implicit main branch, and Version #1.
func (s *Service) CreatePrompt(ctx context.Context, input PromptInput, session Session) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	status := input.Status
	if status == "" {
		status = store.PromptStatusDraft
	}
	if _, ok := allowedPromptStatus[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be one of draft, active, deprecated", nil)
	}
	visibility := input.Visibility
	if visibility == "" {
		visibility = store.VisibilityPrivate
	}
	if _, ok := allowedVisibility[visibility]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "visibility must be private or public", nil)
	}

	prompt := store.Prompt{
		ID:         util.NewID("prm"),
		Title:      title,
		Body:       input.Body,
		Status:     status,
		Visibility: visibility,
		Metadata:   input.Metadata,
		CreatedBy:  session.UserID,
	}
	if err := s.store.InsertPrompt(ctx, prompt); err != nil {
		return nil, err
	}
	if err := s.store.InsertBranch(ctx, store.Branch{
		ID:        util.NewID("br"),
		PromptID:  prompt.ID,
		Name:      store.MainBranchName,
		Type:      store.BranchTypeMain,
		CreatedBy: session.UserID,
	}); err != nil {
		return nil, err
	}

	snapshot := store.Snapshot{
		Title:  title,
		Body:   input.Body,
		Tags:   input.Tags,
		Model:  input.Model,
		Params: input.Params,
	}
	version, _, err := s.commitVersion(ctx, prompt.ID, nil, store.MainBranchName, snapshot, session, "")
	if err != nil {
		return nil, err
	}

	failedTags := s.applyTags(ctx, prompt.ID, input.Tags)
	s.indexPrompt(ctx, prompt.ID)
	if s.mirror != nil {
		if _, err := s.mirror.EnsurePromptRepo(prompt.ID, snapshot, session.UserName); err != nil {
			log.Printf("mirror: ensure repo for %s: %v", prompt.ID, err)
		}
	}

	payload := map[string]any{
		"prompt":  promptPayload(prompt),
		"version": versionPayload(version),
	}
	if len(failedTags) > 0 {
		payload["partialFailures"] = map[string]any{"tags": failedTags}
	}
	return payload, nil
}

func (s *Service) GetPrompt(ctx context.Context, promptID string) (map[string]any, error) {
	prompt, err := s.store.GetPrompt(ctx, promptID)
	if err != nil {
		return nil, err
	}
	tags, err := s.store.ListPromptTags(ctx, promptID)
	if err != nil {
		return nil, err
	}
	payload := promptPayload(prompt)
	payload["tags"] = tagNames(tags)
	return payload, nil
}

func (s *Service) ListPrompts(ctx context.Context) ([]map[string]any, error) {
	prompts, err := s.store.ListPrompts(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(prompts))
	for _, prompt := range prompts {
		items = append(items, promptPayload(prompt))
	}
	return items, nil
}

// UpdatePrompt applies scalar and metadata edits, and commits a new
// version only when the body changed. A failed version commit after a
// successful scalar update is reported as a partial outcome, not an error.
func (s *Service) UpdatePrompt(ctx context.Context, promptID string, input PromptInput, session Session) (map[string]any, error) {
	prompt, err := s.store.GetPrompt(ctx, promptID)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = prompt.Title
	}
	status := input.Status
	if status == "" {
		status = prompt.Status
	}
	if _, ok := allowedPromptStatus[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be one of draft, active, deprecated", nil)
	}
	visibility := input.Visibility
	if visibility == "" {
		visibility = prompt.Visibility
	}
	if _, ok := allowedVisibility[visibility]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "visibility must be private or public", nil)
	}
	metadata := input.Metadata
	if metadata == nil {
		metadata = prompt.Metadata
	}

	if err := s.store.UpdatePromptScalars(ctx, promptID, title, status, visibility, metadata); err != nil {
		return nil, err
	}

	payload := map[string]any{"updated": true}

	bodyChanged := input.Body != "" && input.Body != prompt.Body
	if bodyChanged {
		snapshot := store.Snapshot{
			Title:  title,
			Body:   input.Body,
			Tags:   input.Tags,
			Model:  input.Model,
			Params: input.Params,
		}
		version, committed, err := s.commitVersion(ctx, promptID, nil, store.MainBranchName, snapshot, session, "")
		if err != nil {
			// Scalar update already landed; report the partial outcome
			// instead of failing the whole request.
			log.Printf("update prompt %s: version commit failed: %v", promptID, err)
			payload["message"] = "Prompt updated, but failed to create new version"
			payload["versionCommitted"] = false
			s.indexPrompt(ctx, promptID)
			return payload, nil
		}
		payload["versionCommitted"] = committed
		if committed {
			payload["version"] = versionPayload(version)
		}
	} else {
		// Title, status, visibility and metadata edits never version.
		payload["versionCommitted"] = false
	}

	// A present tags field replaces the prompt's tag set; an empty list
	// clears it. Best-effort like every tag write.
	if input.Tags != nil {
		if err := s.store.UnlinkPromptTags(ctx, promptID); err != nil {
			log.Printf("tags: clear links for %s: %v", promptID, err)
		}
		if failed := s.applyTags(ctx, promptID, input.Tags); len(failed) > 0 {
			payload["partialFailures"] = map[string]any{"tags": failed}
		}
	}

	s.indexPrompt(ctx, promptID)
	return payload, nil
}

// CommitVersion appends a version to the branch lineage named by
// input.Branch (empty or "main" addresses the main lineage).
func (s *Service) CommitVersion(ctx context.Context, promptID string, input CommitInput, session Session) (map[string]any, error) {
	if strings.TrimSpace(input.Body) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}

	prompt, err := s.store.GetPrompt(ctx, promptID)
	if err != nil {
		return nil, err
	}

	branchID, branchName, err := s.resolveBranch(ctx, promptID, input.Branch)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = prompt.Title
	}
	snapshot := store.Snapshot{
		Title:  title,
		Body:   input.Body,
		Tags:   input.Tags,
		Model:  input.Model,
		Params: input.Params,
	}

	version, committed, err := s.commitVersion(ctx, promptID, branchID, branchName, snapshot, session, "")
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"version":   versionPayload(version),
		"committed": committed,
	}
	if committed {
		if failed := s.applyTags(ctx, promptID, input.Tags); len(failed) > 0 {
			payload["partialFailures"] = map[string]any{"tags": failed}
		}
		s.indexPrompt(ctx, promptID)
	}
	return payload, nil
}

// commitVersion is the single write path for versions. It re-reads the
// lineage head and retries when a concurrent commit wins the is_latest
// race, so interleaved writers serialize into consecutive version numbers.
func (s *Service) commitVersion(ctx context.Context, promptID string, branchID *string, branchName string, snapshot store.Snapshot, session Session, changeLog string) (store.Version, bool, error) {
	for attempt := 0; attempt < commitRetries; attempt++ {
		latest, err := s.store.GetLatestVersion(ctx, promptID, branchID)
		isFirst := false
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return store.Version{}, false, err
			}
			isFirst = true
		}

		params := store.InsertVersionParams{
			ID:        util.NewID("ver"),
			PromptID:  promptID,
			BranchID:  branchID,
			Snapshot:  snapshot,
			CreatedBy: session.UserID,
			ChangeLog: changeLog,
		}

		if isFirst {
			params.VersionNumber = 1
			if params.ChangeLog == "" {
				params.ChangeLog = "Initial version."
			}
			// A feature branch's first version records its fork point:
			// whatever was latest on main when the commit happened.
			if branchID != nil {
				if mainLatest, err := s.store.GetLatestVersion(ctx, promptID, nil); err == nil {
					params.ParentVersionID = &mainLatest.ID
				} else if !errors.Is(err, sql.ErrNoRows) {
					return store.Version{}, false, err
				}
			}
		} else {
			if snapshot.Body == latest.Snapshot.Body {
				// No-op edit: metadata/title-only changes never version.
				return latest, false, nil
			}
			script := diff.Compute(latest.Snapshot.Body, snapshot.Body)
			summary := diff.Summarize(script)
			if params.ChangeLog == "" {
				params.ChangeLog = fmt.Sprintf("Updated body. %d additions, %d deletions.", summary.Insertions, summary.Deletions)
			}
			params.VersionNumber = latest.VersionNumber + 1
			parentID := latest.ID
			params.ParentVersionID = &parentID
		}

		version, err := s.store.InsertVersion(ctx, params)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return store.Version{}, false, err
		}

		if branchID == nil {
			if err := s.store.UpdatePromptContent(ctx, promptID, snapshot.Title, snapshot.Body); err != nil {
				log.Printf("commit %s: mirror body onto prompt row: %v", version.ID, err)
			}
		}
		s.mirrorCommit(promptID, branchName, snapshot, session.UserName, version.ChangeLog, isFirst)

		return version, true, nil
	}
	return store.Version{}, false, domainError(http.StatusConflict, "CONFLICT", "Version commit lost a concurrent update; retry with fresh state", nil)
}

// mirrorCommit replays a version into the git mirror. Best-effort: the
// relational row is authoritative and mirror failures only log.
func (s *Service) mirrorCommit(promptID, branchName string, snapshot store.Snapshot, author, changeLog string, firstOnBranch bool) {
	if s.mirror == nil {
		return
	}
	created, err := s.mirror.EnsurePromptRepo(promptID, snapshot, author)
	if err != nil {
		log.Printf("mirror: ensure repo for %s: %v", promptID, err)
		return
	}
	if created && branchName == store.MainBranchName {
		// EnsurePromptRepo already committed this snapshot as the root.
		return
	}
	if branchName != store.MainBranchName {
		if err := s.mirror.EnsureBranch(promptID, branchName, store.MainBranchName); err != nil {
			log.Printf("mirror: ensure branch %s/%s: %v", promptID, branchName, err)
			return
		}
	}
	if _, err := s.mirror.CommitVersion(promptID, branchName, snapshot, author, changeLog); err != nil {
		log.Printf("mirror: commit %s/%s: %v", promptID, branchName, err)
	}
}

// RestoreVersion returns a historical snapshot unmodified. Committing it
// is the caller's separate, explicit step.
func (s *Service) RestoreVersion(ctx context.Context, versionID string) (map[string]any, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"versionId":     version.ID,
		"promptId":      version.PromptID,
		"versionNumber": version.VersionNumber,
		"content":       snapshotPayload(version.Snapshot),
	}, nil
}

func (s *Service) ListVersions(ctx context.Context, promptID, branchRef string, limit int) ([]map[string]any, error) {
	if _, err := s.store.GetPrompt(ctx, promptID); err != nil {
		return nil, err
	}
	branchID, _, err := s.resolveBranch(ctx, promptID, branchRef)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, promptID, branchID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		items = append(items, versionPayload(version))
	}
	return items, nil
}

// CreateBranch creates a named feature branch. The branch starts empty;
// its fork point is recorded on its first version, not on the branch row.
func (s *Service) CreateBranch(ctx context.Context, promptID string, input BranchInput, session Session) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if name == store.MainBranchName {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "main is reserved", nil)
	}

	if _, err := s.store.GetPrompt(ctx, promptID); err != nil {
		return nil, err
	}

	branch := store.Branch{
		ID:          util.NewID("br"),
		PromptID:    promptID,
		Name:        name,
		Type:        store.BranchTypeFeature,
		Description: input.Description,
		CreatedBy:   session.UserID,
	}
	if err := s.store.InsertBranch(ctx, branch); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domainError(http.StatusConflict, "CONFLICT", fmt.Sprintf("branch %q already exists", name), nil)
		}
		return nil, err
	}

	if s.mirror != nil {
		if err := s.mirror.EnsureBranch(promptID, name, store.MainBranchName); err != nil {
			log.Printf("mirror: ensure branch %s/%s: %v", promptID, name, err)
		}
	}

	return branchPayload(branch), nil
}

func (s *Service) ListBranches(ctx context.Context, promptID string) ([]map[string]any, error) {
	if _, err := s.store.GetPrompt(ctx, promptID); err != nil {
		return nil, err
	}
	branches, err := s.store.ListBranches(ctx, promptID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(branches))
	for _, branch := range branches {
		items = append(items, branchPayload(branch))
	}
	return items, nil
}

// Merge lands the source branch's latest content onto the target branch
// as a new version (fast-forward-with-overwrite). The target's pre-merge
// latest becomes the parent; the source lineage is linked only through
// the change log text.
func (s *Service) Merge(ctx context.Context, promptID string, input MergeInput, session Session) (map[string]any, error) {
	sourceID, sourceName, err := s.resolveBranch(ctx, promptID, input.SourceBranch)
	if err != nil {
		return nil, err
	}
	targetID, targetName, err := s.resolveBranch(ctx, promptID, input.TargetBranch)
	if err != nil {
		return nil, err
	}
	if sourceName == targetName {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "source and target must differ", nil)
	}

	sourceLatest, err := s.store.GetLatestVersion(ctx, promptID, sourceID)
	if err != nil {
		return nil, err
	}
	targetLatest, err := s.store.GetLatestVersion(ctx, promptID, targetID)
	if err != nil {
		return nil, err
	}

	script := diff.Compute(targetLatest.Snapshot.Body, sourceLatest.Snapshot.Body)
	summary := diff.Summarize(script)
	changeLog := fmt.Sprintf("Merged branch %s into %s. %d additions, %d deletions.",
		sourceName, targetName, summary.Insertions, summary.Deletions)

	version, committed, err := s.commitVersion(ctx, promptID, targetID, targetName, sourceLatest.Snapshot, session, changeLog)
	if err != nil {
		return nil, err
	}
	if committed {
		if s.mirror != nil {
			if _, err := s.mirror.MirrorMerge(promptID, sourceName, session.UserName, changeLog); err != nil {
				log.Printf("mirror: merge %s/%s: %v", promptID, sourceName, err)
			}
		}
		s.indexPrompt(ctx, promptID)
	}

	return map[string]any{
		"version":   versionPayload(version),
		"committed": committed,
	}, nil
}

// SubmitReview attaches an advisory review to a version. Reviews stack;
// nothing about the version or mergeability changes.
func (s *Service) SubmitReview(ctx context.Context, versionID string, input ReviewInput, session Session) (map[string]any, error) {
	if _, ok := allowedReviewStatus[input.Status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be approved or changes_requested", nil)
	}
	if input.Status == store.ReviewChangesRequested && strings.TrimSpace(input.Feedback) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "feedback is required when requesting changes", nil)
	}

	if _, err := s.store.GetVersion(ctx, versionID); err != nil {
		return nil, err
	}

	review := store.Review{
		ID:           util.NewID("rev"),
		VersionID:    versionID,
		Status:       input.Status,
		Feedback:     input.Feedback,
		ReviewerID:   session.UserID,
		ReviewerName: session.UserName,
	}
	if err := s.store.InsertReview(ctx, review); err != nil {
		return nil, err
	}
	return reviewPayload(review), nil
}

func (s *Service) ListReviews(ctx context.Context, versionID string) ([]map[string]any, error) {
	if _, err := s.store.GetVersion(ctx, versionID); err != nil {
		return nil, err
	}
	reviews, err := s.store.ListVersionReviews(ctx, versionID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(reviews))
	for _, review := range reviews {
		items = append(items, reviewPayload(review))
	}
	return items, nil
}

// Fork copies a prompt's current content and tag set into a brand-new
// prompt with provenance. Tag copying is best-effort: partial tag failure
// never rolls back the fork.
func (s *Service) Fork(ctx context.Context, sourceID string, input ForkInput, session Session) (map[string]any, error) {
	source, err := s.store.GetPrompt(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = source.Title + " (Fork)"
	}

	sourceVersion := 0
	var sourceHead store.Snapshot
	if latest, err := s.store.GetLatestVersion(ctx, sourceID, nil); err == nil {
		sourceVersion = latest.VersionNumber
		sourceHead = latest.Snapshot
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	} else {
		sourceHead = store.Snapshot{Title: source.Title, Body: source.Body}
	}

	fork := store.Prompt{
		ID:          util.NewID("prm"),
		Title:       title,
		Body:        source.Body,
		Status:      store.PromptStatusDraft,
		Visibility:  store.VisibilityPrivate,
		Metadata:    source.Metadata,
		CreatedBy:   session.UserID,
		ForkedFrom:  &sourceID,
		ForkVersion: &sourceVersion,
	}
	if err := s.store.InsertPrompt(ctx, fork); err != nil {
		return nil, err
	}
	if err := s.store.InsertBranch(ctx, store.Branch{
		ID:        util.NewID("br"),
		PromptID:  fork.ID,
		Name:      store.MainBranchName,
		Type:      store.BranchTypeMain,
		CreatedBy: session.UserID,
	}); err != nil {
		return nil, err
	}

	sourceTags, err := s.store.ListPromptTags(ctx, sourceID)
	if err != nil {
		log.Printf("fork %s: list source tags: %v", sourceID, err)
		sourceTags = nil
	}
	var failedTags []string
	tagNameList := make([]string, 0, len(sourceTags))
	for _, tag := range sourceTags {
		// Reuse the existing tag identity; only the link is new.
		if err := s.store.LinkPromptTag(ctx, fork.ID, tag.ID); err != nil {
			log.Printf("fork %s: link tag %s: %v", fork.ID, tag.Name, err)
			failedTags = append(failedTags, tag.Name)
			continue
		}
		tagNameList = append(tagNameList, tag.Name)
	}

	// The fork's first version carries the source head's content verbatim,
	// model and sampling params included; only the title and tag links are
	// the fork's own.
	snapshot := store.Snapshot{
		Title:  title,
		Body:   sourceHead.Body,
		Tags:   tagNameList,
		Model:  sourceHead.Model,
		Params: sourceHead.Params,
	}
	version, _, err := s.commitVersion(ctx, fork.ID, nil, store.MainBranchName, snapshot, session, "Initial version (forked).")
	if err != nil {
		return nil, err
	}

	s.indexPrompt(ctx, fork.ID)
	if s.mirror != nil {
		if _, err := s.mirror.EnsurePromptRepo(fork.ID, snapshot, session.UserName); err != nil {
			log.Printf("mirror: ensure repo for %s: %v", fork.ID, err)
		}
	}

	payload := map[string]any{
		"prompt":  promptPayload(fork),
		"version": versionPayload(version),
	}
	if len(failedTags) > 0 {
		payload["partialFailures"] = map[string]any{"tags": failedTags}
	}
	return payload, nil
}

type renderedDiff struct {
	FromVersionID string         `json:"fromVersionId"`
	ToVersionID   string         `json:"toVersionId"`
	Spans         []diff.Span    `json:"spans"`
	Summary       diff.Summary   `json:"summary"`
	ChangeLog     string         `json:"changeLog"`
	Cached        bool           `json:"cached"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// DiffVersions renders the edit script between two versions of the same
// prompt. Results are cached; versions are immutable so entries never
// go stale.
func (s *Service) DiffVersions(ctx context.Context, fromID, toID string) (renderedDiff, error) {
	if s.cache != nil {
		var cached renderedDiff
		if err := s.cache.Get(ctx, fromID, toID, &cached); err == nil {
			cached.Cached = true
			return cached, nil
		}
	}

	from, err := s.store.GetVersion(ctx, fromID)
	if err != nil {
		return renderedDiff{}, err
	}
	to, err := s.store.GetVersion(ctx, toID)
	if err != nil {
		return renderedDiff{}, err
	}
	if from.PromptID != to.PromptID {
		return renderedDiff{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "versions belong to different prompts", nil)
	}

	script := diff.Compute(from.Snapshot.Body, to.Snapshot.Body)
	summary := diff.Summarize(script)
	result := renderedDiff{
		FromVersionID: fromID,
		ToVersionID:   toID,
		Spans:         diff.Render(script),
		Summary:       summary,
		ChangeLog:     fmt.Sprintf("Updated body. %d additions, %d deletions.", summary.Insertions, summary.Deletions),
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, fromID, toID, result); err != nil {
			log.Printf("diff cache: put %s..%s: %v", fromID, toID, err)
		}
	}
	return result, nil
}

// ExportVersion renders one version as a PDF or DOCX document. When the
// artifact archive is configured the rendered bytes are also stored there
// and a presigned download link is returned alongside the payload.
func (s *Service) ExportVersion(ctx context.Context, versionID string, format export.Format) (*export.Result, string, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, "", err
	}

	branchName := store.MainBranchName
	if version.BranchID != nil {
		branch, err := s.store.GetBranch(ctx, *version.BranchID)
		if err != nil {
			return nil, "", err
		}
		branchName = branch.Name
	}
	author, _ := s.authorName(ctx, version.CreatedBy)

	result, err := export.Export(export.VersionDocument{
		PromptTitle:   version.Snapshot.Title,
		Body:          version.Snapshot.Body,
		VersionNumber: version.VersionNumber,
		BranchName:    branchName,
		Model:         version.Snapshot.Model,
		Params:        version.Snapshot.Params,
		Tags:          version.Snapshot.Tags,
		ChangeLog:     version.ChangeLog,
		Author:        author,
		CreatedAt:     version.CreatedAt,
	}, format)
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
			return nil, "", domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export renderer is not installed on this host", nil)
		}
		return nil, "", err
	}

	var link string
	if s.archive != nil {
		key, err := s.archive.PutArtifact(ctx, version.PromptID, version.ID, result.Filename, result.MimeType, result.Data)
		if err != nil {
			log.Printf("archive: store export %s: %v", version.ID, err)
		} else if url, err := s.archive.PresignGet(ctx, key, 24*time.Hour); err == nil {
			link = url
		} else {
			log.Printf("archive: presign export %s: %v", version.ID, err)
		}
	}
	return result, link, nil
}

func (s *Service) SearchPrompts(ctx context.Context, query search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	return s.search.Search(query), nil
}

// MirrorHistory ensures the git mirror exists (replaying the full lineage
// on first materialization) and returns its commit log for a branch.
func (s *Service) MirrorHistory(ctx context.Context, promptID, branchRef string) (map[string]any, error) {
	prompt, err := s.store.GetPrompt(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if s.mirror == nil {
		return nil, domainError(http.StatusServiceUnavailable, "MIRROR_UNAVAILABLE", "Git mirror is not configured", nil)
	}
	_, branchName, err := s.resolveBranch(ctx, promptID, branchRef)
	if err != nil {
		return nil, err
	}

	if err := s.materializeMirror(ctx, prompt); err != nil {
		return nil, err
	}

	commits, err := s.mirror.History(promptID, branchName, 50)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(commits))
	for _, item := range commits {
		items = append(items, map[string]any{
			"hash":      item.Hash,
			"message":   item.Message,
			"author":    item.Author,
			"createdAt": item.CreatedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{
		"promptId": promptID,
		"branch":   branchName,
		"commits":  items,
	}, nil
}

// materializeMirror replays the relational lineage into a fresh git
// mirror. A no-op when the mirror already exists; the eager per-commit
// mirroring keeps existing repos current.
func (s *Service) materializeMirror(ctx context.Context, prompt store.Prompt) error {
	mainVersions, err := s.store.ListVersions(ctx, prompt.ID, nil, 0)
	if err != nil {
		return err
	}
	if len(mainVersions) == 0 {
		return sql.ErrNoRows
	}
	// ListVersions is newest-first; replay oldest-first.
	first := mainVersions[len(mainVersions)-1]

	author, err := s.authorName(ctx, first.CreatedBy)
	if err != nil {
		author = first.CreatedBy
	}
	created, err := s.mirror.EnsurePromptRepo(prompt.ID, first.Snapshot, author)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	for i := len(mainVersions) - 2; i >= 0; i-- {
		version := mainVersions[i]
		author, _ := s.authorName(ctx, version.CreatedBy)
		if _, err := s.mirror.CommitVersion(prompt.ID, store.MainBranchName, version.Snapshot, author, version.ChangeLog); err != nil {
			return err
		}
	}

	branches, err := s.store.ListBranches(ctx, prompt.ID)
	if err != nil {
		return err
	}
	for _, branch := range branches {
		if branch.Type == store.BranchTypeMain {
			continue
		}
		if err := s.mirror.EnsureBranch(prompt.ID, branch.Name, store.MainBranchName); err != nil {
			return err
		}
		branchID := branch.ID
		versions, err := s.store.ListVersions(ctx, prompt.ID, &branchID, 0)
		if err != nil {
			return err
		}
		for i := len(versions) - 1; i >= 0; i-- {
			version := versions[i]
			author, _ := s.authorName(ctx, version.CreatedBy)
			if _, err := s.mirror.CommitVersion(prompt.ID, branch.Name, version.Snapshot, author, version.ChangeLog); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) authorName(ctx context.Context, userID string) (string, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return userID, err
	}
	return user.DisplayName, nil
}

// resolveBranch maps a branch reference ("" or "main" for the main
// lineage, otherwise a branch id) to the version scope and branch name.
func (s *Service) resolveBranch(ctx context.Context, promptID, branchRef string) (*string, string, error) {
	ref := strings.TrimSpace(branchRef)
	if ref == "" || ref == store.MainBranchName {
		return nil, store.MainBranchName, nil
	}
	branch, err := s.store.GetBranch(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	if branch.PromptID != promptID {
		return nil, "", sql.ErrNoRows
	}
	if branch.Type == store.BranchTypeMain {
		return nil, store.MainBranchName, nil
	}
	branchID := branch.ID
	return &branchID, branch.Name, nil
}

// applyTags upserts and links tags best-effort and returns the names that
// failed. Failures never abort the enclosing commit or fork.
func (s *Service) applyTags(ctx context.Context, promptID string, tags []string) []string {
	var failed []string
	for _, name := range tags {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		tag, err := s.store.UpsertTag(ctx, util.NewID("tag"), name)
		if err != nil {
			log.Printf("tags: upsert %q: %v", name, err)
			failed = append(failed, name)
			continue
		}
		if err := s.store.LinkPromptTag(ctx, promptID, tag.ID); err != nil {
			log.Printf("tags: link %q to %s: %v", name, promptID, err)
			failed = append(failed, name)
		}
	}
	return failed
}

// indexPrompt pushes the prompt's current state into the search index.
// Fire-and-forget; search lag never fails a write.
func (s *Service) indexPrompt(ctx context.Context, promptID string) {
	if s.search == nil {
		return
	}
	prompt, err := s.store.GetPrompt(ctx, promptID)
	if err != nil {
		log.Printf("search: load prompt %s for indexing: %v", promptID, err)
		return
	}
	tags, err := s.store.ListPromptTags(ctx, promptID)
	if err != nil {
		tags = nil
	}
	s.search.IndexPrompt(search.PromptRecord{
		ID:         prompt.ID,
		Title:      prompt.Title,
		Body:       prompt.Body,
		Status:     prompt.Status,
		Visibility: prompt.Visibility,
		Tags:       tagNames(tags),
	})
}

func promptPayload(prompt store.Prompt) map[string]any {
	payload := map[string]any{
		"id":         prompt.ID,
		"title":      prompt.Title,
		"body":       prompt.Body,
		"status":     prompt.Status,
		"visibility": prompt.Visibility,
		"metadata":   prompt.Metadata,
		"createdBy":  prompt.CreatedBy,
		"createdAt":  prompt.CreatedAt.Format(time.RFC3339),
		"updatedAt":  prompt.UpdatedAt.Format(time.RFC3339),
	}
	if prompt.ForkedFrom != nil {
		payload["forkedFrom"] = *prompt.ForkedFrom
	}
	if prompt.ForkVersion != nil {
		payload["forkVersion"] = *prompt.ForkVersion
	}
	return payload
}

func versionPayload(version store.Version) map[string]any {
	payload := map[string]any{
		"id":            version.ID,
		"promptId":      version.PromptID,
		"versionNumber": version.VersionNumber,
		"content":       snapshotPayload(version.Snapshot),
		"isLatest":      version.IsLatest,
		"changeLog":     version.ChangeLog,
		"createdBy":     version.CreatedBy,
		"createdAt":     version.CreatedAt.Format(time.RFC3339),
	}
	if version.BranchID != nil {
		payload["branchId"] = *version.BranchID
	}
	if version.ParentVersionID != nil {
		payload["parentVersionId"] = *version.ParentVersionID
	}
	return payload
}

func snapshotPayload(snapshot store.Snapshot) map[string]any {
	return map[string]any{
		"title":  snapshot.Title,
		"body":   snapshot.Body,
		"tags":   snapshot.Tags,
		"model":  snapshot.Model,
		"params": snapshot.Params,
	}
}

func branchPayload(branch store.Branch) map[string]any {
	return map[string]any{
		"id":          branch.ID,
		"promptId":    branch.PromptID,
		"name":        branch.Name,
		"type":        branch.Type,
		"description": branch.Description,
		"createdBy":   branch.CreatedBy,
		"createdAt":   branch.CreatedAt.Format(time.RFC3339),
	}
}

func reviewPayload(review store.Review) map[string]any {
	return map[string]any{
		"id":           review.ID,
		"versionId":    review.VersionID,
		"status":       review.Status,
		"feedback":     review.Feedback,
		"reviewerId":   review.ReviewerID,
		"reviewerName": review.ReviewerName,
		"createdAt":    review.CreatedAt.Format(time.RFC3339),
	}
}

func tagNames(tags []store.Tag) []string {
	names := make([]string, 0, len(tags))
	for _, tag := range tags {
		names = append(names, tag.Name)
	}
	return names
}
