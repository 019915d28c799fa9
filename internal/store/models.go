package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	Role        string
	CreatedAt   time.Time
}

// Prompt is the document entity. Body mirrors the latest main-lineage
// snapshot so listings never need a join against versions.
type Prompt struct {
	ID          string
	Title       string
	Body        string
	Status      string
	Visibility  string
	Metadata    map[string]string
	CreatedBy   string
	ForkedFrom  *string
	ForkVersion *int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	PromptStatusDraft      = "draft"
	PromptStatusActive     = "active"
	PromptStatusDeprecated = "deprecated"

	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

type Branch struct {
	ID          string
	PromptID    string
	Name        string
	Type        string
	Description string
	CreatedBy   string
	CreatedAt   time.Time
}

const (
	BranchTypeMain    = "main"
	BranchTypeFeature = "feature"

	MainBranchName = "main"
)

// Snapshot is the complete, independently renderable content of a Version.
// Reconstructing any prior state never requires replaying diffs.
type Snapshot struct {
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Tags   []string          `json:"tags"`
	Model  string            `json:"model,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// Version is one entry of a (prompt, branch) lineage. BranchID nil means
// the main lineage.
type Version struct {
	ID              string
	PromptID        string
	BranchID        *string
	VersionNumber   int
	Snapshot        Snapshot
	IsLatest        bool
	ChangeLog       string
	ParentVersionID *string
	CreatedBy       string
	CreatedAt       time.Time
}

type Review struct {
	ID           string
	VersionID    string
	Status       string
	Feedback     string
	ReviewerID   string
	ReviewerName string
	CreatedAt    time.Time
}

const (
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes_requested"
)

type Tag struct {
	ID   string
	Name string
}

type APIKey struct {
	ID        string
	UserID    string
	Label     string
	KeyHash   string
	CreatedAt time.Time
	RevokedAt *time.Time
}
