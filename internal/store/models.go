package store

import (
	"time"

	"newsdesk/api/internal/graph"
)

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

type Storyboard struct {
	ID             string
	OwnerID        string
	Title          string
	Description    string
	Tags           []string
	Collaborators  []string
	Public         bool
	Collaborative  bool
	Nodes          []graph.Node
	Edges          []graph.Edge
	Version        int
	LockHolder     string // empty when unlocked
	LockAcquiredAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StoryboardMeta carries the metadata fields a storyboard update may change.
type StoryboardMeta struct {
	Title         string
	Description   string
	Tags          []string
	Public        bool
	Collaborative bool
}

// Version is an immutable graph snapshot. Rows are append-only: never updated
// or deleted once written.
type Version struct {
	ID            string
	StoryboardID  string
	VersionNumber int
	Nodes         []graph.Node
	Edges         []graph.Edge
	ChangedBy     string
	Description   string
	CreatedAt     time.Time
}

type Article struct {
	ID                 string
	Slug               string
	Title              string
	Body               string
	Author             string
	VerificationStatus string
	RatingAvg          float64
	RatingCount        int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Review struct {
	ID        string
	ArticleID string
	UserID    string
	Rating    int
	Body      string
	CreatedAt time.Time
}
