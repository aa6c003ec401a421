package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"newsdesk/api/internal/access"
	"newsdesk/api/internal/auth"
	"newsdesk/api/internal/broadcast"
	"newsdesk/api/internal/cache"
	"newsdesk/api/internal/config"
	"newsdesk/api/internal/graph"
	"newsdesk/api/internal/lock"
	"newsdesk/api/internal/search"
	"newsdesk/api/internal/store"
	"newsdesk/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

type CreateStoryboardInput struct {
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Tags          []string     `json:"tags"`
	IsPublic      bool         `json:"isPublic"`
	IsCollaborative bool       `json:"isCollaborative"`
	Nodes         []graph.Node `json:"nodes"`
	Edges         []graph.Edge `json:"edges"`
}

// UpdateStoryboardInput uses pointers to distinguish absent fields from
// explicit empty values; a nil Nodes/Edges pair means a metadata-only edit.
type UpdateStoryboardInput struct {
	Title             *string       `json:"title"`
	Description       *string       `json:"description"`
	Tags              *[]string     `json:"tags"`
	IsPublic          *bool         `json:"isPublic"`
	IsCollaborative   *bool         `json:"isCollaborative"`
	Nodes             *[]graph.Node `json:"nodes"`
	Edges             *[]graph.Edge `json:"edges"`
	ChangeDescription string        `json:"changeDescription"`
}

type LockView struct {
	Holder    string     `json:"holder,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type StoryboardView struct {
	ID            string       `json:"id"`
	OwnerID       string       `json:"ownerId"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Tags          []string     `json:"tags"`
	Collaborators []string     `json:"collaborators"`
	IsPublic      bool         `json:"isPublic"`
	IsCollaborative bool       `json:"isCollaborative"`
	Nodes         []graph.Node `json:"nodes"`
	Edges         []graph.Edge `json:"edges"`
	Version       int          `json:"version"`
	Lock          *LockView    `json:"lock,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

type VersionView struct {
	VersionNumber int          `json:"version"`
	Nodes         []graph.Node `json:"nodes"`
	Edges         []graph.Edge `json:"edges"`
	ChangedBy     string       `json:"changedBy"`
	Description   string       `json:"description"`
	CreatedAt     time.Time    `json:"createdAt"`
}

type VersionPage struct {
	Versions []VersionView `json:"versions"`
	Page     int           `json:"page"`
	Limit    int           `json:"limit"`
	Total    int           `json:"total"`
}

var allowedVerificationStatuses = map[string]struct{}{
	"unverified": {},
	"pending":    {},
	"verified":   {},
	"disputed":   {},
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetStoryboard(context.Context, string) (store.Storyboard, error)
	InsertStoryboard(context.Context, store.Storyboard) error
	DeleteStoryboard(context.Context, string) error
	TryAcquireLock(ctx context.Context, storyboardID, userID string, now, cutoff time.Time) (bool, error)
	ReleaseLock(ctx context.Context, storyboardID, userID string, now time.Time) error
	UpdateStoryboardMeta(ctx context.Context, storyboardID string, meta store.StoryboardMeta, userID string, now, cutoff time.Time) (bool, error)
	CommitGraph(ctx context.Context, storyboardID string, expectedVersion int, nodes []graph.Node, edges []graph.Edge, meta store.StoryboardMeta, userID string, now, cutoff time.Time) (bool, error)
	InsertVersion(context.Context, store.Version) error
	ListVersions(ctx context.Context, storyboardID string, limit, offset int) ([]store.Version, error)
	CountVersions(ctx context.Context, storyboardID string) (int, error)
	AddCollaborator(ctx context.Context, storyboardID, userID string, now time.Time) error
	RemoveCollaborator(ctx context.Context, storyboardID, userID string, now time.Time) error
	GetArticleByID(context.Context, string) (store.Article, error)
	GetArticleBySlug(context.Context, string) (store.Article, error)
	InsertArticle(context.Context, store.Article) error
	SetArticleVerification(ctx context.Context, articleID, status string, now time.Time) error
	InsertReview(ctx context.Context, review store.Review, now time.Time) error
	Ping(ctx context.Context) error
}

type Service struct {
	cfg         config.Config
	store       dataStore
	cache       *cache.Cache
	invalidator *cache.Invalidator
	broadcaster *broadcast.Broadcaster
	registry    *broadcast.Registry
	locks       *lock.Manager
	search      *search.Service
	now         func() time.Time
}

func New(cfg config.Config, dataStore dataStore, c *cache.Cache, searchService *search.Service, registry *broadcast.Registry) *Service {
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		cache:       c,
		invalidator: cache.NewInvalidator(c),
		broadcaster: broadcast.New(c),
		registry:    registry,
		locks:       lock.NewManager(dataStore, cfg.LockTTL),
		search:      searchService,
		now:         time.Now,
	}
}

// WithClock overrides the service clock (lock manager and broadcaster
// included). Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.locks.WithClock(now)
	s.broadcaster.WithClock(now)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	user, err := s.store.EnsureUserByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return Session{}, err
	}

	expiresAt := s.now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, expiresAt)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, UserID: user.ID, UserName: user.DisplayName, ExpiresAt: expiresAt}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, UserID: user.ID, UserName: user.DisplayName}, nil
}

func (s *Service) CreateStoryboard(ctx context.Context, userID string, in CreateStoryboardInput) (StoryboardView, error) {
	hasGraph := len(in.Nodes) > 0 || len(in.Edges) > 0
	if hasGraph {
		if err := graph.Validate(in.Nodes, in.Edges); err != nil {
			return StoryboardView{}, graphValidationError(err)
		}
	}

	now := s.now()
	sb := store.Storyboard{
		ID:            util.NewID("sb"),
		OwnerID:       userID,
		Title:         in.Title,
		Description:   in.Description,
		Tags:          in.Tags,
		Collaborators: []string{},
		Public:        in.IsPublic,
		Collaborative: in.IsCollaborative,
		Nodes:         in.Nodes,
		Edges:         in.Edges,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if hasGraph {
		sb.Version = 1
	}

	if err := s.store.InsertStoryboard(ctx, sb); err != nil {
		return StoryboardView{}, err
	}
	if hasGraph {
		if err := s.store.InsertVersion(ctx, store.Version{
			ID:            util.NewID("ver"),
			StoryboardID:  sb.ID,
			VersionNumber: 1,
			Nodes:         in.Nodes,
			Edges:         in.Edges,
			ChangedBy:     userID,
			Description:   "Version 1",
			CreatedAt:     now,
		}); err != nil {
			return StoryboardView{}, err
		}
	}

	s.indexStoryboard(sb)
	return s.storyboardView(sb), nil
}

// GetStoryboard reads through the cache. The access check runs on whichever
// copy was loaded, so a cached storyboard is never served to a user the
// authoritative copy would deny.
func (s *Service) GetStoryboard(ctx context.Context, userID, storyboardID string) (StoryboardView, error) {
	sb, cached, err := s.loadStoryboard(ctx, storyboardID)
	if err != nil {
		return StoryboardView{}, err
	}
	if !access.CanRead(accessTarget(sb), userID) {
		return StoryboardView{}, readForbiddenError()
	}
	if !cached {
		s.cacheStoryboard(ctx, sb)
	}
	return s.storyboardView(sb), nil
}

func (s *Service) UpdateStoryboard(ctx context.Context, userID, storyboardID string, in UpdateStoryboardInput) (StoryboardView, error) {
	// Always read the authoritative row here: lock and version decisions must
	// not be made against a cached copy.
	sb, err := s.store.GetStoryboard(ctx, storyboardID)
	if err != nil {
		return StoryboardView{}, err
	}
	if !access.CanWrite(accessTarget(sb), userID) {
		return StoryboardView{}, writeForbiddenError("You do not have write access to this storyboard")
	}

	now := s.now()
	if lock.HeldByOther(sb.LockHolder, sb.LockAcquiredAt, userID, now, s.cfg.LockTTL) {
		return StoryboardView{}, conflictError("Storyboard is locked by another user")
	}

	meta := mergeMeta(sb, in)
	cutoff := now.Add(-s.cfg.LockTTL)

	graphChanged := in.Nodes != nil || in.Edges != nil
	newNodes := sb.Nodes
	newEdges := sb.Edges
	newVersion := sb.Version

	if graphChanged {
		if in.Nodes != nil {
			newNodes = *in.Nodes
		}
		if in.Edges != nil {
			newEdges = *in.Edges
		}
		// Rejected payloads must have no side effects: no version bump, no
		// eviction, no broadcast.
		if err := graph.Validate(newNodes, newEdges); err != nil {
			return StoryboardView{}, graphValidationError(err)
		}

		ok, err := s.store.CommitGraph(ctx, storyboardID, sb.Version, newNodes, newEdges, meta, userID, now, cutoff)
		if err != nil {
			return StoryboardView{}, err
		}
		if !ok {
			return StoryboardView{}, conflictError("Storyboard was modified concurrently; reload and retry")
		}
		newVersion = sb.Version + 1

		description := in.ChangeDescription
		if description == "" {
			description = fmt.Sprintf("Version %d", newVersion)
		}
		if err := s.store.InsertVersion(ctx, store.Version{
			ID:            util.NewID("ver"),
			StoryboardID:  storyboardID,
			VersionNumber: newVersion,
			Nodes:         newNodes,
			Edges:         newEdges,
			ChangedBy:     userID,
			Description:   description,
			CreatedAt:     now,
		}); err != nil {
			return StoryboardView{}, err
		}
	} else {
		ok, err := s.store.UpdateStoryboardMeta(ctx, storyboardID, meta, userID, now, cutoff)
		if err != nil {
			return StoryboardView{}, err
		}
		if !ok {
			return StoryboardView{}, conflictError("Storyboard is locked by another user")
		}
	}

	s.invalidator.EvictStoryboard(ctx, storyboardID)

	s.publish(ctx, broadcast.ResourceStoryboard, storyboardID, broadcast.TypeStoryboardUpdated, map[string]any{
		"storyboardId": storyboardID,
		"version":      newVersion,
		"updatedBy":    userID,
	})
	if graphChanged {
		// version-updated carries the full graph so pollers can apply it
		// without a second fetch.
		s.publish(ctx, broadcast.ResourceStoryboard, storyboardID, broadcast.TypeVersionUpdated, map[string]any{
			"storyboardId": storyboardID,
			"version":      newVersion,
			"nodes":        newNodes,
			"edges":        newEdges,
			"changedBy":    userID,
		})
	}

	updated := sb
	updated.Title = meta.Title
	updated.Description = meta.Description
	updated.Tags = meta.Tags
	updated.Public = meta.Public
	updated.Collaborative = meta.Collaborative
	updated.Nodes = newNodes
	updated.Edges = newEdges
	updated.Version = newVersion
	updated.LockHolder = ""
	updated.LockAcquiredAt = nil
	updated.UpdatedAt = now

	s.indexStoryboard(updated)
	return s.storyboardView(updated), nil
}

// AcquireLock takes or refreshes the editing lease and reports its expiry.
func (s *Service) AcquireLock(ctx context.Context, userID, storyboardID string) (time.Time, error) {
	sb, err := s.store.GetStoryboard(ctx, storyboardID)
	if err != nil {
		return time.Time{}, err
	}
	if !access.CanWrite(accessTarget(sb), userID) {
		return time.Time{}, writeForbiddenError("You do not have write access to this storyboard")
	}

	expiresAt, err := s.locks.Acquire(ctx, storyboardID, userID)
	if errors.Is(err, lock.ErrLocked) {
		return time.Time{}, conflictError("Storyboard is locked by another user")
	}
	if err != nil {
		return time.Time{}, err
	}

	s.invalidator.EvictStoryboard(ctx, storyboardID)
	s.publish(ctx, broadcast.ResourceStoryboard, storyboardID, broadcast.TypeStoryboardLocked, map[string]any{
		"storyboardId": storyboardID,
		"lockedBy":     userID,
		"expiresAt":    expiresAt,
	})
	return expiresAt, nil
}

// ReleaseLock is idempotent: releasing an absent, expired, or foreign lock
// succeeds without effect.
func (s *Service) ReleaseLock(ctx context.Context, userID, storyboardID string) error {
	if _, err := s.store.GetStoryboard(ctx, storyboardID); err != nil {
		return err
	}
	if err := s.locks.Release(ctx, storyboardID, userID); err != nil {
		return err
	}
	s.invalidator.EvictStoryboard(ctx, storyboardID)
	return nil
}

func (s *Service) ListVersions(ctx context.Context, userID, storyboardID string, page, limit int) (VersionPage, error) {
	sb, _, err := s.loadStoryboard(ctx, storyboardID)
	if err != nil {
		return VersionPage{}, err
	}
	if !access.CanRead(accessTarget(sb), userID) {
		return VersionPage{}, readForbiddenError()
	}

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	versions, err := s.store.ListVersions(ctx, storyboardID, limit, (page-1)*limit)
	if err != nil {
		return VersionPage{}, err
	}
	total, err := s.store.CountVersions(ctx, storyboardID)
	if err != nil {
		return VersionPage{}, err
	}

	views := make([]VersionView, 0, len(versions))
	for _, v := range versions {
		views = append(views, VersionView{
			VersionNumber: v.VersionNumber,
			Nodes:         v.Nodes,
			Edges:         v.Edges,
			ChangedBy:     v.ChangedBy,
			Description:   v.Description,
			CreatedAt:     v.CreatedAt,
		})
	}
	return VersionPage{Versions: views, Page: page, Limit: limit, Total: total}, nil
}

func (s *Service) AddCollaborator(ctx context.Context, actorID, storyboardID, userID string) error {
	sb, err := s.store.GetStoryboard(ctx, storyboardID)
	if err != nil {
		return err
	}
	if !access.CanManageCollaborators(accessTarget(sb), actorID) {
		return writeForbiddenError("Only the owner can manage collaborators")
	}
	if userID == "" {
		return validationError("userId is required", nil)
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return err
	}

	if err := s.store.AddCollaborator(ctx, storyboardID, userID, s.now()); err != nil {
		return err
	}

	s.invalidator.EvictStoryboard(ctx, storyboardID)
	s.publish(ctx, broadcast.ResourceStoryboard, storyboardID, broadcast.TypeStoryboardUpdated, map[string]any{
		"storyboardId": storyboardID,
		"collaboratorAdded": userID,
	})
	return nil
}

func (s *Service) RemoveCollaborator(ctx context.Context, actorID, storyboardID, userID string) error {
	sb, err := s.store.GetStoryboard(ctx, storyboardID)
	if err != nil {
		return err
	}
	if !access.CanManageCollaborators(accessTarget(sb), actorID) {
		return writeForbiddenError("Only the owner can manage collaborators")
	}

	if err := s.store.RemoveCollaborator(ctx, storyboardID, userID, s.now()); err != nil {
		return err
	}

	s.invalidator.EvictStoryboard(ctx, storyboardID)
	s.publish(ctx, broadcast.ResourceStoryboard, storyboardID, broadcast.TypeStoryboardUpdated, map[string]any{
		"storyboardId":        storyboardID,
		"collaboratorRemoved": userID,
	})
	return nil
}

// DeleteStoryboard removes the storyboard row. Version history is retained
// for audit.
func (s *Service) DeleteStoryboard(ctx context.Context, userID, storyboardID string) error {
	sb, err := s.store.GetStoryboard(ctx, storyboardID)
	if err != nil {
		return err
	}
	if !access.CanManageCollaborators(accessTarget(sb), userID) {
		return writeForbiddenError("Only the owner can delete a storyboard")
	}

	if err := s.store.DeleteStoryboard(ctx, storyboardID); err != nil {
		return err
	}

	s.invalidator.EvictStoryboard(ctx, storyboardID)
	s.publish(ctx, broadcast.ResourceStoryboard, storyboardID, broadcast.TypeStoryboardUpdated, map[string]any{
		"storyboardId": storyboardID,
		"deleted":      true,
	})
	if s.search != nil {
		s.search.DeleteStoryboard(storyboardID)
	}
	return nil
}

// PollMessages returns queued change events newer than since. Delivery is
// best-effort: a slow poller misses overwritten events and must re-fetch.
func (s *Service) PollMessages(ctx context.Context, userID, storyboardID string, since time.Time, connID string) ([]broadcast.Message, error) {
	sb, _, err := s.loadStoryboard(ctx, storyboardID)
	if err != nil {
		return nil, err
	}
	if !access.CanRead(accessTarget(sb), userID) {
		return nil, readForbiddenError()
	}

	if connID != "" && s.registry != nil {
		if !s.registry.Heartbeat(connID) {
			s.registry.Register(connID)
		}
	}

	return s.broadcaster.Poll(ctx, broadcast.ResourceStoryboard, storyboardID, since)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) loadStoryboard(ctx context.Context, storyboardID string) (store.Storyboard, bool, error) {
	key := cache.StoryboardKey(storyboardID)
	if value, ok, err := s.cache.Get(ctx, key); err != nil {
		log.Printf("cache: get storyboard %s: %v", storyboardID, err)
	} else if ok {
		var sb store.Storyboard
		if err := json.Unmarshal(value, &sb); err == nil {
			return sb, true, nil
		}
		log.Printf("cache: decode storyboard %s: corrupt entry dropped", storyboardID)
		_ = s.cache.Del(ctx, key)
	}

	sb, err := s.store.GetStoryboard(ctx, storyboardID)
	if err != nil {
		return store.Storyboard{}, false, err
	}
	return sb, false, nil
}

func (s *Service) cacheStoryboard(ctx context.Context, sb store.Storyboard) {
	encoded, err := json.Marshal(sb)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cache.StoryboardKey(sb.ID), encoded, s.cfg.CacheTTL); err != nil {
		log.Printf("cache: set storyboard %s: %v", sb.ID, err)
	}
}

func (s *Service) publish(ctx context.Context, resourceType, resourceID string, msgType broadcast.MessageType, payload any) {
	if err := s.broadcaster.Publish(ctx, resourceType, resourceID, msgType, payload); err != nil {
		log.Printf("broadcast: publish %s for %s: %v", msgType, resourceID, err)
	}
}

func (s *Service) indexStoryboard(sb store.Storyboard) {
	if s.search == nil {
		return
	}
	s.search.IndexStoryboard(search.StoryboardRecord{
		ID:          sb.ID,
		Title:       sb.Title,
		Description: sb.Description,
		Tags:        sb.Tags,
	})
}

func (s *Service) storyboardView(sb store.Storyboard) StoryboardView {
	view := StoryboardView{
		ID:            sb.ID,
		OwnerID:       sb.OwnerID,
		Title:         sb.Title,
		Description:   sb.Description,
		Tags:          emptyIfNil(sb.Tags),
		Collaborators: emptyIfNil(sb.Collaborators),
		IsPublic:      sb.Public,
		IsCollaborative: sb.Collaborative,
		Nodes:         emptyIfNil(sb.Nodes),
		Edges:         emptyIfNil(sb.Edges),
		Version:       sb.Version,
		CreatedAt:     sb.CreatedAt,
		UpdatedAt:     sb.UpdatedAt,
	}
	if lock.Active(sb.LockHolder, sb.LockAcquiredAt, s.now(), s.cfg.LockTTL) {
		expiresAt := sb.LockAcquiredAt.Add(s.cfg.LockTTL)
		view.Lock = &LockView{Holder: sb.LockHolder, ExpiresAt: &expiresAt}
	}
	return view
}

func accessTarget(sb store.Storyboard) access.Target {
	return access.Target{
		OwnerID:       sb.OwnerID,
		Collaborators: sb.Collaborators,
		Public:        sb.Public,
		Collaborative: sb.Collaborative,
	}
}

func mergeMeta(sb store.Storyboard, in UpdateStoryboardInput) store.StoryboardMeta {
	meta := store.StoryboardMeta{
		Title:         sb.Title,
		Description:   sb.Description,
		Tags:          sb.Tags,
		Public:        sb.Public,
		Collaborative: sb.Collaborative,
	}
	if in.Title != nil {
		meta.Title = *in.Title
	}
	if in.Description != nil {
		meta.Description = *in.Description
	}
	if in.Tags != nil {
		meta.Tags = *in.Tags
	}
	if in.IsPublic != nil {
		meta.Public = *in.IsPublic
	}
	if in.IsCollaborative != nil {
		meta.Collaborative = *in.IsCollaborative
	}
	return meta
}

func graphValidationError(err error) error {
	var verr *graph.ValidationError
	if errors.As(err, &verr) {
		return validationError("Graph edges reference missing nodes", map[string]any{
			"missingNodeIds": verr.MissingNodeIDs,
		})
	}
	return validationError(err.Error(), nil)
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
