package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"newsdesk/api/internal/graph"
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE display_name=$1`, name).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name)
		VALUES ($1)
		RETURNING id, display_name, created_at
	`, name).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

const storyboardColumns = `
	id, owner_id, title, description, tags, collaborators,
	is_public, is_collaborative, nodes, edges, version,
	lock_holder, lock_acquired_at, created_at, updated_at
`

func (s *PostgresStore) GetStoryboard(ctx context.Context, storyboardID string) (Storyboard, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+storyboardColumns+` FROM storyboards WHERE id=$1`, storyboardID)
	return scanStoryboard(row)
}

func (s *PostgresStore) InsertStoryboard(ctx context.Context, sb Storyboard) error {
	tags, collaborators, nodes, edges, err := encodeStoryboardJSON(sb)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO storyboards (
			id, owner_id, title, description, tags, collaborators,
			is_public, is_collaborative, nodes, edges, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, sb.ID, sb.OwnerID, sb.Title, sb.Description, tags, collaborators,
		sb.Public, sb.Collaborative, nodes, edges, sb.Version, sb.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert storyboard: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteStoryboard(ctx context.Context, storyboardID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM storyboards WHERE id=$1`, storyboardID)
	if err != nil {
		return fmt.Errorf("delete storyboard: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TryAcquireLock performs the single conditional update that makes two
// concurrent acquire attempts mutually exclusive. The lock is granted when the
// row is unlocked, already held by the same user, or held by a lease whose
// acquired_at is at or before cutoff (expired).
func (s *PostgresStore) TryAcquireLock(ctx context.Context, storyboardID, userID string, now, cutoff time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE storyboards
		SET lock_holder=$2, lock_acquired_at=$3, updated_at=$3
		WHERE id=$1
			AND (lock_holder IS NULL OR lock_holder=$2 OR lock_acquired_at <= $4)
	`, storyboardID, userID, now, cutoff)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock rows: %w", err)
	}
	return affected > 0, nil
}

// ReleaseLock clears the lock only when held by userID. A zero-row match
// (absent, expired-and-reassigned, or foreign holder) is a silent no-op.
func (s *PostgresStore) ReleaseLock(ctx context.Context, storyboardID, userID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE storyboards
		SET lock_holder=NULL, lock_acquired_at=NULL, updated_at=$3
		WHERE id=$1 AND lock_holder=$2
	`, storyboardID, userID, now)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// UpdateStoryboardMeta writes metadata without touching the version counter.
// The same statement clears the lock fields; it matches zero rows while a
// different user's unexpired lock is active.
func (s *PostgresStore) UpdateStoryboardMeta(ctx context.Context, storyboardID string, meta StoryboardMeta, userID string, now, cutoff time.Time) (bool, error) {
	tags, err := json.Marshal(emptyIfNil(meta.Tags))
	if err != nil {
		return false, fmt.Errorf("encode tags: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE storyboards
		SET title=$2, description=$3, tags=$4, is_public=$5, is_collaborative=$6,
			lock_holder=NULL, lock_acquired_at=NULL, updated_at=$7
		WHERE id=$1
			AND (lock_holder IS NULL OR lock_holder=$8 OR lock_acquired_at <= $9)
	`, storyboardID, meta.Title, meta.Description, tags, meta.Public, meta.Collaborative, now, userID, cutoff)
	if err != nil {
		return false, fmt.Errorf("update storyboard meta: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update storyboard meta rows: %w", err)
	}
	return affected > 0, nil
}

// CommitGraph is the compare-and-swap commit: it only lands when the row still
// holds expectedVersion and no other user's unexpired lock is active. Exactly
// one of two concurrent commits against the same version can match. The commit
// clears the lock fields in the same statement.
func (s *PostgresStore) CommitGraph(ctx context.Context, storyboardID string, expectedVersion int, nodes []graph.Node, edges []graph.Edge, meta StoryboardMeta, userID string, now, cutoff time.Time) (bool, error) {
	nodesJSON, err := json.Marshal(emptyIfNil(nodes))
	if err != nil {
		return false, fmt.Errorf("encode nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(emptyIfNil(edges))
	if err != nil {
		return false, fmt.Errorf("encode edges: %w", err)
	}
	tags, err := json.Marshal(emptyIfNil(meta.Tags))
	if err != nil {
		return false, fmt.Errorf("encode tags: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE storyboards
		SET nodes=$3, edges=$4, version=version+1,
			title=$5, description=$6, tags=$7, is_public=$8, is_collaborative=$9,
			lock_holder=NULL, lock_acquired_at=NULL, updated_at=$10
		WHERE id=$1 AND version=$2
			AND (lock_holder IS NULL OR lock_holder=$11 OR lock_acquired_at <= $12)
	`, storyboardID, expectedVersion, nodesJSON, edgesJSON,
		meta.Title, meta.Description, tags, meta.Public, meta.Collaborative,
		now, userID, cutoff)
	if err != nil {
		return false, fmt.Errorf("commit graph: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("commit graph rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertVersion(ctx context.Context, v Version) error {
	nodesJSON, err := json.Marshal(emptyIfNil(v.Nodes))
	if err != nil {
		return fmt.Errorf("encode version nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(emptyIfNil(v.Edges))
	if err != nil {
		return fmt.Errorf("encode version edges: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO storyboard_versions (id, storyboard_id, version_number, nodes, edges, changed_by, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, v.ID, v.StoryboardID, v.VersionNumber, nodesJSON, edgesJSON, v.ChangedBy, v.Description, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, storyboardID string, limit, offset int) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, storyboard_id, version_number, nodes, edges, changed_by, description, created_at
		FROM storyboard_versions
		WHERE storyboard_id=$1
		ORDER BY version_number DESC
		LIMIT $2 OFFSET $3
	`, storyboardID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		var (
			item       Version
			nodesJSON  []byte
			edgesJSON  []byte
		)
		if err := rows.Scan(&item.ID, &item.StoryboardID, &item.VersionNumber, &nodesJSON, &edgesJSON, &item.ChangedBy, &item.Description, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if err := json.Unmarshal(nodesJSON, &item.Nodes); err != nil {
			return nil, fmt.Errorf("decode version nodes: %w", err)
		}
		if err := json.Unmarshal(edgesJSON, &item.Edges); err != nil {
			return nil, fmt.Errorf("decode version edges: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountVersions(ctx context.Context, storyboardID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM storyboard_versions WHERE storyboard_id=$1`, storyboardID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count versions: %w", err)
	}
	return count, nil
}

// AddCollaborator appends userID to the membership set if absent. Zero matched
// rows means the user was already a member (or the storyboard is gone, which
// the caller has already checked).
func (s *PostgresStore) AddCollaborator(ctx context.Context, storyboardID, userID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE storyboards
		SET collaborators = collaborators || to_jsonb($2::text), updated_at=$3
		WHERE id=$1 AND NOT collaborators @> to_jsonb($2::text)
	`, storyboardID, userID, now)
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, storyboardID, userID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE storyboards
		SET collaborators = collaborators - $2, updated_at=$3
		WHERE id=$1
	`, storyboardID, userID, now)
	if err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStoryboard(row rowScanner) (Storyboard, error) {
	var (
		sb                Storyboard
		tagsJSON          []byte
		collaboratorsJSON []byte
		nodesJSON         []byte
		edgesJSON         []byte
		lockHolder        sql.NullString
		lockAcquiredAt    sql.NullTime
	)
	err := row.Scan(
		&sb.ID, &sb.OwnerID, &sb.Title, &sb.Description, &tagsJSON, &collaboratorsJSON,
		&sb.Public, &sb.Collaborative, &nodesJSON, &edgesJSON, &sb.Version,
		&lockHolder, &lockAcquiredAt, &sb.CreatedAt, &sb.UpdatedAt,
	)
	if err != nil {
		return Storyboard{}, err
	}
	if err := json.Unmarshal(tagsJSON, &sb.Tags); err != nil {
		return Storyboard{}, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal(collaboratorsJSON, &sb.Collaborators); err != nil {
		return Storyboard{}, fmt.Errorf("decode collaborators: %w", err)
	}
	if err := json.Unmarshal(nodesJSON, &sb.Nodes); err != nil {
		return Storyboard{}, fmt.Errorf("decode nodes: %w", err)
	}
	if err := json.Unmarshal(edgesJSON, &sb.Edges); err != nil {
		return Storyboard{}, fmt.Errorf("decode edges: %w", err)
	}
	if lockHolder.Valid {
		sb.LockHolder = lockHolder.String
	}
	if lockAcquiredAt.Valid {
		at := lockAcquiredAt.Time
		sb.LockAcquiredAt = &at
	}
	return sb, nil
}

func encodeStoryboardJSON(sb Storyboard) (tags, collaborators, nodes, edges []byte, err error) {
	if tags, err = json.Marshal(emptyIfNil(sb.Tags)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode tags: %w", err)
	}
	if collaborators, err = json.Marshal(emptyIfNil(sb.Collaborators)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode collaborators: %w", err)
	}
	if nodes, err = json.Marshal(emptyIfNil(sb.Nodes)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode nodes: %w", err)
	}
	if edges, err = json.Marshal(emptyIfNil(sb.Edges)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode edges: %w", err)
	}
	return tags, collaborators, nodes, edges, nil
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
