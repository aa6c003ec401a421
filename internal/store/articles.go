package store

import (
	"context"
	"fmt"
	"time"
)

const articleColumns = `
	id, slug, title, body, author_name, verification_status,
	rating_avg, rating_count, created_at, updated_at
`

func (s *PostgresStore) GetArticleByID(ctx context.Context, articleID string) (Article, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE id=$1`, articleID)
	return scanArticle(row)
}

func (s *PostgresStore) GetArticleBySlug(ctx context.Context, slug string) (Article, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE slug=$1`, slug)
	return scanArticle(row)
}

func (s *PostgresStore) InsertArticle(ctx context.Context, item Article) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO articles (id, slug, title, body, author_name, verification_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, item.ID, item.Slug, item.Title, item.Body, item.Author, item.VerificationStatus, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetArticleVerification(ctx context.Context, articleID, status string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE articles SET verification_status=$2, updated_at=$3 WHERE id=$1
	`, articleID, status, now)
	if err != nil {
		return fmt.Errorf("set article verification: %w", err)
	}
	return nil
}

// InsertReview writes the review and the parent's aggregate rating in one
// transaction so readers never observe a review without its rating effect.
func (s *PostgresStore) InsertReview(ctx context.Context, review Review, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin review tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reviews (id, article_id, user_id, rating, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, review.ID, review.ArticleID, review.UserID, review.Rating, review.Body, review.CreatedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert review: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE articles
		SET rating_avg = (rating_avg * rating_count + $2) / (rating_count + 1),
			rating_count = rating_count + 1,
			updated_at = $3
		WHERE id=$1
	`, review.ArticleID, review.Rating, now); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update article rating: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit review tx: %w", err)
	}
	return nil
}

func scanArticle(row rowScanner) (Article, error) {
	var item Article
	err := row.Scan(
		&item.ID, &item.Slug, &item.Title, &item.Body, &item.Author, &item.VerificationStatus,
		&item.RatingAvg, &item.RatingCount, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Article{}, err
	}
	return item, nil
}
