package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const foreignKeyViolation = "23503"

var (
	ErrNotFound    = errors.New("progress not found")
	ErrNoEmbedding = errors.New("embedding not found")
	ErrUnknownUser = errors.New("unknown user")
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Get(ctx context.Context, userID string) (Progress, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return Progress{}, ErrNotFound
	}
	return scanProgress(r.db.QueryRowContext(ctx, `
		SELECT user_id, level, xp, current_streak, longest_streak, last_active_on, updated_at
		FROM user_progress
		WHERE user_id = $1
	`, userID))
}

func (r *Repository) Put(ctx context.Context, userID string, input UpdateInput) (Progress, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return Progress{}, ErrUnknownUser
	}

	p, err := scanProgress(r.db.QueryRowContext(ctx, `
		INSERT INTO user_progress (user_id, level, xp, current_streak, longest_streak, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			level = EXCLUDED.level,
			xp = EXCLUDED.xp,
			current_streak = EXCLUDED.current_streak,
			longest_streak = EXCLUDED.longest_streak,
			updated_at = EXCLUDED.updated_at
		RETURNING user_id, level, xp, current_streak, longest_streak, last_active_on, updated_at
	`, userID, LevelFor(input.XP), input.XP, input.CurrentStreak, input.LongestStreak, time.Now().UTC()))
	if err != nil {
		return Progress{}, mapWriteError(err)
	}
	return p, nil
}

// RecordActivity locks the row so concurrent activity for one user is applied
// in sequence.
func (r *Repository) RecordActivity(ctx context.Context, userID string, xp int64, now time.Time) (Progress, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return Progress{}, ErrUnknownUser
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Progress{}, fmt.Errorf("begin activity tx: %w", err)
	}
	defer tx.Rollback()

	current, err := scanProgress(tx.QueryRowContext(ctx, `
		SELECT user_id, level, xp, current_streak, longest_streak, last_active_on, updated_at
		FROM user_progress
		WHERE user_id = $1
		FOR UPDATE
	`, userID))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return Progress{}, err
		}
		current = Empty(userID)
	}

	next := RecordActivity(current, xp, now)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_progress (user_id, level, xp, current_streak, longest_streak, last_active_on, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			level = EXCLUDED.level,
			xp = EXCLUDED.xp,
			current_streak = EXCLUDED.current_streak,
			longest_streak = EXCLUDED.longest_streak,
			last_active_on = EXCLUDED.last_active_on,
			updated_at = EXCLUDED.updated_at
	`, next.UserID, next.Level, next.XP, next.CurrentStreak, next.LongestStreak, next.LastActiveOn, next.UpdatedAt)
	if err != nil {
		return Progress{}, mapWriteError(err)
	}

	if err := tx.Commit(); err != nil {
		return Progress{}, fmt.Errorf("commit activity tx: %w", err)
	}

	return next, nil
}

func (r *Repository) Delete(ctx context.Context, userID string) error {
	if _, err := uuid.Parse(userID); err != nil {
		return ErrNotFound
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM user_progress WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *Repository) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT RANK() OVER (ORDER BY xp DESC) AS rank, user_id, level, xp, current_streak
		FROM user_progress
		ORDER BY xp DESC, user_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	entries := make([]LeaderboardEntry, 0, limit)
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.Rank, &e.UserID, &e.Level, &e.XP, &e.CurrentStreak); err != nil {
			return nil, fmt.Errorf("scan leaderboard entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leaderboard: %w", err)
	}

	return entries, nil
}

func (r *Repository) SaveEmbedding(ctx context.Context, userID string, embedding []float32) error {
	if _, err := uuid.Parse(userID); err != nil {
		return ErrUnknownUser
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_embeddings (user_id, embedding, updated_at)
		VALUES ($1, $2::vector, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at
	`, userID, vectorLiteral(embedding), time.Now().UTC())
	if err != nil {
		return mapWriteError(err)
	}

	return nil
}

// Similar ranks other users by cosine similarity of their stored embedding
// through the match_similar_users database function.
func (r *Repository) Similar(ctx context.Context, userID string, limit int) ([]SimilarUser, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, ErrNoEmbedding
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM user_embeddings WHERE user_id = $1)
	`, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check embedding: %w", err)
	}
	if !exists {
		return nil, ErrNoEmbedding
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, similarity
		FROM match_similar_users($1, $2)
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query similar users: %w", err)
	}
	defer rows.Close()

	matches := make([]SimilarUser, 0, limit)
	for rows.Next() {
		var m SimilarUser
		if err := rows.Scan(&m.UserID, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan similar user: %w", err)
		}
		matches = append(matches, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similar users: %w", err)
	}

	return matches, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return ErrUnknownUser
	}
	return fmt.Errorf("write progress: %w", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProgress(row rowScanner) (Progress, error) {
	var p Progress
	var lastActive sql.NullTime
	err := row.Scan(&p.UserID, &p.Level, &p.XP, &p.CurrentStreak, &p.LongestStreak, &lastActive, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Progress{}, ErrNotFound
		}
		return Progress{}, fmt.Errorf("scan progress: %w", err)
	}
	if lastActive.Valid {
		value := lastActive.Time.UTC()
		p.LastActiveOn = &value
	}
	return p, nil
}

// vectorLiteral renders the pgvector text form, e.g. [0.1,0.2,0.3].
func vectorLiteral(values []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
