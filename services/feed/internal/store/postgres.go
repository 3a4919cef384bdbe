package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of *pgxpool.Pool the store uses.
// It is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore persists engagement data in Postgres.
type PostgresStore struct {
	pool PgxPool
}

// NewPostgresStore creates a store backed by pool.
func NewPostgresStore(pool PgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// invalidTextRepresentation is raised when an id is not a valid uuid.
const invalidTextRepresentation = "22P02"

// malformedID reports whether err comes from an id that can never match a row.
func malformedID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() { s.pool.Close() }

const aggregateCandidatesSQL = `
WITH l AS (
  SELECT video_id, COUNT(*) AS total, COUNT(*) FILTER (WHERE created_at >= $1) AS recent
  FROM video_likes GROUP BY video_id
), s AS (
  SELECT video_id, COUNT(*) AS total, COUNT(*) FILTER (WHERE created_at >= $1) AS recent
  FROM video_shares GROUP BY video_id
), c AS (
  SELECT video_id, COUNT(*) AS total, COUNT(*) FILTER (WHERE created_at >= $1) AS recent
  FROM comments WHERE deleted_at IS NULL GROUP BY video_id
), i AS (
  SELECT video_id, COUNT(*) AS total, COUNT(*) FILTER (WHERE created_at >= $1) AS recent
  FROM impressions GROUP BY video_id
)
SELECT v.id, v.created_at,
       COALESCE(l.total, 0), COALESCE(l.recent, 0),
       COALESCE(s.total, 0), COALESCE(s.recent, 0),
       COALESCE(c.total, 0), COALESCE(c.recent, 0),
       COALESCE(i.total, 0), COALESCE(i.recent, 0),
       v.views_count
FROM videos v
LEFT JOIN l ON l.video_id = v.id
LEFT JOIN s ON s.video_id = v.id
LEFT JOIN c ON c.video_id = v.id
LEFT JOIN i ON i.video_id = v.id
WHERE v.status = 'active' AND v.processing_status = 'ready'
  AND ($2::timestamptz IS NULL OR v.created_at >= $2)
ORDER BY v.created_at DESC, v.id DESC
LIMIT $3`

func (s *PostgresStore) AggregateCandidates(ctx context.Context, q AggregateQuery) ([]VideoWithCounters, error) {
	var createdAfter *time.Time
	if !q.CreatedAfter.IsZero() {
		t := q.CreatedAfter.UTC()
		createdAfter = &t
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, aggregateCandidatesSQL, q.RecentSince.UTC(), createdAfter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VideoWithCounters
	for rows.Next() {
		var v VideoWithCounters
		c := &v.Counters
		if err := rows.Scan(&v.ID, &v.CreatedAt,
			&c.Likes.Total, &c.Likes.Recent,
			&c.Shares.Total, &c.Shares.Recent,
			&c.Comments.Total, &c.Comments.Recent,
			&c.Impressions.Total, &c.Impressions.Recent,
			&c.Views); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SeenVideoIDs(ctx context.Context, userID string, since time.Time) ([]string, error) {
	const q = `SELECT DISTINCT video_id FROM impressions WHERE user_id = $1 AND created_at >= $2`
	rows, err := s.pool.Query(ctx, q, userID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const videoColumns = `id, author_id, title, description, video_url, thumbnail_url, status, processing_status,
       likes_count, comments_count, shares_count, views_count, created_at`

func scanVideo(row pgx.Row) (Video, error) {
	var v Video
	err := row.Scan(&v.ID, &v.AuthorID, &v.Title, &v.Description, &v.VideoURL, &v.ThumbnailURL,
		&v.Status, &v.ProcessingStatus,
		&v.LikesCount, &v.CommentsCount, &v.SharesCount, &v.ViewsCount, &v.CreatedAt)
	return v, err
}

func (s *PostgresStore) GetVideo(ctx context.Context, videoID string) (Video, error) {
	v, err := scanVideo(s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, videoID))
	if errors.Is(err, pgx.ErrNoRows) || malformedID(err) {
		return Video{}, ErrVideoNotFound
	}
	return v, err
}

func (s *PostgresStore) GetImpression(ctx context.Context, impressionID string) (Impression, error) {
	const q = `SELECT id, user_id, video_id, session_id, position, source, COALESCE(model_version, ''), created_at
	           FROM impressions WHERE id = $1`
	var imp Impression
	err := s.pool.QueryRow(ctx, q, impressionID).Scan(&imp.ID, &imp.UserID, &imp.VideoID, &imp.SessionID,
		&imp.Position, &imp.Source, &imp.ModelVersion, &imp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) || malformedID(err) {
		return Impression{}, ErrImpressionNotFound
	}
	return imp, err
}

func (s *PostgresStore) InsertImpression(ctx context.Context, imp Impression) (Impression, error) {
	const q = `INSERT INTO impressions (user_id, video_id, session_id, position, source, model_version)
	           VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	           RETURNING id, created_at`
	err := s.pool.QueryRow(ctx, q, imp.UserID, imp.VideoID, imp.SessionID, imp.Position, string(imp.Source), imp.ModelVersion).
		Scan(&imp.ID, &imp.CreatedAt)
	return imp, err
}

func (s *PostgresStore) InsertWatchEvent(ctx context.Context, ev WatchEvent) (WatchEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return WatchEvent{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const ins = `INSERT INTO watch_events (impression_id, user_id, video_id, watch_duration_seconds, completed)
	             VALUES ($1, $2, $3, $4, $5)
	             RETURNING id, created_at`
	if err := tx.QueryRow(ctx, ins, ev.ImpressionID, ev.UserID, ev.VideoID, ev.WatchDurationSeconds, ev.Completed).
		Scan(&ev.ID, &ev.CreatedAt); err != nil {
		return WatchEvent{}, err
	}

	tag, err := tx.Exec(ctx, `UPDATE videos SET views_count = views_count + 1 WHERE id = $1 AND status = 'active'`, ev.VideoID)
	if err != nil {
		return WatchEvent{}, err
	}
	if tag.RowsAffected() == 0 {
		return WatchEvent{}, ErrVideoNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return WatchEvent{}, err
	}
	return ev, nil
}

// toggle inserts or deletes a (user, video) mark and keeps the optional
// counter column in step. Counters never go below zero.
// Marks can only be added to active videos; removing one is allowed as long as
// the video row exists.
func (s *PostgresStore) toggle(ctx context.Context, requireActive bool, mutation, counter, videoID string, args ...any) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var active bool
	if err := tx.QueryRow(ctx, `SELECT status = 'active' FROM videos WHERE id = $1`, videoID).Scan(&active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || malformedID(err) {
			return false, ErrVideoNotFound
		}
		return false, err
	}
	if requireActive && !active {
		return false, ErrVideoNotFound
	}

	tag, err := tx.Exec(ctx, mutation, args...)
	if err != nil {
		return false, err
	}
	changed := tag.RowsAffected() > 0
	if changed && counter != "" {
		if _, err := tx.Exec(ctx, counter, videoID); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return changed, nil
}

const (
	likeIncSQL = `UPDATE videos SET likes_count = likes_count + 1 WHERE id = $1`
	likeDecSQL = `UPDATE videos SET likes_count = GREATEST(likes_count - 1, 0) WHERE id = $1`
)

func (s *PostgresStore) Like(ctx context.Context, userID, videoID string) (bool, error) {
	return s.toggle(ctx, true, `INSERT INTO video_likes (user_id, video_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		likeIncSQL, videoID, userID, videoID)
}

func (s *PostgresStore) Unlike(ctx context.Context, userID, videoID string) (bool, error) {
	return s.toggle(ctx, false, `DELETE FROM video_likes WHERE user_id = $1 AND video_id = $2`, likeDecSQL, videoID, userID, videoID)
}

func (s *PostgresStore) Save(ctx context.Context, userID, videoID string) (bool, error) {
	return s.toggle(ctx, true, `INSERT INTO video_saves (user_id, video_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		"", videoID, userID, videoID)
}

func (s *PostgresStore) Unsave(ctx context.Context, userID, videoID string) (bool, error) {
	return s.toggle(ctx, false, `DELETE FROM video_saves WHERE user_id = $1 AND video_id = $2`, "", videoID, userID, videoID)
}

func (s *PostgresStore) Share(ctx context.Context, userID, videoID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE videos SET shares_count = shares_count + 1 WHERE id = $1 AND status = 'active'`, videoID)
	if malformedID(err) {
		return ErrVideoNotFound
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVideoNotFound
	}
	if _, err := tx.Exec(ctx, `INSERT INTO video_shares (user_id, video_id) VALUES ($1, $2)`, userID, videoID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) AddComment(ctx context.Context, c Comment) (Comment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Comment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE videos SET comments_count = comments_count + 1 WHERE id = $1 AND status = 'active'`, c.VideoID)
	if malformedID(err) {
		return Comment{}, ErrVideoNotFound
	}
	if err != nil {
		return Comment{}, err
	}
	if tag.RowsAffected() == 0 {
		return Comment{}, ErrVideoNotFound
	}

	const q = `INSERT INTO comments (video_id, user_id, body) VALUES ($1, $2, $3)
	           RETURNING id, video_id, user_id, body, created_at`
	var out Comment
	if err := tx.QueryRow(ctx, q, c.VideoID, c.UserID, c.Body).
		Scan(&out.ID, &out.VideoID, &out.UserID, &out.Body, &out.CreatedAt); err != nil {
		return Comment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Comment{}, err
	}
	return out, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID, userID string) (Comment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Comment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `UPDATE comments SET deleted_at = now()
	           WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	           RETURNING id, video_id, user_id, body, created_at, deleted_at`
	var out Comment
	err = tx.QueryRow(ctx, q, commentID, userID).
		Scan(&out.ID, &out.VideoID, &out.UserID, &out.Body, &out.CreatedAt, &out.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || malformedID(err) {
			return Comment{}, ErrNotFoundOrForbidden
		}
		return Comment{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE videos SET comments_count = GREATEST(comments_count - 1, 0) WHERE id = $1`, out.VideoID); err != nil {
		return Comment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Comment{}, err
	}
	return out, nil
}

func (s *PostgresStore) VideoDetails(ctx context.Context, videoIDs []string) (map[string]Video, error) {
	out := make(map[string]Video, len(videoIDs))
	if len(videoIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ANY($1::uuid[])`, videoIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out[v.ID] = v
	}
	return out, rows.Err()
}

func (s *PostgresStore) InteractionStates(ctx context.Context, userID string, videoIDs []string) (map[string]InteractionState, error) {
	out := make(map[string]InteractionState, len(videoIDs))
	if userID == "" || len(videoIDs) == 0 {
		return out, nil
	}
	const q = `SELECT v.id,
	                  EXISTS (SELECT 1 FROM video_likes l WHERE l.video_id = v.id AND l.user_id = $1),
	                  EXISTS (SELECT 1 FROM video_saves s WHERE s.video_id = v.id AND s.user_id = $1)
	           FROM unnest($2::uuid[]) AS v(id)`
	rows, err := s.pool.Query(ctx, q, userID, videoIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var st InteractionState
		if err := rows.Scan(&id, &st.Liked, &st.Saved); err != nil {
			return nil, err
		}
		if st.Liked || st.Saved {
			out[id] = st
		}
	}
	return out, rows.Err()
}

var _ EngagementStore = (*PostgresStore)(nil)
