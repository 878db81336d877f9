// Package postgres provides Postgres-backed persistence for crawl results.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datalab-tools/tiktok-research-crawler/internal/crawler"
	"github.com/datalab-tools/tiktok-research-crawler/internal/tiktok"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store persists crawl pages. Each page is written in a single transaction,
// so a partially written page never becomes visible and a failed page can be
// re-persisted as-is.
type Store struct {
	pool txBeginner
}

// New creates a Store connected per cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool txBeginner) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// WriteError reports a failed page write. The transaction is rolled back, so
// the page may be re-persisted once the database recovers.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("storage write failed (%s): %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// PersistPage writes one page and all of its entities and associations in a
// single transaction: the immutable crawl row, video upserts, insert-if-absent
// hashtag/effect/query-tag values, idempotent association rows, and any
// creator profiles and comments the page carries.
func (s *Store) PersistPage(ctx context.Context, page crawler.Page) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store is not configured")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &WriteError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	crawlID, err := insertCrawl(ctx, tx, page)
	if err != nil {
		return err
	}

	// Hashtag and effect ids are resolved once per distinct value per page.
	hashtagIDs := map[string]int64{}
	effectIDs := map[string]int64{}

	for _, v := range page.Videos {
		if err := upsertVideo(ctx, tx, v, page.FetchedAt); err != nil {
			return err
		}
		if err := insertAssociation(ctx, tx,
			`INSERT INTO videos_to_crawls (video_id, crawl_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			"associate video with crawl", v.ID, crawlID); err != nil {
			return err
		}

		for _, name := range v.HashtagNames {
			id, err := resolveValue(ctx, tx, hashtagIDs, "hashtag", name)
			if err != nil {
				return err
			}
			if err := insertAssociation(ctx, tx,
				`INSERT INTO videos_to_hashtags (video_id, hashtag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				"associate video with hashtag", v.ID, id); err != nil {
				return err
			}
		}

		for _, name := range v.EffectIDs {
			id, err := resolveValue(ctx, tx, effectIDs, "effect", name)
			if err != nil {
				return err
			}
			if err := insertAssociation(ctx, tx,
				`INSERT INTO videos_to_effect_ids (video_id, effect_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				"associate video with effect", v.ID, id); err != nil {
				return err
			}
		}
	}

	for _, tag := range page.QueryTags {
		tagID, err := resolveValue(ctx, tx, nil, "query_tag", tag)
		if err != nil {
			return err
		}
		if err := insertAssociation(ctx, tx,
			`INSERT INTO crawls_to_query_tags (crawl_id, query_tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			"associate crawl with query tag", crawlID, tagID); err != nil {
			return err
		}
		for _, v := range page.Videos {
			if err := insertAssociation(ctx, tx,
				`INSERT INTO videos_to_query_tags (video_id, query_tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				"associate video with query tag", v.ID, tagID); err != nil {
				return err
			}
		}
	}

	for _, u := range page.UserInfo {
		if err := upsertUserInfo(ctx, tx, u); err != nil {
			return err
		}
	}
	for _, c := range page.Comments {
		if err := upsertComment(ctx, tx, c); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &WriteError{Op: "commit", Err: err}
	}
	return nil
}

func insertCrawl(ctx context.Context, tx pgx.Tx, page crawler.Page) (int64, error) {
	extra, err := json.Marshal(map[string]any{
		"possibly_deleted": page.PossiblyDeleted,
		"requested_count":  page.RequestedCount,
	})
	if err != nil {
		return 0, &WriteError{Op: "marshal crawl extra data", Err: err}
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO crawl (
			crawl_started_at, crawl_date_start, crawl_date_end,
			cursor, search_id, has_more, item_count, query, extra_data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		page.FetchedAt,
		page.Window.Start,
		page.Window.End,
		page.Cursor,
		page.SearchID,
		page.HasMore,
		len(page.Videos),
		[]byte(page.Query),
		extra,
	).Scan(&id)
	if err != nil {
		return 0, &WriteError{Op: "insert crawl", Err: err}
	}
	return id, nil
}

func upsertVideo(ctx context.Context, tx pgx.Tx, v tiktok.Video, fetchedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO video (
			id, video_description, create_time, region_code,
			share_count, view_count, like_count, comment_count,
			music_id, username, voice_to_text, playlist_id,
			crawled_at, crawled_updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (id) DO UPDATE SET
			video_description = EXCLUDED.video_description,
			region_code = EXCLUDED.region_code,
			share_count = EXCLUDED.share_count,
			view_count = EXCLUDED.view_count,
			like_count = EXCLUDED.like_count,
			comment_count = EXCLUDED.comment_count,
			music_id = EXCLUDED.music_id,
			username = EXCLUDED.username,
			voice_to_text = EXCLUDED.voice_to_text,
			playlist_id = EXCLUDED.playlist_id,
			crawled_updated_at = EXCLUDED.crawled_updated_at`,
		v.ID, v.VideoDescription, v.CreateTime, v.RegionCode,
		v.ShareCount, v.ViewCount, v.LikeCount, v.CommentCount,
		v.MusicID, v.Username, v.VoiceToText, v.PlaylistID,
		fetchedAt,
	)
	if err != nil {
		return &WriteError{Op: "upsert video", Err: err}
	}
	return nil
}

// resolveValue inserts a named value if absent and returns its surrogate id.
// Values are immutable; an existing row is never updated. cache may be nil.
func resolveValue(ctx context.Context, tx pgx.Tx, cache map[string]int64, table, name string) (int64, error) {
	if cache != nil {
		if id, ok := cache[name]; ok {
			return id, nil
		}
	}
	op := "insert " + table
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, table),
		name); err != nil {
		return 0, &WriteError{Op: op, Err: err}
	}
	var id int64
	if err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE name = $1`, table),
		name).Scan(&id); err != nil {
		return 0, &WriteError{Op: "select " + table, Err: err}
	}
	if cache != nil {
		cache[name] = id
	}
	return id, nil
}

func insertAssociation(ctx context.Context, tx pgx.Tx, sql, op string, a, b int64) error {
	if _, err := tx.Exec(ctx, sql, a, b); err != nil {
		return &WriteError{Op: op, Err: err}
	}
	return nil
}

func upsertUserInfo(ctx context.Context, tx pgx.Tx, u tiktok.UserInfo) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_info (
			username, display_name, bio_description, avatar_url,
			is_verified, follower_count, following_count, likes_count,
			video_count, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (username) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			bio_description = EXCLUDED.bio_description,
			avatar_url = EXCLUDED.avatar_url,
			is_verified = EXCLUDED.is_verified,
			follower_count = EXCLUDED.follower_count,
			following_count = EXCLUDED.following_count,
			likes_count = EXCLUDED.likes_count,
			video_count = EXCLUDED.video_count,
			updated_at = now()`,
		u.Username, u.DisplayName, u.BioDescription, u.AvatarURL,
		u.IsVerified, u.FollowerCount, u.FollowingCount, u.LikesCount,
		u.VideoCount,
	)
	if err != nil {
		return &WriteError{Op: "upsert user info", Err: err}
	}
	return nil
}

func upsertComment(ctx context.Context, tx pgx.Tx, c tiktok.Comment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO comment (
			id, video_id, parent_comment_id, text,
			like_count, reply_count, create_time, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			like_count = EXCLUDED.like_count,
			reply_count = EXCLUDED.reply_count,
			updated_at = now()`,
		c.ID, c.VideoID, c.ParentCommentID, c.Text,
		c.LikeCount, c.ReplyCount, c.CreateTime,
	)
	if err != nil {
		return &WriteError{Op: "upsert comment", Err: err}
	}
	return nil
}
