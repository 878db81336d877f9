package postgres

import (
	"context"
)

// Schema bootstraps a fresh database. Schema evolution on an existing
// database is handled by external migrations, not here.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl (
	id                BIGSERIAL PRIMARY KEY,
	crawl_started_at  TIMESTAMPTZ NOT NULL,
	crawl_date_start  DATE NOT NULL,
	crawl_date_end    DATE NOT NULL,
	cursor            BIGINT NOT NULL,
	search_id         TEXT NOT NULL,
	has_more          BOOLEAN NOT NULL,
	item_count        INTEGER NOT NULL,
	query             JSONB NOT NULL,
	extra_data        JSONB
);

CREATE TABLE IF NOT EXISTS video (
	id                 BIGINT PRIMARY KEY,
	video_description  TEXT,
	create_time        BIGINT,
	region_code        TEXT,
	share_count        BIGINT,
	view_count         BIGINT,
	like_count         BIGINT,
	comment_count      BIGINT,
	music_id           BIGINT,
	username           TEXT,
	voice_to_text      TEXT,
	playlist_id        BIGINT,
	crawled_at         TIMESTAMPTZ NOT NULL,
	crawled_updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS hashtag (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS effect (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS query_tag (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS user_info (
	username        TEXT PRIMARY KEY,
	display_name    TEXT,
	bio_description TEXT,
	avatar_url      TEXT,
	is_verified     BOOLEAN,
	follower_count  BIGINT,
	following_count BIGINT,
	likes_count     BIGINT,
	video_count     BIGINT,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS comment (
	id                BIGINT PRIMARY KEY,
	video_id          BIGINT NOT NULL,
	parent_comment_id BIGINT,
	text              TEXT,
	like_count        BIGINT,
	reply_count       BIGINT,
	create_time       BIGINT,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS videos_to_crawls (
	video_id BIGINT NOT NULL,
	crawl_id BIGINT NOT NULL REFERENCES crawl (id),
	PRIMARY KEY (video_id, crawl_id)
);

CREATE TABLE IF NOT EXISTS videos_to_hashtags (
	video_id   BIGINT NOT NULL,
	hashtag_id BIGINT NOT NULL REFERENCES hashtag (id),
	PRIMARY KEY (video_id, hashtag_id)
);

CREATE TABLE IF NOT EXISTS videos_to_effect_ids (
	video_id  BIGINT NOT NULL,
	effect_id BIGINT NOT NULL REFERENCES effect (id),
	PRIMARY KEY (video_id, effect_id)
);

CREATE TABLE IF NOT EXISTS crawls_to_query_tags (
	crawl_id     BIGINT NOT NULL REFERENCES crawl (id),
	query_tag_id BIGINT NOT NULL REFERENCES query_tag (id),
	PRIMARY KEY (crawl_id, query_tag_id)
);

CREATE TABLE IF NOT EXISTS videos_to_query_tags (
	video_id     BIGINT NOT NULL,
	query_tag_id BIGINT NOT NULL REFERENCES query_tag (id),
	PRIMARY KEY (video_id, query_tag_id)
);
`

// EnsureSchema creates the tables above if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &WriteError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, Schema); err != nil {
		return &WriteError{Op: "create schema", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &WriteError{Op: "commit", Err: err}
	}
	return nil
}
