package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/datalab-tools/tiktok-research-crawler/internal/crawler"
	"github.com/datalab-tools/tiktok-research-crawler/internal/tiktok"
)

func testPage() crawler.Page {
	fetched := time.Unix(1700000000, 0).UTC()
	return crawler.Page{
		Query:     []byte(`{"and":[{"operation":"IN","field_name":"region_code","field_values":["US"]}]}`),
		QueryTags: []string{"study-a"},
		Window: crawler.Window{
			Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC),
		},
		Cursor:          100,
		SearchID:        "s-1",
		HasMore:         true,
		RequestedCount:  100,
		PossiblyDeleted: 99,
		FetchedAt:       fetched,
		Videos: []tiktok.Video{
			{
				ID:               42,
				VideoDescription: "a video",
				CreateTime:       1690000000,
				RegionCode:       "US",
				ShareCount:       1,
				ViewCount:        2,
				LikeCount:        3,
				CommentCount:     4,
				MusicID:          5,
				HashtagNames:     []string{"funny"},
				Username:         "alice",
				EffectIDs:        []string{"e-9"},
				VoiceToText:      "hello",
				PlaylistID:       6,
			},
		},
		UserInfo: []tiktok.UserInfo{
			{Username: "alice", DisplayName: "Alice", FollowerCount: 10},
		},
		Comments: []tiktok.Comment{
			{ID: 7, VideoID: 42, Text: "nice", LikeCount: 1, CreateTime: 1690000100},
		},
	}
}

func expectCrawlInsert(mock pgxmock.PgxPoolIface, page crawler.Page, crawlID int64) {
	extra := fmt.Sprintf(`{"possibly_deleted":%d,"requested_count":%d}`, page.PossiblyDeleted, page.RequestedCount)
	mock.ExpectQuery("INSERT INTO crawl").
		WithArgs(
			page.FetchedAt,
			page.Window.Start,
			page.Window.End,
			page.Cursor,
			page.SearchID,
			page.HasMore,
			len(page.Videos),
			[]byte(page.Query),
			[]byte(extra),
		).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(crawlID))
}

func TestPersistPageWritesEverythingInOneTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	page := testPage()
	v := page.Videos[0]

	mock.ExpectBegin()
	expectCrawlInsert(mock, page, 7)

	mock.ExpectExec("INSERT INTO video ").
		WithArgs(
			v.ID, v.VideoDescription, v.CreateTime, v.RegionCode,
			v.ShareCount, v.ViewCount, v.LikeCount, v.CommentCount,
			v.MusicID, v.Username, v.VoiceToText, v.PlaylistID,
			page.FetchedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO videos_to_crawls").
		WithArgs(v.ID, int64(7)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	mock.ExpectExec("INSERT INTO hashtag ").
		WithArgs("funny").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id FROM hashtag").
		WithArgs("funny").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectExec("INSERT INTO videos_to_hashtags").
		WithArgs(v.ID, int64(11)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	mock.ExpectExec("INSERT INTO effect ").
		WithArgs("e-9").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id FROM effect").
		WithArgs("e-9").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(21)))
	mock.ExpectExec("INSERT INTO videos_to_effect_ids").
		WithArgs(v.ID, int64(21)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	mock.ExpectExec("INSERT INTO query_tag ").
		WithArgs("study-a").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id FROM query_tag").
		WithArgs("study-a").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(31)))
	mock.ExpectExec("INSERT INTO crawls_to_query_tags").
		WithArgs(int64(7), int64(31)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO videos_to_query_tags").
		WithArgs(v.ID, int64(31)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	mock.ExpectExec("INSERT INTO user_info").
		WithArgs(
			"alice", "Alice", "", "",
			false, int64(10), int64(0), int64(0), int64(0),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO comment").
		WithArgs(
			int64(7), int64(42), int64(0), "nice",
			int64(1), int64(0), int64(1690000100),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	mock.ExpectCommit()

	require.NoError(t, store.PersistPage(context.Background(), page))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistPageRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	page := testPage()
	boom := errors.New("deadlock detected")

	mock.ExpectBegin()
	expectCrawlInsert(mock, page, 7)
	mock.ExpectExec("INSERT INTO video ").
		WithArgs(
			page.Videos[0].ID, page.Videos[0].VideoDescription, page.Videos[0].CreateTime, page.Videos[0].RegionCode,
			page.Videos[0].ShareCount, page.Videos[0].ViewCount, page.Videos[0].LikeCount, page.Videos[0].CommentCount,
			page.Videos[0].MusicID, page.Videos[0].Username, page.Videos[0].VoiceToText, page.Videos[0].PlaylistID,
			page.FetchedAt,
		).
		WillReturnError(boom)
	mock.ExpectRollback()

	err = store.PersistPage(context.Background(), page)
	require.Error(t, err)

	var write *WriteError
	require.ErrorAs(t, err, &write)
	require.Equal(t, "upsert video", write.Op)
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistPageResolvesSharedValuesOnce(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	fetched := time.Unix(1700000000, 0).UTC()
	page := crawler.Page{
		Query:          []byte(`{}`),
		Window:         crawler.Window{Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)},
		RequestedCount: 100,
		FetchedAt:      fetched,
		Videos: []tiktok.Video{
			{ID: 1, HashtagNames: []string{"funny"}},
			{ID: 2, HashtagNames: []string{"funny"}},
		},
	}

	mock.ExpectBegin()
	expectCrawlInsert(mock, page, 7)

	for _, videoID := range []int64{1, 2} {
		mock.ExpectExec("INSERT INTO video ").
			WithArgs(
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(),
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("INSERT INTO videos_to_crawls").
			WithArgs(videoID, int64(7)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		if videoID == 1 {
			// The shared hashtag is resolved on first use only.
			mock.ExpectExec("INSERT INTO hashtag ").
				WithArgs("funny").
				WillReturnResult(pgxmock.NewResult("INSERT", 1))
			mock.ExpectQuery("SELECT id FROM hashtag").
				WithArgs("funny").
				WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
		}
		mock.ExpectExec("INSERT INTO videos_to_hashtags").
			WithArgs(videoID, int64(11)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	mock.ExpectCommit()

	require.NoError(t, store.PersistPage(context.Background(), page))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}
