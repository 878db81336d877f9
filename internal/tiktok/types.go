// Package tiktok implements the wire types and HTTP transport for the TikTok
// research API: video query, user info, and comment list endpoints.
package tiktok

import (
	"encoding/json"
	"time"
)

// API endpoints with the full field lists the research API supports.
const (
	VideoQueryURL  = "https://open.tiktokapis.com/v2/research/video/query/?fields=id,video_description,create_time,region_code,share_count,view_count,like_count,comment_count,music_id,hashtag_names,username,effect_ids,voice_to_text,playlist_id"
	UserInfoURL    = "https://open.tiktokapis.com/v2/research/user/info/?fields=display_name,bio_description,avatar_url,is_verified,follower_count,following_count,likes_count,video_count"
	CommentListURL = "https://open.tiktokapis.com/v2/research/video/comment/list/?fields=id,like_count,create_time,text,video_id,parent_comment_id"
)

// DateFormat is the date layout the API expects in video query requests.
const DateFormat = "20060102"

// DailyRequestQuota is the fixed number of physical requests the API permits
// per day, resetting at UTC midnight.
const DailyRequestQuota = 1000

// MaxCommentsCursor is the highest comment cursor the API serves; only the
// top 1000 comments of a video are retrievable.
const MaxCommentsCursor = 999

// FormatDate renders t in the API's date format.
func FormatDate(t time.Time) string {
	return t.Format(DateFormat)
}

// ParseDate parses a date in the API's format.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateFormat, s)
}

// VideoRequest is the body of one video query request. Cursor and SearchID
// are continuation tokens from the previous response and must be echoed back
// unchanged. The API treats StartDate as inclusive and EndDate as exclusive.
type VideoRequest struct {
	Query     json.RawMessage `json:"query"`
	StartDate string          `json:"start_date"`
	EndDate   string          `json:"end_date"`
	MaxCount  int             `json:"max_count"`
	Cursor    *int64          `json:"cursor,omitempty"`
	SearchID  string          `json:"search_id,omitempty"`
}

// Video is one video record as returned by the query endpoint.
type Video struct {
	ID               int64    `json:"id"`
	VideoDescription string   `json:"video_description"`
	CreateTime       int64    `json:"create_time"`
	RegionCode       string   `json:"region_code"`
	ShareCount       int64    `json:"share_count"`
	ViewCount        int64    `json:"view_count"`
	LikeCount        int64    `json:"like_count"`
	CommentCount     int64    `json:"comment_count"`
	MusicID          int64    `json:"music_id"`
	HashtagNames     []string `json:"hashtag_names"`
	Username         string   `json:"username"`
	EffectIDs        []string `json:"effect_ids"`
	VoiceToText      string   `json:"voice_to_text"`
	PlaylistID       int64    `json:"playlist_id"`
}

// VideoResponse is the parsed data section of one video query response page.
type VideoResponse struct {
	Videos   []Video `json:"videos"`
	Cursor   int64   `json:"cursor"`
	HasMore  bool    `json:"has_more"`
	SearchID string  `json:"search_id"`
}

// UserInfoRequest is the body of one user info request.
type UserInfoRequest struct {
	Username string `json:"username"`
}

// UserInfo is one creator profile. Username is not returned by the API; the
// client fills it in from the request.
type UserInfo struct {
	Username       string `json:"username"`
	DisplayName    string `json:"display_name"`
	BioDescription string `json:"bio_description"`
	AvatarURL      string `json:"avatar_url"`
	IsVerified     bool   `json:"is_verified"`
	FollowerCount  int64  `json:"follower_count"`
	FollowingCount int64  `json:"following_count"`
	LikesCount     int64  `json:"likes_count"`
	VideoCount     int64  `json:"video_count"`
}

// CommentsRequest is the body of one comment list request.
type CommentsRequest struct {
	VideoID  int64  `json:"video_id"`
	MaxCount int    `json:"max_count"`
	Cursor   *int64 `json:"cursor,omitempty"`
}

// Comment is one comment record.
type Comment struct {
	ID              int64  `json:"id"`
	VideoID         int64  `json:"video_id"`
	ParentCommentID int64  `json:"parent_comment_id"`
	Text            string `json:"text"`
	LikeCount       int64  `json:"like_count"`
	ReplyCount      int64  `json:"reply_count"`
	CreateTime      int64  `json:"create_time"`
}

// CommentsResponse is the parsed data section of one comment list page.
type CommentsResponse struct {
	Comments []Comment `json:"comments"`
	Cursor   int64     `json:"cursor"`
	HasMore  bool      `json:"has_more"`
}

// envelope is the common response wrapper every endpoint returns.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error responseError   `json:"error"`
}

// responseError is the API's ErrorStructV2 section.
type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	LogID   string `json:"log_id"`
}

func (e responseError) ok() bool {
	return e.Code == "ok"
}
