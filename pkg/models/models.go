// Package models holds the typed views of remote API payloads that the
// harvester consumes.
package models

import (
	"encoding/json"
	"time"

	errs "instaharvest/pkg/errors"
	"instaharvest/pkg/iterator"
)

// Profile is the subset of a user profile the harvester needs.
type Profile struct {
	ID               string `json:"id"`
	Username         string `json:"username"`
	FullName         string `json:"full_name"`
	IsPrivate        bool   `json:"is_private"`
	FollowedByViewer bool   `json:"followed_by_viewer"`
	MediaCount       int    `json:"-"`
}

// Post is one timeline media node.
type Post struct {
	Typename     string `json:"__typename"`
	ID           string `json:"id"`
	Shortcode    string `json:"shortcode"`
	DisplayURL   string `json:"display_url"`
	IsVideo      bool   `json:"is_video"`
	TakenAt      int64  `json:"taken_at_timestamp"`
	LikeCount    count  `json:"edge_media_preview_like"`
	CommentCount count  `json:"edge_media_to_comment"`
	Owner        struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"owner"`
}

type count struct {
	Count int `json:"count"`
}

// Date returns the post's creation instant in UTC.
func (p *Post) Date() time.Time {
	return time.Unix(p.TakenAt, 0).UTC()
}

// Likes returns the like count.
func (p *Post) Likes() int { return p.LikeCount.Count }

// Comments returns the comment count.
func (p *Post) Comments() int { return p.CommentCount.Count }

// timelineEnvelope mirrors the GraphQL response shape around a profile's
// timeline connection.
type timelineEnvelope struct {
	Data struct {
		User *struct {
			Timeline iterator.EdgePage `json:"edge_owner_to_timeline_media"`
		} `json:"user"`
	} `json:"data"`
}

// TimelinePage extracts the timeline edge page from a raw profile query
// response.
func TimelinePage(raw json.RawMessage) (*iterator.EdgePage, error) {
	var env timelineEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.New(errs.ErrorTypeConnection, 0, "could not parse timeline response: %v", err)
	}
	if env.Data.User == nil {
		return nil, errs.New(errs.ErrorTypeNotFound, 0, "timeline response carries no user")
	}
	page := env.Data.User.Timeline
	return &page, nil
}

// WrapPost decodes a raw timeline node into a Post.
func WrapPost(node json.RawMessage) (*Post, error) {
	var post Post
	if err := json.Unmarshal(node, &post); err != nil {
		return nil, errs.New(errs.ErrorTypeConnection, 0, "could not parse post node: %v", err)
	}
	return &post, nil
}

// ProfileFromJSON decodes a profile blob, e.g. the "user" object of a
// web profile info response.
func ProfileFromJSON(raw json.RawMessage) (*Profile, error) {
	var payload struct {
		Profile
		Timeline count `json:"edge_owner_to_timeline_media"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errs.New(errs.ErrorTypeConnection, 0, "could not parse profile: %v", err)
	}
	profile := payload.Profile
	profile.MediaCount = payload.Timeline.Count
	return &profile, nil
}
