package model

import (
	"slices"
	"time"
)

// Post is a post record ("tweet") or direct message.
type Post struct {
	ID              uint64    `json:"id"`
	Text            string    `json:"text"`
	AuthorID        uint64    `json:"author_id"`
	CreatedAt       time.Time `json:"created_at"`
	IsDirectMessage bool      `json:"is_direct_message,omitempty"`
	RecipientID     uint64    `json:"recipient_id,omitempty"`
	InReplyToID     uint64    `json:"in_reply_to_id,omitempty"`
	InReplyToUserID uint64    `json:"in_reply_to_user_id,omitempty"`
	RepostOfID      uint64    `json:"repost_of_id,omitempty"`

	// Derived sets, kept sorted. Owned by the cache entry; the values on a
	// Post are a snapshot taken when the Post was read.
	RepostedBy  []uint64 `json:"reposted_by,omitempty"`
	FavoritedBy []uint64 `json:"favorited_by,omitempty"`
	RepliedFrom []uint64 `json:"replied_from,omitempty"`
}

// IsRepost reports whether the post is a thin pointer to another post.
func (p Post) IsRepost() bool {
	return p.RepostOfID != 0
}

// Validate rejects records missing mandatory fields.
func (p Post) Validate() error {
	if p.ID == 0 {
		return NewCorruptRecordError(p.ID, "post id is zero")
	}
	if p.AuthorID == 0 {
		return NewCorruptRecordError(p.ID, "post has no author id")
	}
	if p.IsDirectMessage && p.RecipientID == 0 {
		return NewCorruptRecordError(p.ID, "direct message has no recipient id")
	}
	return nil
}

// Clone returns a deep copy so callers can hand the record across goroutines.
func (p Post) Clone() Post {
	p.RepostedBy = slices.Clone(p.RepostedBy)
	p.FavoritedBy = slices.Clone(p.FavoritedBy)
	p.RepliedFrom = slices.Clone(p.RepliedFrom)
	return p
}

// URLSpan is a wrapped URL inside post text, addressed by rune offsets
// [Start, End). ExpandedURL replaces the span; URL is the fallback.
type URLSpan struct {
	Start       int    `json:"start"`
	End         int    `json:"end"`
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url"`
}

// RawPost is a post as delivered by the network collaborator.
//
// Author and Recipient are optional embedded profiles; when present they are
// registered with the user cache before the post itself. AuthorID is used
// when Author is nil.
type RawPost struct {
	ID              uint64
	Text            string
	AuthorID        uint64
	Author          *User
	CreatedAt       time.Time
	IsDirectMessage bool
	RecipientID     uint64
	Recipient       *User
	InReplyToID     uint64
	InReplyToUserID uint64
	URLs            []URLSpan
	RepostOf        *RawPost
}

// ResolvedAuthorID prefers the embedded profile's id.
func (r RawPost) ResolvedAuthorID() uint64 {
	if r.Author != nil && r.Author.ID != 0 {
		return r.Author.ID
	}
	return r.AuthorID
}

// ResolvedRecipientID prefers the embedded profile's id.
func (r RawPost) ResolvedRecipientID() uint64 {
	if r.Recipient != nil && r.Recipient.ID != 0 {
		return r.Recipient.ID
	}
	return r.RecipientID
}

// Record converts the raw payload to a Post without the derived sets.
// Text is taken verbatim; URL expansion is the pipeline's job.
func (r RawPost) Record() Post {
	p := Post{
		ID:              r.ID,
		Text:            r.Text,
		AuthorID:        r.ResolvedAuthorID(),
		CreatedAt:       r.CreatedAt,
		IsDirectMessage: r.IsDirectMessage,
		InReplyToID:     r.InReplyToID,
		InReplyToUserID: r.InReplyToUserID,
	}
	if r.IsDirectMessage {
		p.RecipientID = r.ResolvedRecipientID()
	}
	if r.RepostOf != nil {
		p.RepostOfID = r.RepostOf.ID
	}
	return p
}
