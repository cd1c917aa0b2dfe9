package model

import "time"

// User is a profile record.
//
// LastModifiedAt orders writes: an update whose LastModifiedAt is older
// than the stored value is stale and discarded.
type User struct {
	ID              uint64    `json:"id"`
	ScreenName      string    `json:"screen_name"`
	DisplayName     string    `json:"display_name,omitempty"`
	Bio             string    `json:"bio,omitempty"`
	Location        string    `json:"location,omitempty"`
	Website         string    `json:"website,omitempty"`
	ProfileImageRef string    `json:"profile_image_ref,omitempty"`
	IsProtected     bool      `json:"is_protected,omitempty"`
	IsVerified      bool      `json:"is_verified,omitempty"`
	FollowersCount  int64     `json:"followers_count,omitempty"`
	FollowingCount  int64     `json:"following_count,omitempty"`
	FavoritesCount  int64     `json:"favorites_count,omitempty"`
	ListedCount     int64     `json:"listed_count,omitempty"`
	PostsCount      int64     `json:"posts_count,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastModifiedAt  int64     `json:"last_modified_at"`
}

// Validate rejects profiles without an id.
func (u User) Validate() error {
	if u.ID == 0 {
		return NewCorruptRecordError(0, "user id is zero")
	}
	return nil
}

// Supersedes reports whether u should replace stored. Equal stamps are
// accepted so a re-delivery of the same profile still refreshes the entry.
func (u User) Supersedes(stored User) bool {
	return u.LastModifiedAt >= stored.LastModifiedAt
}
