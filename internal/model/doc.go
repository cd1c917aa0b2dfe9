// Package model defines the records held by the entity cache and the
// raw payloads accepted by the registration pipeline.
//
// Records:
//   - Post: a status update or direct message. Immutable after creation
//     except for the derived id sets (RepostedBy, FavoritedBy, RepliedFrom).
//   - User: a profile, merged last-writer-wins on LastModifiedAt.
//
// Raw payloads (RawPost, URLSpan) are what the network collaborator hands
// to the pipeline before preprocessing and repost unwrapping.
//
// Id 0 is reserved everywhere for "none": a post with ID 0 is invalid and
// InReplyToID/RepostOfID of 0 mean "no parent".
package model
