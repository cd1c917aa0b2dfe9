package network

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/roach88/skein/internal/model"
)

// RecordKind tags one line of a recorded stream.
type RecordKind string

const (
	KindPost       RecordKind = "post"
	KindUser       RecordKind = "user"
	KindDelete     RecordKind = "delete"
	KindFavorite   RecordKind = "favorite"
	KindUnfavorite RecordKind = "unfavorite"
	KindFollow     RecordKind = "follow"
	KindUnfollow   RecordKind = "unfollow"
	KindList       RecordKind = "list"
)

// Record is one decoded stream line. Only the fields for Kind are set.
type Record struct {
	Kind RecordKind
	Line int

	Post *model.RawPost
	User *model.User

	// delete
	ID uint64

	// favorite, unfavorite, follow, unfollow
	SourceID uint64
	TargetID uint64

	// list
	Owner   string
	Slug    string
	Members []uint64
}

// DecodeLine parses one JSON object. The shape mirrors the REST payloads:
// snake_case keys, "user" embedded in posts, "retweeted_status" for
// reposts, and entities.urls for wrapped links.
func DecodeLine(line []byte) (Record, error) {
	if !gjson.ValidBytes(line) {
		return Record{}, fmt.Errorf("invalid json")
	}
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return Record{}, fmt.Errorf("expected json object")
	}

	kind := RecordKind(doc.Get("kind").String())
	rec := Record{Kind: kind}

	switch kind {
	case KindPost:
		p, err := decodePost(doc)
		if err != nil {
			return Record{}, err
		}
		rec.Post = &p
	case KindUser:
		u := decodeUser(doc)
		if u.ID == 0 {
			return Record{}, fmt.Errorf("user without id")
		}
		rec.User = &u
	case KindDelete:
		rec.ID = doc.Get("id").Uint()
		if rec.ID == 0 {
			return Record{}, fmt.Errorf("delete without id")
		}
	case KindFavorite, KindUnfavorite:
		rec.TargetID = doc.Get("post_id").Uint()
		rec.SourceID = doc.Get("user_id").Uint()
		if rec.TargetID == 0 || rec.SourceID == 0 {
			return Record{}, fmt.Errorf("%s needs post_id and user_id", kind)
		}
	case KindFollow, KindUnfollow:
		rec.SourceID = doc.Get("source_id").Uint()
		rec.TargetID = doc.Get("target_id").Uint()
		if rec.TargetID == 0 || rec.SourceID == 0 {
			return Record{}, fmt.Errorf("%s needs source_id and target_id", kind)
		}
	case KindList:
		rec.Owner = doc.Get("owner").String()
		rec.Slug = doc.Get("slug").String()
		for _, m := range doc.Get("members").Array() {
			if id := m.Uint(); id != 0 {
				rec.Members = append(rec.Members, id)
			}
		}
		if rec.Owner == "" || rec.Slug == "" {
			return Record{}, fmt.Errorf("list needs owner and slug")
		}
	case "":
		return Record{}, fmt.Errorf("missing kind")
	default:
		return Record{}, fmt.Errorf("unknown kind %q", kind)
	}
	return rec, nil
}

func decodePost(doc gjson.Result) (model.RawPost, error) {
	p := model.RawPost{
		ID:              doc.Get("id").Uint(),
		Text:            doc.Get("text").String(),
		AuthorID:        doc.Get("user_id").Uint(),
		IsDirectMessage: doc.Get("direct_message").Bool(),
		RecipientID:     doc.Get("recipient_id").Uint(),
		InReplyToID:     doc.Get("in_reply_to_status_id").Uint(),
		InReplyToUserID: doc.Get("in_reply_to_user_id").Uint(),
	}
	if p.ID == 0 {
		return model.RawPost{}, fmt.Errorf("post without id")
	}

	created, err := decodeTime(doc.Get("created_at"))
	if err != nil {
		return model.RawPost{}, fmt.Errorf("post %d: %w", p.ID, err)
	}
	p.CreatedAt = created

	if u := doc.Get("user"); u.IsObject() {
		author := decodeUser(u)
		p.Author = &author
	}
	if r := doc.Get("recipient"); r.IsObject() {
		recipient := decodeUser(r)
		p.Recipient = &recipient
	}

	for _, u := range doc.Get("entities.urls").Array() {
		idx := u.Get("indices").Array()
		if len(idx) != 2 {
			continue
		}
		p.URLs = append(p.URLs, model.URLSpan{
			Start:       int(idx[0].Int()),
			End:         int(idx[1].Int()),
			URL:         u.Get("url").String(),
			ExpandedURL: u.Get("expanded_url").String(),
		})
	}

	if rs := doc.Get("retweeted_status"); rs.IsObject() {
		orig, err := decodePost(rs)
		if err != nil {
			return model.RawPost{}, fmt.Errorf("post %d: retweeted_status: %w", p.ID, err)
		}
		p.RepostOf = &orig
	}
	return p, nil
}

func decodeUser(doc gjson.Result) model.User {
	created, _ := decodeTime(doc.Get("created_at"))
	return model.User{
		ID:              doc.Get("id").Uint(),
		ScreenName:      doc.Get("screen_name").String(),
		DisplayName:     doc.Get("name").String(),
		Bio:             doc.Get("description").String(),
		Location:        doc.Get("location").String(),
		Website:         doc.Get("url").String(),
		ProfileImageRef: doc.Get("profile_image_url").String(),
		IsProtected:     doc.Get("protected").Bool(),
		IsVerified:      doc.Get("verified").Bool(),
		FollowersCount:  doc.Get("followers_count").Int(),
		FollowingCount:  doc.Get("friends_count").Int(),
		FavoritesCount:  doc.Get("favourites_count").Int(),
		ListedCount:     doc.Get("listed_count").Int(),
		PostsCount:      doc.Get("statuses_count").Int(),
		CreatedAt:       created,
		LastModifiedAt:  doc.Get("modified_at").Int(),
	}
}

// decodeTime accepts RFC 3339, the legacy Ruby date format, or unix seconds.
func decodeTime(v gjson.Result) (time.Time, error) {
	switch v.Type {
	case gjson.Null:
		return time.Time{}, nil
	case gjson.Number:
		return time.Unix(v.Int(), 0).UTC(), nil
	}
	s := v.String()
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RubyDate, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

// Decode yields records from a JSON-lines stream. Blank lines and lines
// starting with # are skipped. A malformed line yields an error carrying its
// line number and decoding continues.
func Decode(r io.Reader) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		n := 0
		for sc.Scan() {
			n++
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			rec, err := DecodeLine([]byte(line))
			if err != nil {
				if !yield(Record{Line: n}, fmt.Errorf("line %d: %w", n, err)) {
					return
				}
				continue
			}
			rec.Line = n
			if !yield(rec, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(Record{}, fmt.Errorf("read stream: %w", err))
		}
	}
}
