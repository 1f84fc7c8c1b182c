package jetstream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is a classified firehose event. The concrete types below form a
// closed set so downstream consumers never re-inspect raw JSON shapes.
// A nil Event means the input was ignored (unknown combination or
// malformed payload); classification never fails.
type Event interface {
	isEvent()
}

// PostCreate is a newly created post.
type PostCreate struct {
	URI       string
	CID       string
	AuthorDID string
	RKey      string
	Text      string
	Langs     []string
	CreatedAt time.Time

	// ReplyParentURI and ReplyParentDID are set when the post is a
	// reply. The DID is the parent's owning identity, used for
	// notification routing.
	ReplyParentURI string
	ReplyParentDID string

	// MentionDIDs holds every identity mentioned via rich-text facets,
	// each a separate notification routing target.
	MentionDIDs []string
}

// PostDelete is a deleted post.
type PostDelete struct {
	URI       string
	AuthorDID string
}

// LikeCreate is a new like on some subject record.
type LikeCreate struct {
	AuthorDID  string
	SubjectURI string
}

// RepostCreate is a new repost of some subject record.
type RepostCreate struct {
	AuthorDID  string
	SubjectURI string
}

// FollowCreate is a new follow of some account.
type FollowCreate struct {
	AuthorDID  string
	SubjectDID string
}

func (PostCreate) isEvent()   {}
func (PostDelete) isEvent()   {}
func (LikeCreate) isEvent()   {}
func (RepostCreate) isEvent() {}
func (FollowCreate) isEvent() {}

const mentionFeatureType = "app.bsky.richtext.facet#mention"

// Classify maps a raw envelope to exactly one classified event, or nil
// if the (collection, operation) pair is not handled or the payload is
// missing required fields. It is total over all inputs.
func Classify(ev *RawEvent) Event {
	if ev == nil || ev.Kind != "commit" || ev.Commit == nil || ev.DID == "" {
		return nil
	}
	commit := ev.Commit
	uri := BuildATURI(ev.DID, commit.Collection, commit.RKey)

	switch {
	case commit.Collection == CollectionPost && commit.Operation == "create":
		return classifyPostCreate(ev, uri)

	case commit.Collection == CollectionPost && commit.Operation == "delete":
		if commit.RKey == "" {
			return nil
		}
		return PostDelete{URI: uri, AuthorDID: ev.DID}

	case commit.Collection == CollectionLike && commit.Operation == "create":
		var rec subjectRecord
		if commit.Record == nil || json.Unmarshal(commit.Record, &rec) != nil || rec.Subject.URI == "" {
			return nil
		}
		return LikeCreate{AuthorDID: ev.DID, SubjectURI: rec.Subject.URI}

	case commit.Collection == CollectionRepost && commit.Operation == "create":
		var rec subjectRecord
		if commit.Record == nil || json.Unmarshal(commit.Record, &rec) != nil || rec.Subject.URI == "" {
			return nil
		}
		return RepostCreate{AuthorDID: ev.DID, SubjectURI: rec.Subject.URI}

	case commit.Collection == CollectionFollow && commit.Operation == "create":
		var rec followRecord
		if commit.Record == nil || json.Unmarshal(commit.Record, &rec) != nil || !strings.HasPrefix(rec.Subject, "did:") {
			return nil
		}
		return FollowCreate{AuthorDID: ev.DID, SubjectDID: rec.Subject}
	}

	return nil
}

func classifyPostCreate(ev *RawEvent, uri string) Event {
	commit := ev.Commit
	if commit.Record == nil || commit.RKey == "" {
		return nil
	}

	var rec postRecord
	if err := json.Unmarshal(commit.Record, &rec); err != nil {
		return nil
	}

	createdAt, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		createdAt = time.Now().UTC()
	}

	out := PostCreate{
		URI:       uri,
		CID:       commit.CID,
		AuthorDID: ev.DID,
		RKey:      commit.RKey,
		Text:      rec.Text,
		Langs:     rec.Langs,
		CreatedAt: createdAt,
	}

	if rec.Reply != nil && rec.Reply.Parent.URI != "" {
		out.ReplyParentURI = rec.Reply.Parent.URI
		out.ReplyParentDID = OwnerDID(rec.Reply.Parent.URI)
	}

	for _, f := range rec.Facets {
		for _, feat := range f.Features {
			if feat.Type == mentionFeatureType && feat.DID != "" {
				out.MentionDIDs = append(out.MentionDIDs, feat.DID)
			}
		}
	}

	return out
}

// BuildATURI assembles the globally unique address of one record.
func BuildATURI(did, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}

// OwnerDID extracts the owning identity from an AT-URI
// (at://did:plc:xxx/collection/rkey). Returns "" on malformed input.
func OwnerDID(atURI string) string {
	if !strings.HasPrefix(atURI, "at://") {
		return ""
	}
	rest := atURI[5:]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "did:") {
		return ""
	}
	return parts[0]
}
