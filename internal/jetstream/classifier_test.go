package jetstream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitEvent(did, collection, operation, rkey string, record string) *RawEvent {
	ev := &RawEvent{
		DID:  did,
		Kind: "commit",
		Commit: &RawCommit{
			Operation:  operation,
			Collection: collection,
			RKey:       rkey,
			CID:        "bafytest",
		},
	}
	if record != "" {
		ev.Commit.Record = json.RawMessage(record)
	}
	return ev
}

func TestClassifyPostCreate(t *testing.T) {
	ev := commitEvent("did:plc:author", CollectionPost, "create", "3kabc",
		`{"$type":"app.bsky.feed.post","text":"gm everyone","createdAt":"2025-06-01T12:00:00Z","langs":["en"]}`)

	out := Classify(ev)
	pc, ok := out.(PostCreate)
	require.True(t, ok, "expected PostCreate, got %T", out)

	assert.Equal(t, "at://did:plc:author/app.bsky.feed.post/3kabc", pc.URI)
	assert.Equal(t, "did:plc:author", pc.AuthorDID)
	assert.Equal(t, "gm everyone", pc.Text)
	assert.Equal(t, "bafytest", pc.CID)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), pc.CreatedAt)
	assert.Empty(t, pc.ReplyParentURI)
	assert.Empty(t, pc.MentionDIDs)
}

func TestClassifyReplyExtractsParentOwner(t *testing.T) {
	ev := commitEvent("did:plc:author", CollectionPost, "create", "3kdef",
		`{"text":"agreed","createdAt":"2025-06-01T12:00:00Z",
		  "reply":{"root":{"uri":"at://did:plc:op/app.bsky.feed.post/1","cid":"c1"},
		           "parent":{"uri":"at://did:plc:parent/app.bsky.feed.post/2","cid":"c2"}}}`)

	pc, ok := Classify(ev).(PostCreate)
	require.True(t, ok)
	assert.Equal(t, "at://did:plc:parent/app.bsky.feed.post/2", pc.ReplyParentURI)
	assert.Equal(t, "did:plc:parent", pc.ReplyParentDID)
}

func TestClassifyMentions(t *testing.T) {
	ev := commitEvent("did:plc:author", CollectionPost, "create", "3kghi",
		`{"text":"hey @alice @bob","createdAt":"2025-06-01T12:00:00Z",
		  "facets":[
		    {"features":[{"$type":"app.bsky.richtext.facet#mention","did":"did:plc:alice"}]},
		    {"features":[{"$type":"app.bsky.richtext.facet#link","uri":"https://example.com"}]},
		    {"features":[{"$type":"app.bsky.richtext.facet#mention","did":"did:plc:bob"}]}
		  ]}`)

	pc, ok := Classify(ev).(PostCreate)
	require.True(t, ok)
	assert.Equal(t, []string{"did:plc:alice", "did:plc:bob"}, pc.MentionDIDs)
}

func TestClassifyPostDelete(t *testing.T) {
	ev := commitEvent("did:plc:author", CollectionPost, "delete", "3kabc", "")

	pd, ok := Classify(ev).(PostDelete)
	require.True(t, ok)
	assert.Equal(t, "at://did:plc:author/app.bsky.feed.post/3kabc", pd.URI)
	assert.Equal(t, "did:plc:author", pd.AuthorDID)
}

func TestClassifyEngagement(t *testing.T) {
	t.Run("like", func(t *testing.T) {
		ev := commitEvent("did:plc:fan", CollectionLike, "create", "3klike",
			`{"subject":{"uri":"at://did:plc:author/app.bsky.feed.post/3kabc","cid":"c"}}`)

		lc, ok := Classify(ev).(LikeCreate)
		require.True(t, ok)
		assert.Equal(t, "did:plc:fan", lc.AuthorDID)
		assert.Equal(t, "at://did:plc:author/app.bsky.feed.post/3kabc", lc.SubjectURI)
	})

	t.Run("repost", func(t *testing.T) {
		ev := commitEvent("did:plc:fan", CollectionRepost, "create", "3krep",
			`{"subject":{"uri":"at://did:plc:author/app.bsky.feed.post/3kabc","cid":"c"}}`)

		rc, ok := Classify(ev).(RepostCreate)
		require.True(t, ok)
		assert.Equal(t, "at://did:plc:author/app.bsky.feed.post/3kabc", rc.SubjectURI)
	})

	t.Run("follow", func(t *testing.T) {
		ev := commitEvent("did:plc:fan", CollectionFollow, "create", "3kfol",
			`{"subject":"did:plc:author"}`)

		fc, ok := Classify(ev).(FollowCreate)
		require.True(t, ok)
		assert.Equal(t, "did:plc:author", fc.SubjectDID)
	})
}

func TestClassifyIgnored(t *testing.T) {
	cases := map[string]*RawEvent{
		"nil event":          nil,
		"identity kind":      {DID: "did:plc:x", Kind: "identity"},
		"commit without did": commitEvent("", CollectionPost, "create", "rk", `{"text":"x","createdAt":"2025-06-01T12:00:00Z"}`),
		"unknown collection": commitEvent("did:plc:x", "app.bsky.actor.profile", "create", "self", `{}`),
		"post update":        commitEvent("did:plc:x", CollectionPost, "update", "rk", `{"text":"x","createdAt":"2025-06-01T12:00:00Z"}`),
		"like delete":        commitEvent("did:plc:x", CollectionLike, "delete", "rk", ""),
		"post without rkey":  commitEvent("did:plc:x", CollectionPost, "create", "", `{"text":"x","createdAt":"2025-06-01T12:00:00Z"}`),
		"post without record": commitEvent("did:plc:x", CollectionPost, "create", "rk", ""),
		"malformed json":      commitEvent("did:plc:x", CollectionPost, "create", "rk", `{"text":`),
		"like without subject": commitEvent("did:plc:x", CollectionLike, "create", "rk", `{}`),
		"follow bad subject":   commitEvent("did:plc:x", CollectionFollow, "create", "rk", `{"subject":"not-a-did"}`),
	}

	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, Classify(ev))
		})
	}
}

func TestClassifyBadTimestampFallsBack(t *testing.T) {
	ev := commitEvent("did:plc:author", CollectionPost, "create", "3kts",
		`{"text":"no clock","createdAt":"yesterday-ish"}`)

	pc, ok := Classify(ev).(PostCreate)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().UTC(), pc.CreatedAt, time.Minute)
}

func TestOwnerDID(t *testing.T) {
	assert.Equal(t, "did:plc:abc", OwnerDID("at://did:plc:abc/app.bsky.feed.post/1"))
	assert.Equal(t, "did:web:example.com", OwnerDID("at://did:web:example.com/app.bsky.feed.post/1"))
	assert.Empty(t, OwnerDID("https://example.com/post/1"))
	assert.Empty(t, OwnerDID("at://not-a-did/x/y"))
}
