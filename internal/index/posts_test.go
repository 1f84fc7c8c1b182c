package index

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := Open(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testPost(uri string, classes ...FeedClass) *Post {
	return &Post{
		URI:       uri,
		CID:       "bafytest",
		AuthorDID: "did:plc:author",
		Text:      "hello world",
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		FeedClasses: append([]FeedClass{}, classes...),
	}
}

func TestUpsertPost(t *testing.T) {
	store := setupTestStore(t)

	t.Run("insert then replace by uri", func(t *testing.T) {
		post := testPost("at://did:plc:author/app.bsky.feed.post/aaa", FeedMember)
		require.NoError(t, store.UpsertPost(post))

		post.Text = "edited"
		require.NoError(t, store.UpsertPost(post))

		got, err := store.GetPost(post.URI)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "edited", got.Text)
		assert.Equal(t, 1, store.PostCount())
	})

	t.Run("feed classes round trip", func(t *testing.T) {
		post := testPost("at://did:plc:author/app.bsky.feed.post/bbb", FeedMember, FeedTopic)
		require.NoError(t, store.UpsertPost(post))

		got, err := store.GetPost(post.URI)
		require.NoError(t, err)
		assert.ElementsMatch(t, []FeedClass{FeedMember, FeedTopic}, got.FeedClasses)
	})
}

func TestDeletePost(t *testing.T) {
	store := setupTestStore(t)

	post := testPost("at://did:plc:author/app.bsky.feed.post/del", FeedMember)
	require.NoError(t, store.UpsertPost(post))
	require.NoError(t, store.DeletePost(post.URI))

	got, err := store.GetPost(post.URI)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting again, and deleting something never indexed, are no-ops.
	require.NoError(t, store.DeletePost(post.URI))
	require.NoError(t, store.DeletePost("at://did:plc:author/app.bsky.feed.post/never"))
}

func TestBumpCounts(t *testing.T) {
	store := setupTestStore(t)

	post := testPost("at://did:plc:author/app.bsky.feed.post/counts", FeedMember)
	require.NoError(t, store.UpsertPost(post))

	require.NoError(t, store.BumpCounts(post.URI, CountDelta{Likes: 1, Replies: 2}))
	require.NoError(t, store.BumpCounts(post.URI, CountDelta{Likes: 1}))

	got, err := store.GetPost(post.URI)
	require.NoError(t, err)
	assert.Equal(t, 2, got.LikeCount)
	assert.Equal(t, 2, got.ReplyCount)
	assert.Equal(t, 0, got.RepostCount)

	t.Run("never below zero", func(t *testing.T) {
		require.NoError(t, store.BumpCounts(post.URI, CountDelta{Reposts: -5}))
		got, err := store.GetPost(post.URI)
		require.NoError(t, err)
		assert.Equal(t, 0, got.RepostCount)
	})

	t.Run("unknown uri is a no-op", func(t *testing.T) {
		require.NoError(t, store.BumpCounts("at://did:plc:x/app.bsky.feed.post/missing", CountDelta{Likes: 1}))
	})
}

func TestSetPostCID(t *testing.T) {
	store := setupTestStore(t)

	post := testPost("at://did:plc:author/app.bsky.feed.post/cid", FeedMember)
	require.NoError(t, store.UpsertPost(post))
	require.NoError(t, store.SetPostCID(post.URI, "bafyupdated"))

	got, err := store.GetPost(post.URI)
	require.NoError(t, err)
	assert.Equal(t, "bafyupdated", got.CID)
}

func TestPageByFeedClass(t *testing.T) {
	store := setupTestStore(t)

	var uris []string
	for i := 0; i < 25; i++ {
		uri := "at://did:plc:author/app.bsky.feed.post/p" + strconv.Itoa(i)
		require.NoError(t, store.UpsertPost(testPost(uri, FeedMember)))
		uris = append(uris, uri)
	}
	// One topic-only post that must never appear in the member feed.
	require.NoError(t, store.UpsertPost(testPost("at://did:plc:author/app.bsky.feed.post/topic", FeedTopic)))

	t.Run("newest first, no repeats across pages", func(t *testing.T) {
		seen := make(map[string]bool)
		cursor := ""
		var pages int
		for {
			page, next, err := store.PageByFeedClass(FeedMember, 10, cursor)
			require.NoError(t, err)
			for _, uri := range page {
				assert.False(t, seen[uri], "uri %s returned twice", uri)
				seen[uri] = true
			}
			pages++
			if next == "" {
				break
			}
			cursor = next
		}
		assert.Equal(t, 3, pages)
		assert.Len(t, seen, 25)

		// The most recently indexed post comes first.
		first, _, err := store.PageByFeedClass(FeedMember, 1, "")
		require.NoError(t, err)
		require.Len(t, first, 1)
		assert.Equal(t, uris[len(uris)-1], first[0])
	})

	t.Run("short final page ends the feed", func(t *testing.T) {
		page, next, err := store.PageByFeedClass(FeedMember, 30, "")
		require.NoError(t, err)
		assert.Len(t, page, 25)
		assert.Empty(t, next)
	})

	t.Run("class isolation", func(t *testing.T) {
		page, _, err := store.PageByFeedClass(FeedTopic, 10, "")
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "at://did:plc:author/app.bsky.feed.post/topic", page[0])
	})
}
