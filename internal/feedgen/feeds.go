package feedgen

import (
	"fmt"

	"github.com/skywave-social/skywave/internal/index"
)

// Feed describes one published feed and the index class backing it.
type Feed struct {
	RKey        string
	Class       index.FeedClass
	DisplayName string
	Description string
}

// publishedFeeds is the closed set of feeds this generator serves.
var publishedFeeds = []Feed{
	{
		RKey:        "member",
		Class:       index.FeedMember,
		DisplayName: "Community",
		Description: "Posts from registered community members",
	},
	{
		RKey:        "topic",
		Class:       index.FeedTopic,
		DisplayName: "On Topic",
		Description: "Public posts matching community topics",
	},
}

// feedURI builds the at-uri under which a feed record is published.
func feedURI(publisherDID, rkey string) string {
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", publisherDID, rkey)
}

// classForFeedURI maps a requested feed identifier to its index class.
// The second return is false for identifiers this generator does not
// publish.
func classForFeedURI(publisherDID, uri string) (index.FeedClass, bool) {
	for _, f := range publishedFeeds {
		if feedURI(publisherDID, f.RKey) == uri {
			return f.Class, true
		}
	}
	return "", false
}
