package jetstream

import "encoding/json"

// AT Protocol collection NSIDs consumed by skywave.
const (
	CollectionPost   = "app.bsky.feed.post"
	CollectionLike   = "app.bsky.feed.like"
	CollectionRepost = "app.bsky.feed.repost"
	CollectionFollow = "app.bsky.graph.follow"
)

// WantedCollections is the set of collection NSIDs requested from Jetstream.
var WantedCollections = []string{
	CollectionPost,
	CollectionLike,
	CollectionRepost,
	CollectionFollow,
}

// RawEvent is the JSON event envelope pushed by Jetstream.
type RawEvent struct {
	DID    string     `json:"did"`
	TimeUS int64      `json:"time_us"`
	Kind   string     `json:"kind"` // "commit", "identity", "account"
	Commit *RawCommit `json:"commit,omitempty"`
}

// RawCommit is the repo operation carried inside a commit envelope.
type RawCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"` // "create", "update", "delete"
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

// postRecord is the parsed content of an app.bsky.feed.post record.
type postRecord struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Langs     []string  `json:"langs"`
	Reply     *replyRef `json:"reply,omitempty"`
	Facets    []facet   `json:"facets,omitempty"`
}

// replyRef contains references to the parent and root of a reply chain.
type replyRef struct {
	Root   strongRef `json:"root"`
	Parent strongRef `json:"parent"`
}

// strongRef is a reference to a specific version of a record.
type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// facet is a rich-text annotation over a byte range of post text.
type facet struct {
	Features []facetFeature `json:"features"`
}

type facetFeature struct {
	Type string `json:"$type"`
	DID  string `json:"did,omitempty"` // set for #mention features
}

// subjectRecord is the parsed content of a like or repost record.
type subjectRecord struct {
	Subject strongRef `json:"subject"`
}

// followRecord is the parsed content of a graph follow record.
type followRecord struct {
	Subject string `json:"subject"` // DID of the followed account
}
