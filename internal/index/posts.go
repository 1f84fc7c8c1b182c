package index

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// FeedClass identifies a logical feed a post belongs to.
type FeedClass string

const (
	// FeedMember contains posts authored by registered members.
	FeedMember FeedClass = "member"
	// FeedTopic contains public posts admitted by keyword match.
	FeedTopic FeedClass = "topic"
)

// Post is the denormalized projection of one external post record.
type Post struct {
	URI            string
	CID            string
	AuthorDID      string
	Text           string
	CreatedAt      time.Time
	IndexedAt      int64 // unix microseconds, monotonic per process
	ReplyParentURI string
	LikeCount      int
	RepostCount    int
	ReplyCount     int
	FeedClasses    []FeedClass
}

// ErrInvalidCursor is returned when a feed page cursor is not a value
// this store could have handed out.
var ErrInvalidCursor = errors.New("invalid cursor")

// CountDelta adjusts the last-known engagement counts of a post.
type CountDelta struct {
	Likes   int
	Reposts int
	Replies int
}

// UpsertPost inserts or replaces a post keyed by URI. Re-insertion with
// the same URI overwrites rather than duplicates; a fresh indexedAt is
// assigned on every call.
func (s *Store) UpsertPost(post *Post) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	post.IndexedAt = s.nextIndexedAt()

	var member, topic int
	for _, fc := range post.FeedClasses {
		switch fc {
		case FeedMember:
			member = 1
		case FeedTopic:
			topic = 1
		}
	}

	var parent any
	if post.ReplyParentURI != "" {
		parent = post.ReplyParentURI
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO posts
			(uri, cid, author_did, text, created_at, indexed_at, reply_parent_uri,
			 like_count, repost_count, reply_count, member_feed, topic_feed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, post.URI, post.CID, post.AuthorDID, post.Text,
		post.CreatedAt.UTC().Format(time.RFC3339Nano), post.IndexedAt, parent,
		post.LikeCount, post.RepostCount, post.ReplyCount, member, topic)
	if err != nil {
		return fmt.Errorf("upsert post %s: %w", post.URI, err)
	}
	return nil
}

// DeletePost removes a post by URI. No-op if absent.
func (s *Store) DeletePost(uri string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`DELETE FROM posts WHERE uri = ?`, uri)
	if err != nil {
		return fmt.Errorf("delete post %s: %w", uri, err)
	}
	return nil
}

// SetPostCID records the content hash the network assigned to a post.
// Used when an outbound create returns a CID for a locally originated
// record. No-op if the URI is not indexed.
func (s *Store) SetPostCID(uri, cid string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`UPDATE posts SET cid = ? WHERE uri = ?`, cid, uri)
	if err != nil {
		return fmt.Errorf("set post cid %s: %w", uri, err)
	}
	return nil
}

// BumpCounts adjusts the engagement counts on the post with the given
// URI. No-op if the target is not indexed (the engagement targets
// content outside the local index). Counts never go below zero.
func (s *Store) BumpCounts(uri string, delta CountDelta) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		UPDATE posts SET
			like_count   = MAX(0, like_count + ?),
			repost_count = MAX(0, repost_count + ?),
			reply_count  = MAX(0, reply_count + ?)
		WHERE uri = ?
	`, delta.Likes, delta.Reposts, delta.Replies, uri)
	if err != nil {
		return fmt.Errorf("bump counts %s: %w", uri, err)
	}
	return nil
}

// GetPost retrieves a single post by URI. Returns (nil, nil) if absent;
// expected absence is not an error.
func (s *Store) GetPost(uri string) (*Post, error) {
	row := s.db.QueryRow(`
		SELECT uri, cid, author_did, text, created_at, indexed_at,
		       COALESCE(reply_parent_uri, ''), like_count, repost_count, reply_count,
		       member_feed, topic_feed
		FROM posts WHERE uri = ?
	`, uri)

	var p Post
	var createdAt string
	var member, topic int
	err := row.Scan(&p.URI, &p.CID, &p.AuthorDID, &p.Text, &createdAt, &p.IndexedAt,
		&p.ReplyParentURI, &p.LikeCount, &p.RepostCount, &p.ReplyCount, &member, &topic)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get post %s: %w", uri, err)
	}

	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if member == 1 {
		p.FeedClasses = append(p.FeedClasses, FeedMember)
	}
	if topic == 1 {
		p.FeedClasses = append(p.FeedClasses, FeedTopic)
	}
	return &p, nil
}

// PageByFeedClass returns up to limit post URIs in the given feed
// class, ordered by descending indexedAt. cursor is the opaque token
// from a previous page ("" for the first page); the returned nextCursor
// is "" when the feed is exhausted, otherwise the indexedAt of the last
// returned row, used as an exclusive upper bound on the next call.
func (s *Store) PageByFeedClass(class FeedClass, limit int, cursor string) (uris []string, nextCursor string, err error) {
	if limit <= 0 {
		limit = 50
	}

	var column string
	switch class {
	case FeedMember:
		column = "member_feed"
	case FeedTopic:
		column = "topic_feed"
	default:
		return nil, "", fmt.Errorf("unknown feed class: %s", class)
	}

	var before int64
	if cursor != "" {
		before, err = strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
		}
	}

	query := `SELECT uri, indexed_at FROM posts WHERE ` + column + ` = 1`
	args := []any{}
	if before > 0 {
		query += ` AND indexed_at < ?`
		args = append(args, before)
	}
	query += ` ORDER BY indexed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("page feed %s: %w", class, err)
	}
	defer rows.Close()

	var lastIndexedAt int64
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri, &lastIndexedAt); err != nil {
			return nil, "", fmt.Errorf("scan feed row: %w", err)
		}
		uris = append(uris, uri)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate feed rows: %w", err)
	}

	if len(uris) == limit {
		nextCursor = strconv.FormatInt(lastIndexedAt, 10)
	}
	return uris, nextCursor, nil
}
