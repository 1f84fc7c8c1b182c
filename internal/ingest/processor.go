// Package ingest connects classified firehose events to the content
// index and the notification dispatcher.
package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/skywave-social/skywave/internal/index"
	"github.com/skywave-social/skywave/internal/jetstream"
	"github.com/skywave-social/skywave/internal/push"
)

const notificationBodyLimit = 140

// Admitter gates keyword-adjacent posts into the topic feed.
type Admitter interface {
	Admit(ctx context.Context, text string) bool
}

// Membership answers whether a DID belongs to the community.
type Membership interface {
	Contains(did string) bool
}

// Notifier delivers a push payload to one identity.
type Notifier interface {
	Notify(ctx context.Context, targetDID, actorDID string, payload push.Payload)
}

// Processor applies classified events to the index and routes
// notifications. It runs on the consumer's single dispatch goroutine,
// so index writes arrive in stream order.
type Processor struct {
	store    *index.Store
	members  Membership
	notifier Notifier
	sieve    Admitter // nil disables the topic admission gate

	// topicRe matches a configured keyword on word boundaries;
	// adjacentRe matches the keyword anywhere. A post matching only
	// the latter is ambiguous and goes through the sieve.
	topicRe    *regexp.Regexp
	adjacentRe *regexp.Regexp
}

// NewProcessor builds an ingest processor. keywords may be empty, in
// which case no post qualifies for the topic feed.
func NewProcessor(store *index.Store, members Membership, notifier Notifier, sieve Admitter, keywords []string) *Processor {
	p := &Processor{
		store:    store,
		members:  members,
		notifier: notifier,
		sieve:    sieve,
	}
	if len(keywords) > 0 {
		quoted := make([]string, len(keywords))
		for i, kw := range keywords {
			quoted[i] = regexp.QuoteMeta(strings.ToLower(strings.TrimSpace(kw)))
		}
		alternation := strings.Join(quoted, "|")
		p.topicRe = regexp.MustCompile(`(?i)\b(` + alternation + `)\b`)
		p.adjacentRe = regexp.MustCompile(`(?i)(` + alternation + `)`)
	}
	return p
}

// HandleEvent applies one classified event. Errors are logged, not
// returned upward; a single bad event must not stall the stream.
func (p *Processor) HandleEvent(ctx context.Context, ev jetstream.Event) {
	switch e := ev.(type) {
	case jetstream.PostCreate:
		p.handlePostCreate(ctx, e)
	case jetstream.PostDelete:
		p.handlePostDelete(e)
	case jetstream.LikeCreate:
		p.handleEngagement(ctx, e.AuthorDID, e.SubjectURI, index.CountDelta{Likes: 1}, push.KindLike, "liked your post")
	case jetstream.RepostCreate:
		p.handleEngagement(ctx, e.AuthorDID, e.SubjectURI, index.CountDelta{Reposts: 1}, push.KindRepost, "reposted your post")
	case jetstream.FollowCreate:
		p.notifier.Notify(ctx, e.SubjectDID, e.AuthorDID, push.Payload{
			Kind:  push.KindFollow,
			Title: "New follower",
			Body:  fmt.Sprintf("%s followed you", e.AuthorDID),
			Tag:   "follow:" + e.AuthorDID,
		})
	}
}

func (p *Processor) handlePostCreate(ctx context.Context, ev jetstream.PostCreate) {
	classes := p.feedClasses(ctx, ev)

	if len(classes) > 0 {
		post := &index.Post{
			URI:            ev.URI,
			CID:            ev.CID,
			AuthorDID:      ev.AuthorDID,
			Text:           ev.Text,
			CreatedAt:      ev.CreatedAt,
			ReplyParentURI: ev.ReplyParentURI,
			FeedClasses:    classes,
		}
		if err := p.store.UpsertPost(post); err != nil {
			log.Error().Err(err).Str("uri", ev.URI).Msg("failed to index post")
		}
	}

	if ev.ReplyParentURI != "" {
		if err := p.store.BumpCounts(ev.ReplyParentURI, index.CountDelta{Replies: 1}); err != nil {
			log.Error().Err(err).Str("uri", ev.ReplyParentURI).Msg("failed to bump reply count")
		}
		p.notifier.Notify(ctx, ev.ReplyParentDID, ev.AuthorDID, push.Payload{
			Kind:  push.KindReply,
			Title: "New reply",
			Body:  truncate(ev.Text, notificationBodyLimit),
			URL:   ev.URI,
			Tag:   "reply:" + ev.URI,
		})
	}

	for _, did := range ev.MentionDIDs {
		p.notifier.Notify(ctx, did, ev.AuthorDID, push.Payload{
			Kind:  push.KindMention,
			Title: "You were mentioned",
			Body:  truncate(ev.Text, notificationBodyLimit),
			URL:   ev.URI,
			Tag:   "mention:" + ev.URI,
		})
	}
}

// feedClasses decides which logical feeds a post belongs to. Member
// posts are always indexed. Posts whose text matches a topic keyword
// on a word boundary join the topic feed directly; posts where the
// keyword only appears embedded in a longer word are ambiguous and
// admitted only if the sieve approves.
func (p *Processor) feedClasses(ctx context.Context, ev jetstream.PostCreate) []index.FeedClass {
	var classes []index.FeedClass
	if p.members.Contains(ev.AuthorDID) {
		classes = append(classes, index.FeedMember)
	}

	if p.topicRe == nil {
		return classes
	}
	switch {
	case p.topicRe.MatchString(ev.Text):
		classes = append(classes, index.FeedTopic)
	case p.adjacentRe.MatchString(ev.Text):
		if p.sieve != nil && p.sieve.Admit(ctx, ev.Text) {
			classes = append(classes, index.FeedTopic)
		}
	}
	return classes
}

func (p *Processor) handlePostDelete(ev jetstream.PostDelete) {
	// The reply parent is only known from the indexed row, so look it
	// up before the delete to undo the reply-count bump.
	post, err := p.store.GetPost(ev.URI)
	if err != nil {
		log.Error().Err(err).Str("uri", ev.URI).Msg("failed to load post for delete")
		return
	}

	if err := p.store.DeletePost(ev.URI); err != nil {
		log.Error().Err(err).Str("uri", ev.URI).Msg("failed to delete post")
		return
	}

	if post != nil && post.ReplyParentURI != "" {
		if err := p.store.BumpCounts(post.ReplyParentURI, index.CountDelta{Replies: -1}); err != nil {
			log.Error().Err(err).Str("uri", post.ReplyParentURI).Msg("failed to decrement reply count")
		}
	}
}

func (p *Processor) handleEngagement(ctx context.Context, actorDID, subjectURI string, delta index.CountDelta, kind, verb string) {
	if err := p.store.BumpCounts(subjectURI, delta); err != nil {
		log.Error().Err(err).Str("uri", subjectURI).Msg("failed to bump engagement count")
	}

	target := jetstream.OwnerDID(subjectURI)
	p.notifier.Notify(ctx, target, actorDID, push.Payload{
		Kind:  kind,
		Title: "New activity",
		Body:  fmt.Sprintf("%s %s", actorDID, verb),
		URL:   subjectURI,
		Tag:   kind + ":" + subjectURI,
	})
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
