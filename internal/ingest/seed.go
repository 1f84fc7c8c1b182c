package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/skywave-social/skywave/internal/index"
	"github.com/skywave-social/skywave/internal/jetstream"
)

const (
	plcDirectoryURL = "https://plc.directory"
	seedPageSize    = 100
)

// Seeder backfills a newly registered member's existing posts into the
// index with one public listRecords page. The firehose only carries
// events from subscription time onward, so without this a new member's
// feed starts empty.
type Seeder struct {
	store      *index.Store
	proc       *Processor
	httpClient *http.Client

	pdsCache   map[string]string
	pdsCacheMu sync.RWMutex
}

// NewSeeder creates a member backfill seeder.
func NewSeeder(store *index.Store, proc *Processor) *Seeder {
	return &Seeder{
		store:      store,
		proc:       proc,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pdsCache:   make(map[string]string),
	}
}

// SeedAll backfills every given member that has not been seeded yet.
// Fetches run in parallel; one member failing does not stop the rest.
func (s *Seeder) SeedAll(ctx context.Context, dids []string) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, did := range dids {
		g.Go(func() error {
			if err := s.SeedMember(ctx, did); err != nil {
				log.Warn().Err(err).Str("did", did).Msg("member backfill failed")
			}
			return nil
		})
	}
	g.Wait()
}

// SeedMember fetches and indexes one page of the member's existing
// posts. Already-seeded members are skipped; the marker is only set
// after a successful fetch so failures retry on the next attempt.
func (s *Seeder) SeedMember(ctx context.Context, did string) error {
	if s.store.IsBackfilled(did) {
		return nil
	}

	records, err := s.listPostRecords(ctx, did)
	if err != nil {
		return err
	}

	indexed := 0
	for _, rec := range records {
		raw := &jetstream.RawEvent{
			Kind: "commit",
			DID:  did,
			Commit: &jetstream.RawCommit{
				Collection: jetstream.CollectionPost,
				Operation:  "create",
				RKey:       rkeyFromURI(rec.URI),
				Record:     rec.Value,
				CID:        rec.CID,
			},
		}

		pc, ok := jetstream.Classify(raw).(jetstream.PostCreate)
		if !ok {
			continue
		}

		// Seeding indexes historical content only; notifications are
		// reserved for live events.
		classes := s.proc.feedClasses(ctx, pc)
		if len(classes) == 0 {
			continue
		}
		post := &index.Post{
			URI:            pc.URI,
			CID:            pc.CID,
			AuthorDID:      pc.AuthorDID,
			Text:           pc.Text,
			CreatedAt:      pc.CreatedAt,
			ReplyParentURI: pc.ReplyParentURI,
			FeedClasses:    classes,
		}
		if err := s.store.UpsertPost(post); err != nil {
			return fmt.Errorf("index seeded post %s: %w", pc.URI, err)
		}
		indexed++
	}

	if err := s.store.MarkBackfilled(did); err != nil {
		return fmt.Errorf("mark backfilled: %w", err)
	}

	log.Info().Str("did", did).Int("indexed", indexed).Msg("member backfill complete")
	return nil
}

type seedRecord struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

func (s *Seeder) listPostRecords(ctx context.Context, did string) ([]seedRecord, error) {
	pds, err := s.resolvePDS(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("resolve PDS: %w", err)
	}

	reqURL := fmt.Sprintf("%s/xrpc/com.atproto.repo.listRecords?repo=%s&collection=%s&limit=%d",
		pds, url.QueryEscape(did), url.QueryEscape(jetstream.CollectionPost), seedPageSize)

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list records request failed with status %d", resp.StatusCode)
	}

	var output struct {
		Records []seedRecord `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&output); err != nil {
		return nil, fmt.Errorf("decoding records: %w", err)
	}
	return output.Records, nil
}

// resolvePDS finds the host serving a DID's repository. PLC DIDs go
// through the directory; web DIDs resolve to their own domain.
func (s *Seeder) resolvePDS(ctx context.Context, did string) (string, error) {
	s.pdsCacheMu.RLock()
	if pds, ok := s.pdsCache[did]; ok {
		s.pdsCacheMu.RUnlock()
		return pds, nil
	}
	s.pdsCacheMu.RUnlock()

	var endpoint string

	switch {
	case strings.HasPrefix(did, "did:plc:"):
		reqURL := fmt.Sprintf("%s/%s", plcDirectoryURL, did)
		req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
		if err != nil {
			return "", fmt.Errorf("creating request: %w", err)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetching DID document: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("DID resolution failed with status %d", resp.StatusCode)
		}

		var didDoc struct {
			Service []struct {
				ID              string `json:"id"`
				Type            string `json:"type"`
				ServiceEndpoint string `json:"serviceEndpoint"`
			} `json:"service"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&didDoc); err != nil {
			return "", fmt.Errorf("decoding DID document: %w", err)
		}

		for _, svc := range didDoc.Service {
			if svc.ID == "#atproto_pds" || svc.Type == "AtprotoPersonalDataServer" {
				endpoint = svc.ServiceEndpoint
				break
			}
		}

	case strings.HasPrefix(did, "did:web:"):
		endpoint = "https://" + strings.TrimPrefix(did, "did:web:")
	}

	if endpoint == "" {
		return "", fmt.Errorf("could not resolve PDS endpoint for %s", did)
	}

	s.pdsCacheMu.Lock()
	s.pdsCache[did] = endpoint
	s.pdsCacheMu.Unlock()

	return endpoint, nil
}

func rkeyFromURI(uri string) string {
	idx := strings.LastIndex(uri, "/")
	if idx < 0 {
		return ""
	}
	return uri[idx+1:]
}
