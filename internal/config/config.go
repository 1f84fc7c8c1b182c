// Package config loads skywave configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the skywave server.
type Config struct {
	// Hostname is the public hostname where this service is reachable
	// (used for the did:web service document).
	Hostname string

	// Port is the HTTP server port.
	Port int

	// PublisherDID is the DID of the account that published the feed
	// generator records.
	PublisherDID string

	// IndexPath is the path to the SQLite content index database.
	IndexPath string

	// CredStorePath is the path to the BoltDB credential store.
	CredStorePath string

	// JetstreamEndpoints is the list of Jetstream WebSocket URLs to
	// connect to, rotated on failure.
	JetstreamEndpoints []string

	// TopicKeywords are the terms matched against post text for the
	// topic feed.
	TopicKeywords []string

	// VAPIDPublicKey and VAPIDPrivateKey are the web-push credential
	// pair. Both are required.
	VAPIDPublicKey  string
	VAPIDPrivateKey string

	// VAPIDSubject is the contact URI sent with push messages.
	VAPIDSubject string

	// AdminKey gates the /push/broadcast endpoint.
	AdminKey string

	// SieveURL is the external content classifier endpoint. Empty
	// disables the admission gate (ambiguous posts are rejected).
	SieveURL string

	// QueueInterval is how often the outbound queue worker runs a pass.
	QueueInterval time.Duration

	// MemberRefreshInterval is how often the member registry reloads
	// from the index store.
	MemberRefreshInterval time.Duration
}

// ServiceDID returns the did:web for this feed generator.
func (c *Config) ServiceDID() string {
	return "did:web:" + c.Hostname
}

// DefaultJetstreamEndpoints are the public Jetstream instances.
var DefaultJetstreamEndpoints = []string{
	"wss://jetstream1.us-east.bsky.network/subscribe",
	"wss://jetstream2.us-east.bsky.network/subscribe",
	"wss://jetstream1.us-west.bsky.network/subscribe",
	"wss://jetstream2.us-west.bsky.network/subscribe",
}

// Load reads configuration from environment variables. Missing required
// credentials are the only fatal startup condition.
func Load() (*Config, error) {
	port := 8080
	if p := os.Getenv("PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
	}

	hostname := os.Getenv("SKYWAVE_HOSTNAME")
	if hostname == "" {
		hostname = "localhost"
	}

	publisherDID := os.Getenv("SKYWAVE_PUBLISHER_DID")
	if publisherDID == "" {
		return nil, fmt.Errorf("SKYWAVE_PUBLISHER_DID is required")
	}

	vapidPub := os.Getenv("SKYWAVE_VAPID_PUBLIC_KEY")
	vapidPriv := os.Getenv("SKYWAVE_VAPID_PRIVATE_KEY")
	if vapidPub == "" || vapidPriv == "" {
		return nil, fmt.Errorf("SKYWAVE_VAPID_PUBLIC_KEY and SKYWAVE_VAPID_PRIVATE_KEY are required")
	}

	vapidSubject := os.Getenv("SKYWAVE_VAPID_SUBJECT")
	if vapidSubject == "" {
		vapidSubject = "mailto:admin@" + hostname
	}

	indexPath := os.Getenv("SKYWAVE_INDEX_PATH")
	if indexPath == "" {
		indexPath = "data/skywave.db"
	}

	credPath := os.Getenv("SKYWAVE_CRED_PATH")
	if credPath == "" {
		credPath = "data/credentials.db"
	}

	endpoints := DefaultJetstreamEndpoints
	if raw := os.Getenv("SKYWAVE_JETSTREAM_ENDPOINTS"); raw != "" {
		endpoints = splitList(raw)
	}

	keywords := splitList(os.Getenv("SKYWAVE_TOPIC_KEYWORDS"))

	queueInterval := 15 * time.Second
	if raw := os.Getenv("SKYWAVE_QUEUE_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid SKYWAVE_QUEUE_INTERVAL: %w", err)
		}
		queueInterval = d
	}

	memberRefresh := time.Minute
	if raw := os.Getenv("SKYWAVE_MEMBER_REFRESH_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid SKYWAVE_MEMBER_REFRESH_INTERVAL: %w", err)
		}
		memberRefresh = d
	}

	return &Config{
		Hostname:              hostname,
		Port:                  port,
		PublisherDID:          publisherDID,
		IndexPath:             indexPath,
		CredStorePath:         credPath,
		JetstreamEndpoints:    endpoints,
		TopicKeywords:         keywords,
		VAPIDPublicKey:        vapidPub,
		VAPIDPrivateKey:       vapidPriv,
		VAPIDSubject:          vapidSubject,
		AdminKey:              os.Getenv("SKYWAVE_ADMIN_KEY"),
		SieveURL:              os.Getenv("SKYWAVE_SIEVE_URL"),
		QueueInterval:         queueInterval,
		MemberRefreshInterval: memberRefresh,
	}, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
