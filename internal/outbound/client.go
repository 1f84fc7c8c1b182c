// Package outbound drains the durable write queue against each
// member's PDS. Records are mirrored with com.atproto.repo
// procedures; sessions are refreshed once per authorization failure.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bluesky-social/indigo/xrpc"

	"github.com/skywave-social/skywave/internal/credstore"
	"github.com/skywave-social/skywave/internal/metrics"
	"github.com/skywave-social/skywave/internal/tracing"
)

// RecordAPI is the surface of the PDS repo endpoints the worker needs.
type RecordAPI interface {
	// CreateRecord writes a record and returns the CID assigned by the PDS.
	CreateRecord(ctx context.Context, sess *credstore.Session, collection, rkey string, record []byte) (cid string, err error)
	// DeleteRecord removes a record. Deleting a record that is already
	// absent is not an error.
	DeleteRecord(ctx context.Context, sess *credstore.Session, collection, rkey string) error
	// RefreshSession exchanges the refresh token for a new token pair.
	RefreshSession(ctx context.Context, sess *credstore.Session) (*credstore.Session, error)
}

// Client implements RecordAPI over XRPC.
type Client struct{}

// NewClient creates a PDS record client.
func NewClient() *Client {
	return &Client{}
}

func xrpcClient(sess *credstore.Session) *xrpc.Client {
	return &xrpc.Client{
		Host: sess.PDSHost,
		Auth: &xrpc.AuthInfo{
			AccessJwt:  sess.AccessToken,
			RefreshJwt: sess.RefreshToken,
			Did:        sess.DID,
		},
	}
}

// IsAuthError reports whether err is an XRPC 401 response.
func IsAuthError(err error) bool {
	var xrpcErr *xrpc.Error
	if errors.As(err, &xrpcErr) {
		return xrpcErr.StatusCode == 401
	}
	return false
}

// isMissingRecord reports whether err indicates the record does not
// exist on the PDS. Only a 404 or an explicit RecordNotFound qualifies;
// other 400s are real request failures and must not pass as deletes.
func isMissingRecord(err error) bool {
	var xrpcErr *xrpc.Error
	if !errors.As(err, &xrpcErr) {
		return false
	}
	if xrpcErr.StatusCode == 404 {
		return true
	}
	var inner *xrpc.XRPCError
	if errors.As(xrpcErr.Wrapped, &inner) {
		return inner.ErrStr == "RecordNotFound"
	}
	return false
}

// CreateRecord writes a record to the member's repository with an
// explicit rkey so the remote URI matches the local one.
func (c *Client) CreateRecord(ctx context.Context, sess *credstore.Session, collection, rkey string, record []byte) (string, error) {
	ctx, span := tracing.PdsSpan(ctx, "com.atproto.repo.createRecord", collection, sess.DID)
	defer span.End()

	var recordValue map[string]interface{}
	if err := json.Unmarshal(record, &recordValue); err != nil {
		tracing.EndWithError(span, err)
		return "", fmt.Errorf("decode queued record %s/%s: %w", collection, rkey, err)
	}

	params := map[string]interface{}{
		"repo":       sess.DID,
		"collection": collection,
		"rkey":       rkey,
		"record":     recordValue,
	}

	var result struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}

	err := xrpcClient(sess).Do(ctx, xrpc.Procedure, "", "com.atproto.repo.createRecord", nil, params, &result)
	if err != nil {
		tracing.EndWithError(span, err)
		return "", fmt.Errorf("create record %s/%s: %w", collection, rkey, err)
	}

	return result.CID, nil
}

// DeleteRecord removes a record from the member's repository. A
// missing record counts as success so deletes are idempotent.
func (c *Client) DeleteRecord(ctx context.Context, sess *credstore.Session, collection, rkey string) error {
	ctx, span := tracing.PdsSpan(ctx, "com.atproto.repo.deleteRecord", collection, sess.DID)
	defer span.End()

	params := map[string]interface{}{
		"repo":       sess.DID,
		"collection": collection,
		"rkey":       rkey,
	}

	err := xrpcClient(sess).Do(ctx, xrpc.Procedure, "", "com.atproto.repo.deleteRecord", nil, params, nil)
	if err != nil {
		if isMissingRecord(err) {
			return nil
		}
		tracing.EndWithError(span, err)
		return fmt.Errorf("delete record %s/%s: %w", collection, rkey, err)
	}

	return nil
}

// RefreshSession exchanges the stored refresh token for a fresh token
// pair. The refresh token acts as the bearer credential for this call.
func (c *Client) RefreshSession(ctx context.Context, sess *credstore.Session) (*credstore.Session, error) {
	ctx, span := tracing.PdsSpan(ctx, "com.atproto.server.refreshSession", "", sess.DID)
	defer span.End()

	client := &xrpc.Client{
		Host: sess.PDSHost,
		Auth: &xrpc.AuthInfo{
			AccessJwt:  sess.RefreshToken,
			RefreshJwt: sess.RefreshToken,
			Did:        sess.DID,
		},
	}

	var result struct {
		AccessJwt  string `json:"accessJwt"`
		RefreshJwt string `json:"refreshJwt"`
		Did        string `json:"did"`
	}

	err := client.Do(ctx, xrpc.Procedure, "", "com.atproto.server.refreshSession", nil, nil, &result)
	if err != nil {
		metrics.SessionRefreshTotal.WithLabelValues("error").Inc()
		tracing.EndWithError(span, err)
		return nil, fmt.Errorf("refresh session for %s: %w", sess.DID, err)
	}

	metrics.SessionRefreshTotal.WithLabelValues("ok").Inc()
	return &credstore.Session{
		DID:          sess.DID,
		PDSHost:      sess.PDSHost,
		AccessToken:  result.AccessJwt,
		RefreshToken: result.RefreshJwt,
	}, nil
}
