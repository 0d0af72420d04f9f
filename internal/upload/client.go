package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/types"
)

// Wire headers of the resumable protocol.
const (
	HeaderUploadOffset = "Upload-Offset"
	HeaderUploadLength = "Upload-Length"
	OffsetContentType  = "application/offset+octet-stream"
)

const sessionBucket = "upload_sessions"

// ClientConfig tunes the chunked uploader.
type ClientConfig struct {
	ChunkSize    int64
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// DefaultClientConfig is 5 MiB chunks with 3 attempts each, 1s→10s backoff.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ChunkSize:    5 << 20,
		MaxAttempts:  3,
		RetryInitial: time.Second,
		RetryMax:     10 * time.Second,
	}
}

// Client drives a resumable upload against the gateway, remembering
// in-progress sessions in a local bucket so a restart can resume instead of
// starting over.
type Client struct {
	endpoint string
	cfg      ClientConfig
	http     *http.Client
	store    store.Store
	logger   *zap.Logger
}

// NewClient builds an uploader for POST endpoint (the /api/tus URL).
func NewClient(endpoint string, cfg ClientConfig, s store.Store, logger *zap.Logger) *Client {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 5 << 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: endpoint,
		cfg:      cfg,
		http:     &http.Client{},
		store:    s,
		logger:   logger,
	}
}

// sessionKey buckets by content type and size so a restarted upload of the
// same payload finds its session.
func sessionKey(contentType string, size int64) string {
	return fmt.Sprintf("%s:%d", contentType, size)
}

// Upload sends data, resuming an in-progress session when one exists. It
// returns the session URL of the completed upload.
func (c *Client) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	size := int64(len(data))
	key := sessionKey(contentType, size)

	url, offset, err := c.resume(ctx, key)
	if err != nil || url == "" {
		url, err = c.create(ctx, size, contentType)
		if err != nil {
			return "", err
		}
		offset = 0
		c.remember(key, url, size, 0)
	}

	for offset < size {
		end := offset + c.cfg.ChunkSize
		if end > size {
			end = size
		}
		newOffset, err := c.patchChunk(ctx, url, offset, data[offset:end])
		if err != nil {
			return "", err
		}
		offset = newOffset
		c.remember(key, url, size, offset)
	}

	c.forget(key)
	return url, nil
}

// resume looks up the local bucket, then asks the server where it stands.
// The server's HEAD offset is authoritative; the stored bytesSent value is
// advisory only.
func (c *Client) resume(ctx context.Context, key string) (string, int64, error) {
	if c.store == nil {
		return "", 0, nil
	}
	doc, err := c.store.Get(sessionBucket, key)
	if err != nil || doc == nil {
		return "", 0, nil
	}
	url, _ := doc["url"].(string)
	if url == "" {
		return "", 0, nil
	}

	offset, err := c.head(ctx, url)
	if err != nil {
		c.forget(key)
		return "", 0, nil
	}
	c.logger.Debug("resuming upload", zap.String("url", url), zap.Int64("offset", offset))
	return url, offset, nil
}

func (c *Client) create(ctx context.Context, size int64, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(HeaderUploadLength, strconv.FormatInt(size, 10))
	req.Header.Set("Upload-Metadata", "contentType "+contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &types.NetworkError{Op: "upload create", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", &types.ProtocolError{Reason: fmt.Sprintf("upload create returned %d", resp.StatusCode)}
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", &types.ProtocolError{Reason: "upload create returned no Location"}
	}
	// relative Location resolves against the create endpoint
	ref, err := neturl.Parse(loc)
	if err != nil {
		return "", &types.ProtocolError{Reason: "upload create returned a bad Location"}
	}
	return req.URL.ResolveReference(ref).String(), nil
}

func (c *Client) head(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &types.NetworkError{Op: "upload head", Cause: err}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &types.ProtocolError{Reason: fmt.Sprintf("upload head returned %d", resp.StatusCode)}
	}
	return strconv.ParseInt(resp.Header.Get(HeaderUploadOffset), 10, 64)
}

// patchChunk sends one chunk with per-chunk retry. On an offset conflict the
// server's offset wins and the chunk is re-cut by the caller.
func (c *Client) patchChunk(ctx context.Context, url string, offset int64, chunk []byte) (int64, error) {
	backoff := c.cfg.RetryInitial
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.RetryMax {
				backoff = c.cfg.RetryMax
			}
		}

		newOffset, err := c.patchOnce(ctx, url, offset, chunk)
		if err == nil {
			return newOffset, nil
		}
		lastErr = err

		// on conflict, re-probe and let the server's offset stand
		if isConflict(err) {
			if serverOffset, herr := c.head(ctx, url); herr == nil {
				return serverOffset, nil
			}
		}
	}
	return 0, lastErr
}

func (c *Client) patchOnce(ctx context.Context, url string, offset int64, chunk []byte) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(chunk))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", OffsetContentType)
	req.Header.Set(HeaderUploadOffset, strconv.FormatInt(offset, 10))
	req.ContentLength = int64(len(chunk))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &types.NetworkError{Op: "upload patch", Cause: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return strconv.ParseInt(resp.Header.Get(HeaderUploadOffset), 10, 64)
	case http.StatusConflict:
		return 0, errConflict
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, &types.ProtocolError{Reason: fmt.Sprintf("upload patch returned %d: %s", resp.StatusCode, body)}
	}
}

var errConflict = fmt.Errorf("upload offset conflict")

func isConflict(err error) bool { return err == errConflict }

func (c *Client) remember(key, url string, size, sent int64) {
	if c.store == nil {
		return
	}
	_, _ = c.store.Insert(sessionBucket, map[string]interface{}{
		"id":        key,
		"url":       url,
		"totalSize": size,
		"bytesSent": sent,
	})
}

func (c *Client) forget(key string) {
	if c.store == nil {
		return
	}
	_ = c.store.Remove(sessionBucket, key)
}
