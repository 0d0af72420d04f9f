// Package codec implements the wire encoding shared by push, pull and the
// arbiter endpoints: MessagePack serialization followed by DEFLATE
// compression, with a JSON fallback and base64 framing for text-only
// carriers.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/driftsync/driftsync/internal/types"
)

// Wire content types and the compression marker header.
const (
	ContentTypeBinary = "application/msgpack+deflate"
	ContentTypeJSON   = "application/json"

	CompressionHeader = "X-Compression"
	CompressionValue  = "msgpack-deflate"
)

// Options controls the encoding pipeline.
type Options struct {
	UseBinary        bool
	UseCompression   bool
	CompressionLevel int // 0-9, flate levels
}

// DefaultOptions matches the wire defaults: binary, compressed, level 6.
func DefaultOptions() Options {
	return Options{UseBinary: true, UseCompression: true, CompressionLevel: 6}
}

// Stats are rolling per-encoder statistics. Original size is cost-modelled as
// the canonical JSON length of the value.
type Stats struct {
	Count           int64         `json:"count"`
	TotalOriginal   int64         `json:"totalOriginal"`
	TotalCompressed int64         `json:"totalCompressed"`
	AvgEncodeTime   time.Duration `json:"avgEncodeTime"`
	AvgDecodeTime   time.Duration `json:"avgDecodeTime"`

	totalEncodeTime time.Duration
	totalDecodeTime time.Duration
	encodeCount     int64
	decodeCount     int64
}

// CompressionRatio reports compressed/original across the encoder lifetime.
func (s Stats) CompressionRatio() float64 {
	if s.TotalOriginal == 0 {
		return 1
	}
	return float64(s.TotalCompressed) / float64(s.TotalOriginal)
}

// Codec encodes value trees for the wire. Stats are guarded per instance;
// sharing one codec between goroutines is safe.
type Codec struct {
	opts Options

	mu    sync.Mutex
	stats Stats
}

// New returns a codec with the given options.
func New(opts Options) *Codec {
	if opts.CompressionLevel < 0 || opts.CompressionLevel > 9 {
		opts.CompressionLevel = 6
	}
	return &Codec{opts: opts}
}

// Encode serializes value and, when enabled, DEFLATE-compresses the result.
func (c *Codec) Encode(value interface{}) ([]byte, error) {
	start := time.Now()

	raw, err := c.marshal(value)
	if err != nil {
		return nil, &types.SerializationError{Cause: err}
	}

	out := raw
	if c.opts.UseCompression {
		out, err = deflate(raw, c.opts.CompressionLevel)
		if err != nil {
			return nil, &types.SerializationError{Cause: err}
		}
	}

	original := originalSize(value, raw)
	c.record(original, int64(len(out)), time.Since(start), 0)
	return out, nil
}

// Decode reverses Encode. Inflation is attempted first; input that does not
// inflate is treated as uncompressed for interop with peers that skipped
// compression.
func (c *Codec) Decode(data []byte, out interface{}) error {
	start := time.Now()

	raw := data
	if inflated, err := inflate(data); err == nil {
		raw = inflated
	}

	if err := c.unmarshal(raw, out); err != nil {
		// a JSON producer may be on the other side of a binary consumer
		if c.opts.UseBinary {
			if jerr := json.Unmarshal(raw, out); jerr == nil {
				c.record(0, 0, 0, time.Since(start))
				return nil
			}
		}
		return &types.DecodeError{Cause: err}
	}

	c.record(0, 0, 0, time.Since(start))
	return nil
}

// EncodeBase64 frames an encoded payload as base64 text.
func (c *Codec) EncodeBase64(value interface{}) (string, error) {
	data, err := c.Encode(value)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeBase64 reverses EncodeBase64.
func (c *Codec) DecodeBase64(s string, out interface{}) error {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return &types.DecodeError{Cause: err}
	}
	return c.Decode(data, out)
}

// ContentType reports the wire content type produced by Encode.
func (c *Codec) ContentType() string {
	if c.opts.UseBinary {
		return ContentTypeBinary
	}
	return ContentTypeJSON
}

// Compressed reports whether Encode output carries the compression marker.
func (c *Codec) Compressed() bool { return c.opts.UseCompression }

// Stats returns a snapshot of the rolling statistics.
func (c *Codec) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	if s.encodeCount > 0 {
		s.AvgEncodeTime = s.totalEncodeTime / time.Duration(s.encodeCount)
	}
	if s.decodeCount > 0 {
		s.AvgDecodeTime = s.totalDecodeTime / time.Duration(s.decodeCount)
	}
	return s
}

// ResetStats clears the rolling statistics.
func (c *Codec) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Stats{}
}

func (c *Codec) marshal(value interface{}) ([]byte, error) {
	if c.opts.UseBinary {
		return msgpack.Marshal(value)
	}
	return json.Marshal(value)
}

func (c *Codec) unmarshal(data []byte, out interface{}) error {
	if c.opts.UseBinary {
		return msgpack.Unmarshal(data, out)
	}
	return json.Unmarshal(data, out)
}

func (c *Codec) record(original, compressed int64, enc, dec time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Count++
	c.stats.TotalOriginal += original
	c.stats.TotalCompressed += compressed
	if enc > 0 {
		c.stats.totalEncodeTime += enc
		c.stats.encodeCount++
	}
	if dec > 0 {
		c.stats.totalDecodeTime += dec
		c.stats.decodeCount++
	}
}

// originalSize cost-models the uncompressed size as canonical JSON length.
func originalSize(value interface{}, fallback []byte) int64 {
	if j, err := json.Marshal(value); err == nil {
		return int64(len(j))
	}
	return int64(len(fallback))
}

func deflate(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 && len(data) > 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return out, nil
}
