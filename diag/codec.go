package diag

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	tarmount "github.com/wolfeidau/annex-tarmount"
)

const (
	// compressionThreshold is the smallest payload worth compressing.
	compressionThreshold = 512

	// maxDecompressedSize caps decoding to guard against corrupt entries.
	maxDecompressedSize = 16 * 1024 * 1024

	envelopeVersion = 1
)

const (
	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

// ErrCorrupted is returned when a stored record fails digest verification.
var ErrCorrupted = errors.New("diagnostic record digest mismatch")

// envelope is the stored form of a record.
type envelope struct {
	Version  int    `json:"v"`
	Encoding string `json:"enc"`
	Digest   string `json:"digest"`
	Size     int    `json:"size"`
	Payload  []byte `json:"payload"`
}

// codec compresses record payloads. It is safe for concurrent use.
type codec struct {
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

func (c *codec) encode(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}

	env := envelope{
		Version:  envelopeVersion,
		Encoding: encodingIdentity,
		Digest:   tarmount.DigestBytes(data).String(),
		Size:     len(data),
		Payload:  data,
	}

	if len(data) >= compressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			if compressed := enc.EncodeAll(data, nil); len(compressed) < len(data) {
				env.Encoding = encodingZstd
				env.Payload = compressed
			}
		}
	}

	return json.Marshal(env)
}

func (c *codec) decode(raw []byte) (Record, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Record{}, fmt.Errorf("unmarshaling envelope: %w", err)
	}

	data := env.Payload
	switch env.Encoding {
	case encodingIdentity:
	case encodingZstd:
		if env.Size > maxDecompressedSize {
			return Record{}, fmt.Errorf("record of %d bytes exceeds limit", env.Size)
		}
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return Record{}, errors.New("decoder not initialized")
		}
		var err error
		data, err = dec.DecodeAll(env.Payload, nil)
		if err != nil {
			return Record{}, fmt.Errorf("decompressing record: %w", err)
		}
	default:
		return Record{}, fmt.Errorf("unsupported encoding: %q", env.Encoding)
	}

	want, err := tarmount.ParseDigest(env.Digest)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	if tarmount.DigestBytes(data) != want {
		return Record{}, ErrCorrupted
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshaling record: %w", err)
	}
	return rec, nil
}
