package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const archiveContentType = "application/zstd"

// SourceArchive keeps a zstd-compressed copy of each submission's source.
type SourceArchive struct {
	store  ObjectStorage
	bucket string
	prefix string

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewSourceArchive(store ObjectStorage, bucket, prefix string) (*SourceArchive, error) {
	if store == nil {
		return nil, fmt.Errorf("object storage is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if prefix == "" {
		prefix = "submissions"
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &SourceArchive{store: store, bucket: bucket, prefix: prefix, encoder: enc, decoder: dec}, nil
}

func (a *SourceArchive) key(submissionID string) string {
	return fmt.Sprintf("%s/%s/source.zst", a.prefix, submissionID)
}

// Put stores source for submissionID.
func (a *SourceArchive) Put(ctx context.Context, submissionID, source string) error {
	compressed := a.encoder.EncodeAll([]byte(source), nil)
	return a.store.PutObject(ctx, a.bucket, a.key(submissionID), bytes.NewReader(compressed), int64(len(compressed)), archiveContentType)
}

// Get returns the archived source for submissionID.
func (a *SourceArchive) Get(ctx context.Context, submissionID string) (string, error) {
	rc, err := a.store.GetObject(ctx, a.bucket, a.key(submissionID))
	if err != nil {
		return "", err
	}
	defer rc.Close()
	compressed, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read archived source failed: %w", err)
	}
	plain, err := a.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return "", fmt.Errorf("decompress archived source failed: %w", err)
	}
	return string(plain), nil
}

// Close releases the decoder.
func (a *SourceArchive) Close() {
	a.decoder.Close()
}
