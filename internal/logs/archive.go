package logs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Uploader is the subset of the S3 client used for archiving.
type Uploader interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256, contentEncoding string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Archived describes an uploaded log.
type Archived struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Lines  int    `json:"lines"`
	URL    string `json:"url,omitempty"`
}

// Archiver uploads zstd-compressed logs.
type Archiver struct {
	uploader Uploader
	ttl      time.Duration
}

// NewArchiver creates an Archiver. A positive ttl also yields a presigned link.
func NewArchiver(uploader Uploader, ttl time.Duration) (*Archiver, error) {
	if uploader == nil {
		return nil, errors.New("uploader is required")
	}
	return &Archiver{uploader: uploader, ttl: ttl}, nil
}

// Archive compresses lines and uploads them to bucket/key.
func (a *Archiver) Archive(ctx context.Context, bucket, key string, lines []string) (Archived, error) {
	if bucket == "" || key == "" {
		return Archived{}, errors.New("bucket and key are required")
	}

	body, err := Compress(lines)
	if err != nil {
		return Archived{}, err
	}
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])

	if err := a.uploader.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)), digest, "zstd"); err != nil {
		return Archived{}, fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}

	out := Archived{Bucket: bucket, Key: key, SHA256: digest, Size: int64(len(body)), Lines: len(lines)}
	if a.ttl > 0 {
		link, err := a.uploader.PresignGet(ctx, bucket, key, a.ttl)
		if err != nil {
			return out, fmt.Errorf("presign %s/%s: %w", bucket, key, err)
		}
		out.URL = link
	}
	return out, nil
}

// Compress joins lines and encodes them with zstd.
func Compress(lines []string) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	defer enc.Close()

	var text bytes.Buffer
	for _, line := range lines {
		text.WriteString(line)
		text.WriteByte('\n')
	}
	return enc.EncodeAll(text.Bytes(), nil), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]string, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()

	plain, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSuffix(string(plain), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// ParseTarget splits "s3://bucket/key" into its parts.
func ParseTarget(target string) (bucket, key string, err error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", fmt.Errorf("parse archive target: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("archive target %q must look like s3://bucket/key", target)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("archive target %q has no key", target)
	}
	return u.Host, key, nil
}
