package s3

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// API is the subset of the S3 client used for bundle transfer.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client is a thin wrapper around the AWS SDK v2 S3 client.
type Client struct {
	api API
}

// Options tune the underlying client. Endpoint is only needed for S3-compatible
// stores and local stacks.
type Options struct {
	Endpoint       string
	ForcePathStyle bool
}

// NewClient initialises a Client from a loaded AWS configuration.
func NewClient(cfg aws.Config, opts Options) *Client {
	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.ForcePathStyle
		if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Client{api: api}
}

// NewClientWithAPI wraps an existing API implementation.
func NewClientWithAPI(api API) *Client {
	return &Client{api: api}
}

// Location is a parsed s3://bucket/key reference.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return "s3://" + l.Bucket + "/" + l.Key
}

// IsURL reports whether raw uses the s3:// scheme.
func IsURL(raw string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), "s3://")
}

// ParseURL splits an s3://bucket/key URL.
func ParseURL(raw string) (Location, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Location{}, fmt.Errorf("parse s3 url: %w", err)
	}
	if u.Scheme != "s3" {
		return Location{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return Location{}, fmt.Errorf("s3 url %q must include bucket and key", raw)
	}
	return Location{Bucket: u.Host, Key: key}, nil
}

// Download streams the object at loc into w and returns the byte count.
func (c *Client) Download(ctx context.Context, loc Location, w io.Writer) (int64, error) {
	if c == nil || c.api == nil {
		return 0, errors.New("nil client")
	}

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", loc, err)
	}
	defer out.Body.Close()

	n, err := io.Copy(w, out.Body)
	if err != nil {
		return n, fmt.Errorf("read %s: %w", loc, err)
	}
	return n, nil
}

// PutObject uploads data to loc with checksum metadata.
func (c *Client) PutObject(ctx context.Context, loc Location, r io.Reader, size int64, sha256 string) error {
	if c == nil || c.api == nil {
		return errors.New("nil client")
	}
	checksum, err := encodeSHA256(sha256)
	if err != nil {
		return err
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(loc.Bucket),
		Key:               aws.String(loc.Key),
		Body:              r,
		ContentLength:     aws.Int64(size),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(checksum),
		Metadata: map[string]string{
			"sha256": sha256,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", loc, err)
	}
	return nil
}

// UploadFile hashes the file at path and uploads it to loc.
func (c *Client) UploadFile(ctx context.Context, loc Location, path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return 0, fmt.Errorf("hash %s: %w", path, err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind %s: %w", path, err)
	}
	if err := c.PutObject(ctx, loc, file, size, hex.EncodeToString(hash.Sum(nil))); err != nil {
		return 0, err
	}
	return size, nil
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
