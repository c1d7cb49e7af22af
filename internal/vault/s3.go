package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"cdist-go/internal/cdist"
	"cdist-go/internal/config"
)

const versionMetadataKey = "version"

// S3API is the subset of the S3 client used by S3Vault.
type S3API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Vault stores content and metadata in an S3 bucket (or any S3-compatible
// store) using the same layout as FileSystemVault below an optional prefix:
//
//	<prefix>/content/ab/abcdef...
//	<prefix>/metadata/<catalogID>/<name>   (version in object metadata)
type S3Vault struct {
	client   S3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Vault builds an S3 client from cfg. Static credentials are used when
// configured; otherwise the default AWS credential chain applies. A custom
// endpoint switches to path-style addressing.
func NewS3Vault(ctx context.Context, cfg config.VaultConfig) (*S3Vault, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
	}

	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3VaultWithClient(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

// NewS3VaultWithClient creates an S3Vault around an existing client.
func NewS3VaultWithClient(client S3API, bucket, prefix string) *S3Vault {
	return &S3Vault{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
	}
}

func (v *S3Vault) key(parts ...string) string {
	if v.prefix != "" {
		parts = append([]string{v.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (v *S3Vault) contentKey(checksum string) (string, error) {
	if err := checkChecksum(checksum); err != nil {
		return "", err
	}
	return v.key("content", checksum[:2], checksum), nil
}

func (v *S3Vault) metadataKey(catalogID, name string) (string, error) {
	if err := checkMetadataKey(catalogID, name); err != nil {
		return "", err
	}
	return v.key("metadata", catalogID, name), nil
}

// PutContent stores content identified by its checksum. Existing objects are not rewritten.
func (v *S3Vault) PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error {
	key, err := v.contentKey(checksum)
	if err != nil {
		return err
	}

	exists, err := v.exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return drainSized(r, size)
	}

	return v.upload(ctx, key, r, size, nil)
}

// HasContent reports whether checksum is stored.
func (v *S3Vault) HasContent(ctx context.Context, checksum string) (bool, error) {
	key, err := v.contentKey(checksum)
	if err != nil {
		return false, err
	}
	return v.exists(ctx, key)
}

// GetContent retrieves content by checksum and writes it to w.
func (v *S3Vault) GetContent(ctx context.Context, checksum string, w io.Writer) error {
	key, err := v.contentKey(checksum)
	if err != nil {
		return err
	}
	return v.download(ctx, key, w, fmt.Sprintf("content not found: %s", checksum))
}

// PutMetadata stores a metadata item with its version in the object's user metadata.
func (v *S3Vault) PutMetadata(ctx context.Context, catalogID, name string, r io.Reader, size int64, version int64) error {
	key, err := v.metadataKey(catalogID, name)
	if err != nil {
		return err
	}
	return v.upload(ctx, key, r, size, map[string]string{versionMetadataKey: strconv.FormatInt(version, 10)})
}

// GetMetadataVersion returns 0 if the item does not exist.
func (v *S3Vault) GetMetadataVersion(ctx context.Context, catalogID, name string) (int64, error) {
	key, err := v.metadataKey(catalogID, name)
	if err != nil {
		return 0, err
	}

	out, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading metadata version: %w", err)
	}

	raw, ok := out.Metadata[versionMetadataKey]
	if !ok {
		return 0, nil
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// GetMetadata retrieves a metadata item and writes it to w.
func (v *S3Vault) GetMetadata(ctx context.Context, catalogID, name string, w io.Writer) error {
	key, err := v.metadataKey(catalogID, name)
	if err != nil {
		return err
	}
	return v.download(ctx, key, w, fmt.Sprintf("metadata %q not found for catalog: %s", name, catalogID))
}

// ValidateSetup checks that the bucket exists and is reachable with the configured credentials.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

func (v *S3Vault) exists(ctx context.Context, key string) (bool, error) {
	_, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object %s: %w", key, err)
	}
	return true, nil
}

func (v *S3Vault) upload(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(v.bucket),
		Key:      aws.String(key),
		Body:     &sizeCheckReader{r: r, want: size},
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

func (v *S3Vault) download(ctx context.Context, key string, w io.Writer, notFoundMsg string) error {
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s", notFoundMsg)
		}
		return fmt.Errorf("getting object %s: %w", key, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

// sizeCheckReader fails the read that reaches EOF when the byte count is wrong,
// which aborts the upload instead of storing truncated content.
type sizeCheckReader struct {
	r    io.Reader
	want int64
	n    int64
}

func (s *sizeCheckReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	if s.n > s.want {
		return n, fmt.Errorf("size mismatch: expected %d bytes, got more", s.want)
	}
	if errors.Is(err, io.EOF) && s.n != s.want {
		return n, fmt.Errorf("size mismatch: expected %d bytes, got %d", s.want, s.n)
	}
	return n, err
}

// Compile-time check that S3Vault implements cdist.Vault interface
var _ cdist.Vault = (*S3Vault)(nil)
