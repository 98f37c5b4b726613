package repo

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
)

// HTTPFetcher reads objects relative to a base URL.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

func (f *HTTPFetcher) Location() string { return f.BaseURL }

func (f *HTTPFetcher) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	u, err := url.JoinPath(f.BaseURL, name)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "building URL for %s", name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "fetching %s", u)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, resp.ContentLength, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, errors.Mark(errors.Newf("%s: not found", u), ErrModelNotFound)
	default:
		resp.Body.Close()
		return nil, 0, errors.Newf("%s: download failed: HTTP %d", u, resp.StatusCode)
	}
}

// S3Client is the part of the S3 API used by S3Fetcher. *s3.Client
// satisfies it.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher reads objects under a bucket prefix.
type S3Fetcher struct {
	Client S3Client
	Bucket string
	Prefix string
}

func (f *S3Fetcher) key(name string) string {
	if f.Prefix == "" {
		return name
	}
	return f.Prefix + "/" + name
}

func (f *S3Fetcher) Location() string { return "s3://" + f.Bucket + "/" + f.Prefix }

func (f *S3Fetcher) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	out, err := f.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.Bucket),
		Key:    aws.String(f.key(name)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, errors.Mark(errors.Newf("s3://%s/%s: not found", f.Bucket, f.key(name)), ErrModelNotFound)
		}
		return nil, 0, errors.Wrapf(err, "s3://%s/%s", f.Bucket, f.key(name))
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// S3Options configures the client built by NewS3Client.
type S3Options struct {
	Region    string
	Endpoint  string
	PathStyle bool
	// AccessKey and SecretKey select static credentials; both empty means
	// anonymous access.
	AccessKey string
	SecretKey string
}

// NewS3Client builds an S3 client for public or statically-authenticated
// buckets, including S3-compatible stores.
func NewS3Client(o S3Options) *s3.Client {
	opts := s3.Options{
		Region:       o.Region,
		UsePathStyle: o.PathStyle,
		Credentials:  aws.AnonymousCredentials{},
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if o.Endpoint != "" {
		opts.BaseEndpoint = aws.String(o.Endpoint)
	}
	if o.AccessKey != "" || o.SecretKey != "" {
		creds := aws.Credentials{AccessKeyID: o.AccessKey, SecretAccessKey: o.SecretKey, Source: "gostem config"}
		opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		})
	}
	return s3.New(opts)
}

// isS3NotFound reports whether err indicates the S3 object does not exist.
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
