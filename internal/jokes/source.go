package jokes

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/xerrors"
)

// MaxObjectSize is the largest S3 jokes object Load accepts
const MaxObjectSize = 8 * 1024 * 1024

// ErrTooLarge is returned for S3 objects over MaxObjectSize. Load reports it
// as ErrResourceRead rather than serving a truncated set.
var ErrTooLarge = errors.New("jokes object exceeds size limit")

// FileSource reads jokes from a local file
type FileSource struct {
	Path string
}

func (f FileSource) Open(context.Context) (io.ReadCloser, error) {
	return os.Open(f.Path)
}

func (f FileSource) String() string { return f.Path }

// S3GetObjectAPI is the subset of the s3 client used by S3Source
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads jokes from s3://Bucket/Key on every Open
type S3Source struct {
	Client S3GetObjectAPI
	Bucket string
	Key    string
}

func (s S3Source) Open(ctx context.Context) (io.ReadCloser, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get %s", s)
	}
	if out.ContentLength != nil && *out.ContentLength > MaxObjectSize {
		_ = out.Body.Close()
		return nil, xerrors.Wrapf(ErrTooLarge, "%s is %d bytes", s, *out.ContentLength)
	}
	// read one byte past the cap so an oversized body is detected, not cut
	return &cappedBody{r: io.LimitReader(out.Body, MaxObjectSize+1), Closer: out.Body}, nil
}

func (s S3Source) String() string { return "s3://" + s.Bucket + "/" + s.Key }

type cappedBody struct {
	r    io.Reader
	read int64
	io.Closer
}

func (c *cappedBody) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > MaxObjectSize {
		return n, xerrors.WithStack(ErrTooLarge)
	}
	return n, err
}

// ParseS3URI splits s3://bucket/key into its parts
func ParseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", xerrors.Wrapf(err, "parse %q", uri)
	}
	if u.Scheme != "s3" {
		return "", "", xerrors.Newf("not an s3 uri: %q", uri)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", xerrors.Newf("s3 uri needs bucket and key: %q", uri)
	}
	return bucket, key, nil
}

// IsS3URI reports whether uri should be served by an S3Source
func IsS3URI(uri string) bool {
	return strings.HasPrefix(uri, "s3://")
}

// SSMGetParameterAPI is the subset of the ssm client used by ResolveURI
type SSMGetParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveURI reads the jokes location (file path or s3 uri) from an SSM parameter
func ResolveURI(ctx context.Context, client SSMGetParameterAPI, param string) (string, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", param)
	}

	uri := strings.TrimSpace(*out.Parameter.Value)
	if uri == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", param)
	}
	return uri, nil
}

// NewSource returns an S3Source for s3:// uris and a FileSource otherwise.
// client may be nil when uri is a local path.
func NewSource(uri string, client S3GetObjectAPI) (Source, error) {
	if !IsS3URI(uri) {
		if uri == "" {
			return nil, xerrors.New("jokes source is empty")
		}
		return FileSource{Path: uri}, nil
	}
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, xerrors.Newf("s3 client required for %s", uri)
	}
	return S3Source{Client: client, Bucket: bucket, Key: key}, nil
}
