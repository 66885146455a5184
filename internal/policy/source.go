package policy

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-gate/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-gate/internal/log"
	"github.com/keithlinneman/linnemanlabs-gate/internal/xerrors"
)

// maxDocumentBytes bounds what we read from any source.
const maxDocumentBytes = 1 << 20

// Source fetches the raw policy document.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]byte, error)
}

// FileSource reads a local file.
type FileSource struct{ Path string }

func (s FileSource) Name() string { return "file" }

func (s FileSource) Fetch(context.Context) ([]byte, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open policy file %s", s.Path)
	}
	defer f.Close()
	return readBounded(f, s.Path)
}

// SSMGetter is the part of the SSM API SSMSource needs.
type SSMGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMSource reads a parameter whose value is the document.
type SSMSource struct {
	Client SSMGetter
	Param  string
}

func (s SSMSource) Name() string { return "ssm" }

func (s SSMSource) Fetch(ctx context.Context) ([]byte, error) {
	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.Param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", s.Param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil || strings.TrimSpace(*out.Parameter.Value) == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", s.Param)
	}
	return []byte(*out.Parameter.Value), nil
}

// S3Getter is the part of the S3 API S3Source needs.
type S3Getter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads an object. With a Verifier set the object must have a
// detached signature at Key + ".sig" that verifies over the exact bytes.
type S3Source struct {
	Client   S3Getter
	Bucket   string
	Key      string
	Verifier cryptoutil.Verifier
}

func (s S3Source) Name() string { return "s3" }

func (s S3Source) SignatureKey() string { return s.Key + ".sig" }

func (s S3Source) Fetch(ctx context.Context) ([]byte, error) {
	doc, err := s.get(ctx, s.Key)
	if err != nil {
		return nil, err
	}
	if s.Verifier == nil {
		return doc, nil
	}
	sig, err := s.get(ctx, s.SignatureKey())
	if err != nil {
		return nil, xerrors.Wrap(err, "fetch policy signature")
	}
	if err := s.Verifier.Verify(ctx, doc, cryptoutil.DecodeSignature(sig)); err != nil {
		return nil, xerrors.Wrapf(err, "verify signature of s3://%s/%s", s.Bucket, s.Key)
	}
	return doc, nil
}

func (s S3Source) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.Bucket, key)
	}
	defer out.Body.Close()
	return readBounded(out.Body, "s3://"+s.Bucket+"/"+key)
}

func readBounded(r io.Reader, name string) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", name)
	}
	if len(b) > maxDocumentBytes {
		return nil, xerrors.Newf("%s is larger than %d bytes", name, maxDocumentBytes)
	}
	return b, nil
}

// Load fetches, parses and validates the policy from src.
func Load(ctx context.Context, src Source) (*Policy, error) {
	L := log.FromContext(ctx)
	start := time.Now()

	raw, err := src.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	p, err := Parse(raw)
	if err != nil {
		return nil, xerrors.Wrapf(err, "%s policy", src.Name())
	}
	p.Source = src.Name()
	p.LoadedAt = time.Now().UTC()

	L.Info(ctx, "admission policy loaded",
		"source", p.Source,
		"version", p.Version,
		"sha256", p.SHA256,
		"operations", len(p.Operations),
		"defaults", len(p.Defaults),
		"duration", time.Since(start),
	)
	return p, nil
}
