// Package s3 reads byte ranges of objects in S3 compatible storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/NamanBalaji/upstream/internal/config"
	"github.com/NamanBalaji/upstream/internal/logger"
	"github.com/NamanBalaji/upstream/pkg/datasource"
	httpPkg "github.com/NamanBalaji/upstream/pkg/http"
)

const (
	Scheme    = "s3"
	transport = "s3"
)

var ErrInvalidURI = errors.New("invalid s3 URI (expected s3://alias/key)")

// API is the part of the S3 client used to read objects.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// target is a resolved alias: the client and the bucket it addresses.
type target struct {
	client API
	bucket string
	prefix string
}

// Factory creates Sources that share one client per alias.
type Factory struct {
	aliases map[string]config.Alias

	mu      sync.Mutex
	targets map[string]*target

	resolveFn func(ctx context.Context, name string) (*target, error)
}

// NewFactory returns a factory for s3://<alias>/<key> URIs. A name without a
// configured alias is used as the bucket, with credentials from the
// environment.
func NewFactory(aliases map[string]config.Alias) *Factory {
	return &Factory{
		aliases: aliases,
		targets: make(map[string]*target),
	}
}

// NewClientFactory returns a factory reading every alias through client, with
// the alias name as the bucket.
func NewClientFactory(client API) *Factory {
	f := NewFactory(nil)
	f.targets = nil
	f.resolveFn = func(_ context.Context, name string) (*target, error) {
		return &target{client: client, bucket: name}, nil
	}

	return f
}

func (f *Factory) Create() datasource.Source {
	return &Source{factory: f}
}

func (f *Factory) resolve(ctx context.Context, name string) (*target, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if t, ok := f.targets[name]; ok {
		return t, nil
	}

	alias, ok := f.aliases[name]
	if !ok {
		alias = config.Alias{Bucket: name}
	}

	client, err := createS3Client(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("creating S3 client for %q: %w", name, err)
	}

	t := &target{
		client: client,
		bucket: alias.Bucket,
		prefix: alias.Prefix,
	}
	f.targets[name] = t

	return t, nil
}

func createS3Client(ctx context.Context, alias config.Alias) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if alias.Region != "" {
		opts = append(opts, awsconfig.WithRegion(alias.Region))
	}

	if alias.NoSignRequest {
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	} else if alias.AccessKey != "" && alias.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(alias.AccessKey, alias.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if alias.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(alias.Endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(cfg, clientOpts...), nil
}

// ParseURI splits s3://alias/key into its alias and key.
func ParseURI(uri string) (alias, key string, err error) {
	rest, ok := strings.CutPrefix(uri, Scheme+"://")
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}

	alias, key, ok = strings.Cut(rest, "/")
	if !ok || alias == "" || key == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}

	return alias, key, nil
}

// Source is a Source over one GetObject response body.
type Source struct {
	factory *Factory

	body      io.ReadCloser
	cancel    context.CancelFunc
	spec      datasource.Spec
	remaining int64
	opened    bool
}

func (s *Source) Open(ctx context.Context, spec datasource.Spec) (int64, error) {
	if s.opened {
		return 0, datasource.ErrAlreadyOpen
	}

	if err := ctx.Err(); err != nil {
		return 0, datasource.NewContextError(datasource.OpOpen, err, spec.URI)
	}

	name, key, err := ParseURI(spec.URI)
	if err != nil {
		return 0, datasource.NewResourceError(datasource.OpOpen, err, spec.URI)
	}

	s.spec = spec

	if spec.IsBounded() && spec.Length == 0 {
		s.markOpen(0)
		return 0, nil
	}

	t, err := s.factory.resolve(ctx, name)
	if err != nil {
		return 0, datasource.NewIOError(datasource.OpOpen, err, spec.URI)
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.prefix + key),
	}

	end := int64(-1)
	if spec.IsBounded() {
		end = spec.Position + spec.Length - 1
	}

	if r := httpPkg.RangeHeader(spec.Position, end); r != "" {
		input.Range = aws.String(r)
	}

	// The body is read after Open returns, so the request gets its own
	// context. The caller's context only aborts it while Open is in progress.
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	out, err := t.client.GetObject(reqCtx, input)

	stop()

	if err != nil {
		cancel()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, datasource.NewContextError(datasource.OpOpen, ctxErr, spec.URI)
		}

		if atEnd(spec, err) {
			logger.Debugf("Position %d is the end of %s", spec.Position, spec.URI)
			s.markOpen(0)

			return 0, nil
		}

		return 0, classify(datasource.OpOpen, err, spec.URI)
	}

	s.body = out.Body
	s.cancel = cancel

	length, err := resolveLength(spec, out)
	if err != nil {
		s.release()
		return 0, err
	}

	s.markOpen(length)

	logger.Debugf("Opened %s (bucket=%s key=%s) length=%d", spec.URI, t.bucket, t.prefix+key, length)

	return length, nil
}

func resolveLength(spec datasource.Spec, out *s3.GetObjectOutput) (int64, error) {
	if out.ContentRange != nil {
		start, end, total, err := httpPkg.ParseContentRange(*out.ContentRange)
		if err != nil {
			return 0, protocolError(datasource.OpOpen, err, spec.URI)
		}

		if start != spec.Position {
			return 0, protocolError(datasource.OpOpen,
				fmt.Errorf("range starts at %d, wanted %d", start, spec.Position), spec.URI)
		}

		if spec.IsBounded() {
			if err := spec.CheckServed(end, total); err != nil {
				e := datasource.NewResourceError(datasource.OpOpen, err, spec.URI)
				e.Transport = transport

				return 0, e
			}

			return spec.Length, nil
		}

		if out.ContentLength != nil {
			return *out.ContentLength, nil
		}

		if total >= 0 {
			return total - spec.Position, nil
		}

		return datasource.LengthUnbounded, nil
	}

	if spec.Position > 0 {
		return 0, protocolError(datasource.OpOpen, errors.New("range request answered with the whole object"), spec.URI)
	}

	if spec.IsBounded() {
		if out.ContentLength != nil && *out.ContentLength < spec.Length {
			return 0, datasource.NewResourceError(datasource.OpOpen,
				fmt.Errorf("%w: %d > %d", datasource.ErrPositionOutOfRange, spec.Length, *out.ContentLength), spec.URI)
		}

		return spec.Length, nil
	}

	if out.ContentLength != nil {
		return *out.ContentLength, nil
	}

	return datasource.LengthUnbounded, nil
}

// atEnd reports whether err is an InvalidRange answer to an open-ended request
// starting exactly at the end of the object.
func atEnd(spec datasource.Spec, err error) bool {
	var re *awshttp.ResponseError
	if spec.IsBounded() || !errors.As(err, &re) || re.HTTPStatusCode() != http.StatusRequestedRangeNotSatisfiable {
		return false
	}

	if re.Response == nil {
		return false
	}

	_, _, total, parseErr := httpPkg.ParseContentRange(re.Response.Header.Get("Content-Range"))

	return parseErr == nil && total == spec.Position
}

func (s *Source) markOpen(length int64) {
	s.remaining = length
	s.opened = true
}

func (s *Source) Read(ctx context.Context, p []byte) (int, error) {
	if err := datasource.CheckRead(s.opened, p); err != nil {
		return 0, err
	}

	if s.remaining == 0 {
		return 0, datasource.EndOfInput
	}

	if err := ctx.Err(); err != nil {
		return 0, datasource.NewContextError(datasource.OpRead, err, s.spec.URI)
	}

	if s.remaining > 0 && int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}

	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	for {
		n, err := s.body.Read(p)
		if n > 0 {
			if s.remaining > 0 {
				s.remaining -= int64(n)
			}

			return n, nil
		}

		if errors.Is(err, io.EOF) {
			if s.remaining > 0 {
				return 0, s.networkError(datasource.OpRead,
					fmt.Errorf("%w: %d bytes missing", httpPkg.ErrUnexpectedEOF, s.remaining), true)
			}

			s.remaining = 0

			return 0, datasource.EndOfInput
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, datasource.NewContextError(datasource.OpRead, ctxErr, s.spec.URI)
			}

			return 0, s.networkError(datasource.OpRead, err, true)
		}
	}
}

func (s *Source) networkError(op datasource.Op, err error, retryable bool) error {
	e := datasource.NewNetworkError(op, err, s.spec.URI, retryable)
	e.Transport = transport

	return e
}

func (s *Source) URI() string {
	if !s.opened {
		return ""
	}

	return s.spec.URI
}

func (s *Source) Close() error {
	err := s.release()

	s.opened = false
	s.remaining = 0

	return err
}

func (s *Source) release() error {
	var closeErr error

	if s.body != nil {
		closeErr = s.body.Close()
		s.body = nil
	}

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if closeErr != nil {
		return datasource.NewIOError(datasource.OpClose, closeErr, s.spec.URI)
	}

	return nil
}

// classify maps an SDK error onto a datasource error.
func classify(op datasource.Op, err error, uri string) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		status := re.HTTPStatusCode()

		e := datasource.NewHTTPError(op, fmt.Errorf("%w: %w", httpPkg.ClassifyHTTPError(status), err), uri, status)
		e.Transport = transport

		return e
	}

	classified := httpPkg.ClassifyError(err)

	e := datasource.NewNetworkError(op, fmt.Errorf("%w: %w", classified, err), uri, httpPkg.IsRetryable(classified))
	e.Transport = transport

	return e
}

func protocolError(op datasource.Op, err error, uri string) error {
	e := datasource.NewNetworkError(op, err, uri, false)
	e.Category = datasource.CategoryProtocol
	e.Transport = transport

	return e
}
