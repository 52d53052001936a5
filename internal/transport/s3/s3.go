// Package s3 adapts S3-compatible object stores to the transport contract.
// A share is a bucket, the username is the access key id and the password
// the secret key. Directories are key prefixes; empty ones are kept as
// zero-length "dir/" markers.
package s3

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/sharepool/sharepool/internal/transport"
	"github.com/sharepool/sharepool/pkg/errors"
)

// DeleteObjects accepts at most this many keys per request
const deleteBatch = 1000

// NewFactory returns a factory building one Dialer per timeout profile.
func NewFactory(cfg Config, logger *slog.Logger) transport.Factory {
	return func(profile transport.Profile) (transport.Dialer, error) {
		return NewDialer(cfg, profile, logger), nil
	}
}

// Dialer creates S3 clients with one timeout profile.
type Dialer struct {
	config    Config
	profile   transport.Profile
	transport *http.Transport
	http      *http.Client
	logger    *slog.Logger
	closed    atomic.Bool
}

// NewDialer creates a dialer. All clients it builds share one HTTP transport.
func NewDialer(cfg Config, profile transport.Profile, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	tr := awshttp.NewBuildableClient().
		WithDialerOptions(func(d *net.Dialer) {
			d.Timeout = profile.ConnectTimeout
		}).
		WithTransportOptions(func(t *http.Transport) {
			t.TLSHandshakeTimeout = profile.ConnectTimeout
			t.ResponseHeaderTimeout = profile.ReadTimeout
		}).
		GetTransport()
	return &Dialer{
		config:    cfg,
		profile:   profile,
		transport: tr,
		http: &http.Client{
			Transport: tr,
			// S3 answers redirects with region hints the SDK handles itself
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.With("component", "s3", "profile", profile.Name),
	}
}

func (d *Dialer) Profile() transport.Profile { return d.profile }

// Close refuses further dials and drops the idle keep-alive connections.
// Clients already handed out keep working on fresh connections.
func (d *Dialer) Close() error {
	d.closed.Store(true)
	d.transport.CloseIdleConnections()
	return nil
}

// Dial builds a client for key and, when a bucket is named, verifies it
// with HeadBucket.
func (d *Dialer) Dial(ctx context.Context, key transport.Key, creds transport.Credentials) (transport.Conn, error) {
	if d.closed.Load() {
		return nil, errors.NewError(errors.ErrCodeConnectionReset, "dialer was reset").WithComponent("s3")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(d.config.Region),
		config.WithRetryMaxAttempts(d.config.MaxAttempts),
		config.WithHTTPClient(d.http),
	}
	if creds.Username != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.Username, creds.Password, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "load AWS configuration").
			WithComponent("s3").WithCause(err)
	}

	endpoint := d.config.endpointFor(key.Address(), key.Server)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
		if d.config.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	c := &Conn{
		client:  client,
		bucket:  key.Share,
		config:  d.config,
		profile: d.profile,
		logger:  d.logger.With("bucket", key.Share),
	}
	if d.config.EnableCargoShip && key.Share != "" {
		c.transporter = cargoships3.NewTransporter(client, awsconfig.S3Config{
			Bucket:             key.Share,
			StorageClass:       cargoStorageClass(d.config.StorageClass),
			MultipartThreshold: 32 * 1024 * 1024,
			MultipartChunkSize: 16 * 1024 * 1024,
			Concurrency:        d.config.Concurrency,
		})
	}

	if key.Share != "" {
		hctx, cancel := context.WithTimeout(ctx, d.profile.ConnectTimeout)
		defer cancel()
		if _, err := client.HeadBucket(hctx, &s3.HeadBucketInput{Bucket: aws.String(key.Share)}); err != nil {
			ce := Classify(err)
			if ce.Code == errors.ErrCodeNotFound {
				ce.WithContext("kind", "share")
			}
			return nil, ce
		}
	}
	d.logger.Debug("client ready", "key", key.String(), "endpoint", endpoint)
	return c, nil
}

// Conn is an S3 client bound to one bucket.
type Conn struct {
	client      *s3.Client
	transporter *cargoships3.Transporter
	bucket      string
	config      Config
	profile     transport.Profile
	logger      *slog.Logger
	broken      atomic.Bool
}

// Connected reports whether no transport-level failure has been seen.
// The SDK reconnects on its own, so a broken flag only forces a fresh client.
func (c *Conn) Connected() bool {
	return !c.broken.Load()
}

// check classifies err and marks the session broken on transport failures.
// Failures that follow the caller's own ctx ending leave the session intact.
func (c *Conn) check(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	ce := Classify(err)
	if breaksSession(ce) && ctx.Err() == nil {
		c.broken.Store(true)
	}
	return ce
}

func (c *Conn) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.profile.ReadTimeout)
}

// objectKey maps a share-relative path to an object key; the root is "".
func objectKey(name string) string {
	name = transport.Clean(name)
	if name == "." {
		return ""
	}
	return name
}

// dirPrefix is the listing prefix for a directory.
func dirPrefix(dir string) string {
	k := objectKey(dir)
	if k == "" {
		return ""
	}
	return k + "/"
}

// copySource is the URL-encoded bucket/key form CopyObject expects.
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(url.PathEscape(p), "+", "%2B")
	}
	return url.PathEscape(bucket) + "/" + strings.Join(parts, "/")
}

func notFound(name string) error {
	return errors.NewError(errors.ErrCodeNotFound, "path not found").
		WithComponent("s3").WithContext("kind", "path").WithContext("path", name)
}

func (c *Conn) ReadDir(ctx context.Context, dir string) ([]transport.Entry, error) {
	dir = transport.Clean(dir)
	prefix := dirPrefix(dir)

	octx, cancel := c.op(ctx)
	defer cancel()

	p := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	var out []transport.Entry
	exists := prefix == ""
	for p.HasMorePages() {
		page, err := p.NextPage(octx)
		if err != nil {
			return nil, c.check(ctx, err)
		}
		for _, cp := range page.CommonPrefixes {
			exists = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			out = append(out, transport.Entry{Name: name, Path: transport.Join(dir, name), IsDir: true})
		}
		for _, obj := range page.Contents {
			exists = true
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue
			}
			out = append(out, transport.Entry{
				Name:    name,
				Path:    transport.Join(dir, name),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	if !exists {
		e, err := c.Stat(ctx, dir)
		if err != nil {
			return nil, err
		}
		if !e.IsDir {
			return nil, errors.NewError(errors.ErrCodeInvalidArgument, "not a directory").
				WithComponent("s3").WithContext("path", dir)
		}
	}
	return out, nil
}

func (c *Conn) Stat(ctx context.Context, name string) (transport.Entry, error) {
	name = transport.Clean(name)
	if name == "." {
		return transport.Entry{Name: ".", Path: ".", IsDir: true}, nil
	}

	octx, cancel := c.op(ctx)
	defer cancel()

	head, err := c.client.HeadObject(octx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey(name)),
	})
	if err == nil {
		return transport.Entry{
			Name:    transport.Base(name),
			Path:    name,
			Size:    aws.ToInt64(head.ContentLength),
			ModTime: aws.ToTime(head.LastModified),
		}, nil
	}
	if err := c.check(ctx, err); !isMissing(err) {
		return transport.Entry{}, err
	}

	isDir, err := c.hasPrefix(ctx, dirPrefix(name))
	if err != nil {
		return transport.Entry{}, err
	}
	if !isDir {
		return transport.Entry{}, notFound(name)
	}
	return transport.Entry{Name: transport.Base(name), Path: name, IsDir: true}, nil
}

func (c *Conn) hasPrefix(ctx context.Context, prefix string) (bool, error) {
	octx, cancel := c.op(ctx)
	defer cancel()
	out, err := c.client.ListObjectsV2(octx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, c.check(ctx, err)
	}
	return aws.ToInt32(out.KeyCount) > 0 || len(out.Contents) > 0, nil
}

// object reads lazily: Read streams one GetObject, ReadAt issues ranged gets.
type object struct {
	conn *Conn
	ctx  context.Context
	key  string
	body io.ReadCloser
}

func (c *Conn) Open(ctx context.Context, name string) (transport.File, error) {
	key := objectKey(name)
	if key == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "is a directory").WithComponent("s3")
	}
	return &object{conn: c, ctx: ctx, key: key}, nil
}

func (o *object) Read(p []byte) (int, error) {
	if o.body == nil {
		out, err := o.conn.client.GetObject(o.ctx, &s3.GetObjectInput{
			Bucket: aws.String(o.conn.bucket),
			Key:    aws.String(o.key),
		})
		if err != nil {
			return 0, o.conn.check(o.ctx, err)
		}
		o.body = out.Body
	}
	n, err := o.body.Read(p)
	if err != nil && err != io.EOF {
		return n, o.conn.check(o.ctx, err)
	}
	return n, err
}

func (o *object) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	octx, cancel := o.conn.op(o.ctx)
	defer cancel()

	out, err := o.conn.client.GetObject(octx, &s3.GetObjectInput{
		Bucket: aws.String(o.conn.bucket),
		Key:    aws.String(o.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)),
	})
	if err != nil {
		// a range starting at or past the end of the object
		if Classify(err).Context["s3_code"] == "InvalidRange" {
			return 0, io.EOF
		}
		return 0, o.conn.check(o.ctx, err)
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, p)
	switch {
	case err == io.ErrUnexpectedEOF || err == io.EOF:
		return n, io.EOF
	case err != nil:
		return n, o.conn.check(o.ctx, err)
	}
	return n, nil
}

func (o *object) Close() error {
	if o.body == nil {
		return nil
	}
	return o.body.Close()
}

// upload stages writes and commits them as one object on Close.
type upload struct {
	conn  *Conn
	ctx   context.Context
	key   string
	spool *spool
	done  bool
}

// Create stages the object locally; nothing reaches the bucket until Close.
func (c *Conn) Create(ctx context.Context, name string, size int64) (io.WriteCloser, error) {
	key := objectKey(name)
	if key == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "is a directory").WithComponent("s3")
	}
	sp, err := newSpool(c.config.MemoryBuffer, size)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeUnknown, "stage upload").WithComponent("s3").WithCause(err)
	}
	return &upload{conn: c, ctx: ctx, key: key, spool: sp}, nil
}

func (u *upload) Write(p []byte) (int, error) {
	if u.done {
		return 0, errors.NewError(errors.ErrCodeInvalidArgument, "write after close").WithComponent("s3")
	}
	n, err := u.spool.Write(p)
	if err != nil {
		return n, errors.NewError(errors.ErrCodeUnknown, "stage upload").WithComponent("s3").WithCause(err)
	}
	return n, nil
}

func (u *upload) Abort() error {
	if !u.done {
		u.done = true
		u.spool.release()
	}
	return nil
}

func (u *upload) Close() error {
	if u.done {
		return nil
	}
	u.done = true
	defer u.spool.release()
	return u.conn.put(u.ctx, u.key, u.spool)
}

func (c *Conn) put(ctx context.Context, key string, sp *spool) error {
	body, err := sp.reader()
	if err != nil {
		return errors.NewError(errors.ErrCodeUnknown, "rewind staged upload").WithComponent("s3").WithCause(err)
	}

	if c.transporter != nil && sp.size >= c.config.MultipartThreshold {
		result, err := c.transporter.Upload(ctx, cargoships3.Archive{
			Key:          key,
			Reader:       body,
			Size:         sp.size,
			StorageClass: cargoStorageClass(c.config.StorageClass),
			Metadata: map[string]string{
				"sharepool-upload": "true",
			},
		})
		if err == nil {
			c.logger.Debug("multipart upload completed",
				"key", key,
				"size", sp.size,
				"throughput", result.Throughput,
				"duration", result.Duration)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("multipart upload failed, falling back to PutObject", "key", key, "error", err)
		if body, err = sp.reader(); err != nil {
			return errors.NewError(errors.ErrCodeUnknown, "rewind staged upload").WithComponent("s3").WithCause(err)
		}
	}

	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(sp.size),
		StorageClass:  storageClass(c.config.StorageClass),
	})
	return c.check(ctx, err)
}

// Remove deletes an object, or an empty directory's marker.
func (c *Conn) Remove(ctx context.Context, name string) error {
	e, err := c.Stat(ctx, name)
	if err != nil {
		return err
	}
	octx, cancel := c.op(ctx)
	defer cancel()

	key := objectKey(name)
	if e.IsDir {
		out, err := c.client.ListObjectsV2(octx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(c.bucket),
			Prefix:  aws.String(dirPrefix(name)),
			MaxKeys: aws.Int32(2),
		})
		if err != nil {
			return c.check(ctx, err)
		}
		for _, obj := range out.Contents {
			if aws.ToString(obj.Key) != dirPrefix(name) {
				return errors.NewError(errors.ErrCodeInvalidArgument, "directory not empty").
					WithComponent("s3").WithContext("path", name)
			}
		}
		key = dirPrefix(name)
	}
	_, err = c.client.DeleteObject(octx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	return c.check(ctx, err)
}

// RemoveAll deletes name and everything under it.
func (c *Conn) RemoveAll(ctx context.Context, name string) error {
	e, err := c.Stat(ctx, name)
	if err != nil {
		return err
	}
	if !e.IsDir {
		return c.Remove(ctx, name)
	}

	p := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(dirPrefix(name)),
	})
	batch := make([]s3types.ObjectIdentifier, 0, deleteBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		octx, cancel := c.op(ctx)
		defer cancel()
		out, err := c.client.DeleteObjects(octx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &s3types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		batch = batch[:0]
		if err != nil {
			return c.check(ctx, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return errors.NewError(errors.ErrCodeUnknown, fmt.Sprintf("%d objects not deleted", len(out.Errors))).
				WithComponent("s3").
				WithContext("key", aws.ToString(first.Key)).
				WithContext("s3_code", aws.ToString(first.Code))
		}
		return nil
	}
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return c.check(ctx, err)
		}
		for _, obj := range page.Contents {
			batch = append(batch, s3types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == deleteBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}

// Rename copies then deletes; object stores have no atomic rename.
func (c *Conn) Rename(ctx context.Context, from, to string) error {
	e, err := c.Stat(ctx, from)
	if err != nil {
		return err
	}
	if e.IsDir {
		return errors.NewError(errors.ErrCodeInvalidArgument, "directories cannot be renamed on object storage").
			WithComponent("s3").WithContext("path", from)
	}

	octx, cancel := c.op(ctx)
	defer cancel()
	if _, err := c.client.CopyObject(octx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(objectKey(to)),
		CopySource: aws.String(copySource(c.bucket, objectKey(from))),
	}); err != nil {
		return c.check(ctx, err)
	}
	_, err = c.client.DeleteObject(octx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey(from)),
	})
	return c.check(ctx, err)
}

// MkdirAll writes a directory marker. Parents are implicit in the key.
func (c *Conn) MkdirAll(ctx context.Context, dir string) error {
	prefix := dirPrefix(dir)
	if prefix == "" {
		return nil
	}
	octx, cancel := c.op(ctx)
	defer cancel()
	_, err := c.client.PutObject(octx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(prefix),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	return c.check(ctx, err)
}

// ListShares lists the buckets visible to the credentials.
func (c *Conn) ListShares(ctx context.Context) ([]string, error) {
	octx, cancel := c.op(ctx)
	defer cancel()
	out, err := c.client.ListBuckets(octx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, c.check(ctx, err)
	}
	names := make([]string, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		names = append(names, aws.ToString(b.Name))
	}
	return names, nil
}

// Close marks the client unusable. Idle HTTP connections belong to the
// dialer's shared transport.
func (c *Conn) Close() error {
	c.broken.Store(true)
	return nil
}

var (
	_ transport.Dialer  = (*Dialer)(nil)
	_ transport.Conn    = (*Conn)(nil)
	_ transport.Aborter = (*upload)(nil)
)
