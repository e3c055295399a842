// Package registry implements the small subset of the OCI distribution API
// needed to pull an image: manifests by tag or digest and blobs by digest,
// with anonymous Bearer token authentication.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/maxdollinger/docker2vm/pkg/oci"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	maxManifestBytes  = 4 << 20
	maxErrorBodyBytes = 64 << 10
	maxErrorBodyRunes = 220
	defaultUserAgent  = "docker2vm"
)

// Manifest is a fetched manifest or index document.
type Manifest struct {
	Descriptor ocispec.Descriptor
	Body       []byte
	MediaType  string
}

// Client talks to the registry of a single image reference. The Bearer token
// obtained after the first challenge is reused for later requests of the same
// client and never persisted.
type Client struct {
	ref        oci.ImageReference
	scheme     string
	httpClient *http.Client
	userAgent  string
	token      string
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a client for the registry hosting ref. Loopback, localhost
// and private network registries are reached over plain HTTP.
func NewClient(ref oci.ImageReference, opts ...Option) *Client {
	c := &Client{
		ref:        ref,
		scheme:     schemeFor(ref.RegistryAPIHost),
		httpClient: http.DefaultClient,
		userAgent:  defaultUserAgent,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func schemeFor(host string) string {
	reg, err := name.NewRegistry(host, name.WeakValidation)
	if err != nil {
		return "https"
	}
	return reg.Scheme()
}

// FetchManifest fetches the manifest or index addressed by reference, a tag
// or a digest. The body is verified against Docker-Content-Digest when the
// registry sends it, and against reference when reference is a digest.
func (c *Client) FetchManifest(ctx context.Context, reference string) (*Manifest, error) {
	path := fmt.Sprintf("/v2/%s/manifests/%s", c.ref.Repository, escapeReference(reference))

	header := http.Header{}
	header.Set("Accept", oci.ManifestAcceptHeader)

	c.logger.DebugContext(ctx, "fetching manifest", "repository", c.ref.Repository, "reference", reference)
	resp, err := c.do(ctx, path, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read manifest body: %w", err)
	}
	if len(body) > maxManifestBytes {
		return nil, issue.New(issue.KindProtocol, ErrManifestTooLarge,
			fmt.Sprintf("manifest %s exceeds %d bytes", reference, maxManifestBytes),
			"Check that the reference points at an image manifest or index.")
	}

	mediaType := contentType(resp.Header.Get("Content-Type"))

	dgst := oci.FromBytes(body)
	if headerDigest := resp.Header.Get("Docker-Content-Digest"); headerDigest != "" {
		dgst, err = oci.ParseDigest(headerDigest)
		if err != nil {
			return nil, err
		}
		if err := oci.VerifyBytes(dgst, body); err != nil {
			return nil, err
		}
	}

	// tags cannot contain ':', so anything that does is a digest reference
	if strings.Contains(reference, ":") {
		requested, err := oci.ParseDigest(reference)
		if err != nil {
			return nil, err
		}
		if err := oci.VerifyBytes(requested, body); err != nil {
			return nil, err
		}
		dgst = requested
	}

	return &Manifest{
		Descriptor: ocispec.Descriptor{
			MediaType: mediaType,
			Digest:    dgst,
			Size:      int64(len(body)),
		},
		Body:      body,
		MediaType: mediaType,
	}, nil
}

// FetchBlobToFile downloads blob d to dest. The content is streamed to a
// temporary file next to dest while being hashed and only renamed into place
// after it matched d.
func (c *Client) FetchBlobToFile(ctx context.Context, d digest.Digest, dest string) (err error) {
	expected, err := oci.ParseDigest(d.String())
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/v2/%s/blobs/%s", c.ref.Repository, escapeReference(expected.String()))
	c.logger.DebugContext(ctx, "fetching blob", "repository", c.ref.Repository, "digest", expected)

	resp, err := c.do(ctx, path, http.Header{})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp blob file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	digester := digest.SHA256.Digester()
	if _, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("download blob %s: %w", expected, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp blob file: %w", err)
	}

	if actual := digester.Digest(); actual != expected {
		return oci.MismatchError(expected, actual,
			"Retry the command. If it persists, check upstream registry consistency.")
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("publish blob %s: %w", expected, err)
	}
	return nil
}

// do performs a GET, answering a single Bearer challenge when the registry
// asks for one.
func (c *Client) do(ctx context.Context, path string, header http.Header) (*http.Response, error) {
	resp, err := c.send(ctx, path, header)
	if err != nil {
		return nil, err
	}
	if isSuccess(resp.StatusCode) {
		return resp, nil
	}
	if resp.StatusCode != http.StatusUnauthorized {
		defer resp.Body.Close()
		return nil, statusError(resp, path)
	}

	ch := parseChallenge(resp.Header.Get("WWW-Authenticate"))
	if ch == nil || !strings.EqualFold(ch.Scheme, "bearer") {
		defer resp.Body.Close()
		return nil, statusError(resp, path,
			"Registry requested authentication, but no supported Bearer challenge was provided.")
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	resp.Body.Close()

	token, err := c.requestToken(ctx, ch)
	if err != nil {
		return nil, err
	}
	c.token = token

	resp, err = c.send(ctx, path, header)
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.StatusCode) {
		defer resp.Body.Close()
		return nil, statusError(resp, path)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, path string, header http.Header) (*http.Response, error) {
	reqURL := c.scheme + "://" + c.ref.RegistryAPIHost + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err, path)
	}
	return resp, nil
}

func isSuccess(code int) bool {
	return code >= 200 && code <= 299
}

// escapeReference percent-encodes a tag or digest for use as a path segment
// while keeping slashes literal.
func escapeReference(reference string) string {
	return strings.ReplaceAll(url.PathEscape(reference), "%2F", "/")
}

func contentType(value string) string {
	if value == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(value); err == nil {
		return mt
	}
	mt, _, _ := strings.Cut(value, ";")
	return strings.TrimSpace(mt)
}

func statusError(resp *http.Response, path string, extraHints ...string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	body := string(bytes.TrimSpace(raw))

	hints := []string{fmt.Sprintf("HTTP %s while requesting %s", resp.Status, path)}
	if body != "" {
		hints = append(hints, "Registry response: "+truncate(body, maxErrorBodyRunes))
	}
	hints = append(hints, extraHints...)

	return issue.Wrap(issue.KindProtocol, ErrRequestFailed,
		&StatusError{StatusCode: resp.StatusCode, Path: path, Body: body},
		"registry request failed", hints...)
}

func transportError(err error, path string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return issue.Wrap(issue.KindProtocol, ErrRequestFailed, err,
		"registry request failed",
		fmt.Sprintf("Request to %s did not complete: %v", path, err),
		"Check network connectivity and the registry host name.")
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}
