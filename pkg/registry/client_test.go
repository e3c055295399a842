package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/mux"
	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/maxdollinger/docker2vm/pkg/oci"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "secret-token"

// fakeRegistry serves one manifest and one blob behind Bearer auth.
type fakeRegistry struct {
	server        *httptest.Server
	manifest      []byte
	manifestType  string
	headerDigest  string
	blobs         map[string][]byte
	tokenRequests atomic.Int32
	lastScope     atomic.Value
	requireAuth   bool
}

func newFakeRegistry(t *testing.T, requireAuth bool) *fakeRegistry {
	t.Helper()

	f := &fakeRegistry{
		manifest:     []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json"}`),
		manifestType: string(oci.MediaTypeImageManifest),
		blobs:        map[string][]byte{},
		requireAuth:  requireAuth,
	}

	r := mux.NewRouter()
	r.HandleFunc("/token", f.handleToken).Methods(http.MethodGet)
	r.HandleFunc("/v2/{name:.+}/manifests/{reference}", f.withAuth(f.handleManifest)).Methods(http.MethodGet)
	r.HandleFunc("/v2/{name:.+}/blobs/{digest}", f.withAuth(f.handleBlob)).Methods(http.MethodGet)

	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRegistry) host() string {
	return strings.TrimPrefix(f.server.URL, "http://")
}

func (f *fakeRegistry) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if f.requireAuth && r.Header.Get("Authorization") != "Bearer "+testToken {
			w.Header().Set("WWW-Authenticate",
				`Bearer realm="`+f.server.URL+`/token",service="fake-registry"`)
			http.Error(w, `{"errors":[{"code":"UNAUTHORIZED"}]}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (f *fakeRegistry) handleToken(w http.ResponseWriter, r *http.Request) {
	f.tokenRequests.Add(1)
	f.lastScope.Store(r.URL.Query().Get("scope"))
	if r.URL.Query().Get("service") != "fake-registry" {
		http.Error(w, "bad service", http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"access_token": testToken})
}

func (f *fakeRegistry) handleManifest(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), string(oci.MediaTypeImageIndex)) {
		http.Error(w, "missing accept", http.StatusNotAcceptable)
		return
	}
	w.Header().Set("Content-Type", f.manifestType+"; charset=utf-8")
	if f.headerDigest != "" {
		w.Header().Set("Docker-Content-Digest", f.headerDigest)
	}
	_, _ = w.Write(f.manifest)
}

func (f *fakeRegistry) handleBlob(w http.ResponseWriter, r *http.Request) {
	blob, ok := f.blobs[mux.Vars(r)["digest"]]
	if !ok {
		http.Error(w, `{"errors":[{"code":"BLOB_UNKNOWN"}]}`, http.StatusNotFound)
		return
	}
	_, _ = w.Write(blob)
}

func clientFor(t *testing.T, f *fakeRegistry) *Client {
	t.Helper()
	ref, err := oci.ParseImageReference(f.host() + "/library/app:latest")
	require.NoError(t, err)
	return NewClient(ref)
}

func TestFetchManifestWithBearerAuth(t *testing.T) {
	f := newFakeRegistry(t, true)
	c := clientFor(t, f)

	m, err := c.FetchManifest(context.Background(), "latest")
	require.NoError(t, err)
	assert.Equal(t, string(oci.MediaTypeImageManifest), m.MediaType)
	assert.Equal(t, oci.FromBytes(f.manifest), m.Descriptor.Digest)
	assert.Equal(t, int64(len(f.manifest)), m.Descriptor.Size)
	assert.Equal(t, f.manifest, m.Body)
	assert.Equal(t, "repository:library/app:pull", f.lastScope.Load())

	// the token is reused for the second request
	_, err = c.FetchManifest(context.Background(), "latest")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.tokenRequests.Load())
}

func TestFetchManifestVerifiesDigests(t *testing.T) {
	other := oci.FromBytes([]byte("something else"))

	t.Run("header digest mismatch", func(t *testing.T) {
		f := newFakeRegistry(t, false)
		f.headerDigest = other.String()

		_, err := clientFor(t, f).FetchManifest(context.Background(), "latest")
		require.ErrorIs(t, err, oci.ErrDigestMismatch)
		assert.Equal(t, issue.KindIntegrity, issue.KindOf(err))
	})

	t.Run("header digest match", func(t *testing.T) {
		f := newFakeRegistry(t, false)
		f.headerDigest = oci.FromBytes(f.manifest).String()

		m, err := clientFor(t, f).FetchManifest(context.Background(), "latest")
		require.NoError(t, err)
		assert.Equal(t, f.headerDigest, m.Descriptor.Digest.String())
	})

	t.Run("requested digest mismatch", func(t *testing.T) {
		f := newFakeRegistry(t, false)

		_, err := clientFor(t, f).FetchManifest(context.Background(), other.String())
		require.ErrorIs(t, err, oci.ErrDigestMismatch)
	})
}

func TestFetchManifestHTTPError(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v2/{name:.+}/manifests/{reference}", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, strings.Repeat("x", 500), http.StatusNotFound)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ref, err := oci.ParseImageReference(strings.TrimPrefix(srv.URL, "http://") + "/team/app:v1")
	require.NoError(t, err)

	_, err = NewClient(ref).FetchManifest(context.Background(), "v1")
	require.ErrorIs(t, err, ErrRequestFailed)
	assert.Equal(t, issue.KindProtocol, issue.KindOf(err))
	assert.Equal(t, "registry request failed", err.Error())

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, "/v2/team/app/manifests/v1", statusErr.Path)

	hints := issue.HintsOf(err)
	require.Len(t, hints, 2)
	assert.Equal(t, "HTTP 404 Not Found while requesting /v2/team/app/manifests/v1", hints[0])
	assert.Equal(t, "Registry response: "+strings.Repeat("x", 220)+"...", hints[1])
}

func TestAuthFailures(t *testing.T) {
	tests := []struct {
		name      string
		challenge string
		token     string
		want      error
		wantHint  string
	}{
		{
			name:      "basic challenge",
			challenge: `Basic realm="registry"`,
			want:      ErrRequestFailed,
			wantHint:  "Registry requested authentication, but no supported Bearer challenge was provided.",
		},
		{
			name:      "no realm",
			challenge: `Bearer service="registry"`,
			want:      ErrRequestFailed,
			wantHint:  "Registry requested authentication, but no supported Bearer challenge was provided.",
		},
		{
			name:  "empty token",
			token: `{"expires_in":300}`,
			want:  ErrMissingToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var srv *httptest.Server
			r := mux.NewRouter()
			r.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.token))
			})
			r.HandleFunc("/v2/{name:.+}/manifests/{reference}", func(w http.ResponseWriter, _ *http.Request) {
				challenge := tt.challenge
				if challenge == "" {
					challenge = `Bearer realm="` + srv.URL + `/token"`
				}
				w.Header().Set("WWW-Authenticate", challenge)
				w.WriteHeader(http.StatusUnauthorized)
			})
			srv = httptest.NewServer(r)
			defer srv.Close()

			ref, err := oci.ParseImageReference(strings.TrimPrefix(srv.URL, "http://") + "/library/app")
			require.NoError(t, err)

			_, err = NewClient(ref).FetchManifest(context.Background(), "latest")
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, issue.KindProtocol, issue.KindOf(err))
			if tt.wantHint != "" {
				assert.Contains(t, issue.HintsOf(err), tt.wantHint)
			}
		})
	}
}

func TestFetchBlobToFile(t *testing.T) {
	f := newFakeRegistry(t, true)
	good := []byte("layer bytes")
	goodDigest := oci.FromBytes(good)
	f.blobs[goodDigest.String()] = good

	// served under a digest it does not hash to
	claimed := oci.FromBytes([]byte("what the manifest promised"))
	f.blobs[claimed.String()] = []byte("tampered")

	c := clientFor(t, f)
	dir := t.TempDir()

	dest := filepath.Join(dir, "blobs", "sha256", goodDigest.Encoded())
	require.NoError(t, c.FetchBlobToFile(context.Background(), goodDigest, dest))
	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, good, content)

	badDest := filepath.Join(dir, "blobs", "sha256", claimed.Encoded())
	err = c.FetchBlobToFile(context.Background(), claimed, badDest)
	require.ErrorIs(t, err, oci.ErrDigestMismatch)
	assert.Equal(t, issue.KindIntegrity, issue.KindOf(err))

	_, err = os.Stat(badDest)
	assert.True(t, os.IsNotExist(err))

	leftovers, err := filepath.Glob(filepath.Join(dir, "blobs", "sha256", ".download-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestFetchBlobToFileMissingBlob(t *testing.T) {
	f := newFakeRegistry(t, false)
	missing := oci.FromBytes([]byte("missing"))

	err := clientFor(t, f).FetchBlobToFile(context.Background(), missing, filepath.Join(t.TempDir(), "blob"))
	require.ErrorIs(t, err, ErrRequestFailed)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestParseChallenge(t *testing.T) {
	tests := []struct {
		header string
		want   *challenge
	}{
		{header: "", want: nil},
		{header: "Bearer", want: nil},
		{header: `Bearer service="x"`, want: nil},
		{
			header: `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/busybox:pull"`,
			want: &challenge{
				Scheme:  "Bearer",
				Realm:   "https://auth.docker.io/token",
				Service: "registry.docker.io",
				Scope:   "repository:library/busybox:pull",
			},
		},
		{
			header: `Bearer realm="https://ghcr.io/token", scope="repository:org/app:pull,push"`,
			want: &challenge{
				Scheme: "Bearer",
				Realm:  "https://ghcr.io/token",
				Scope:  "repository:org/app:pull,push",
			},
		},
		{
			header: `Basic realm=registry`,
			want:   &challenge{Scheme: "Basic", Realm: "registry"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, parseChallenge(tt.header))
		})
	}
}

func TestSchemeFor(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{host: "localhost:5000", want: "http"},
		{host: "127.0.0.1:5000", want: "http"},
		{host: "192.168.10.4:5000", want: "http"},
		{host: "ghcr.io", want: "https"},
		{host: "registry-1.docker.io", want: "https"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, schemeFor(tt.host), tt.host)
	}
}

func TestEscapeReference(t *testing.T) {
	assert.Equal(t, "v1.2", escapeReference("v1.2"))
	assert.Equal(t, "sha256:abc", escapeReference("sha256:abc"))
	assert.Equal(t, "a/b", escapeReference("a/b"))
	assert.Equal(t, "a%20b", escapeReference("a b"))
}
