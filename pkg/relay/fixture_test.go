package relay

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/benchdepot/pkg/audit"
	"github.com/Mindburn-Labs/benchdepot/pkg/dataset"
	"github.com/Mindburn-Labs/benchdepot/pkg/util/resiliency"
)

const (
	primaryURI = "https://relay.example.com/uri1"
	tarballURI = "https://relay.example.com/uri2"
)

var frozenNow = time.Date(2023, 7, 1, 12, 0, 0, 0, time.UTC)

// route is a canned reply for one method and URL.
type route struct {
	status int
	body   []byte
	err    error
	// length overrides the declared Content-Length when non-nil.
	length *int64
}

// stubTransport answers from a route table and records every request.
// Unknown routes get 404.
type stubTransport struct {
	mu     sync.Mutex
	routes map[string]route
	calls  []string
	agents []string
}

func newStubTransport() *stubTransport {
	return &stubTransport{routes: make(map[string]route)}
}

func (s *stubTransport) on(method, url string, r route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.status == 0 {
		r.status = http.StatusOK
	}
	s.routes[method+" "+url] = r
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	key := req.Method + " " + req.URL.String()
	s.mu.Lock()
	s.calls = append(s.calls, key)
	s.agents = append(s.agents, req.Header.Get("User-Agent"))
	r, ok := s.routes[key]
	s.mu.Unlock()

	if !ok {
		r = route{status: http.StatusNotFound}
	}
	if r.err != nil {
		return nil, r.err
	}
	length := int64(len(r.body))
	if r.length != nil {
		length = *r.length
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.status, http.StatusText(r.status)),
		StatusCode:    r.status,
		Header:        http.Header{},
		Body:          io.NopCloser(bytes.NewReader(r.body)),
		ContentLength: length,
		Request:       req,
	}, nil
}

func (s *stubTransport) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func md5hex(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func manifestJSON(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return b
}

// fixture wires a real pipeline over a stub relay, a file-backed dataset
// store and an in-memory audit log.
type fixture struct {
	t         *testing.T
	transport *stubTransport
	fetcher   *Fetcher
	datasets  *dataset.Manager
	store     dataset.Store
	audit     *audit.MemoryStore
	recorder  *audit.Recorder
	tarball   []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	transport := newStubTransport()
	fetcher := NewFetcher(resiliency.NewEnhancedClient(resiliency.ClientOptions{
		Timeout:   5 * time.Second,
		UserAgent: "benchdepot-relay/test",
		Transport: transport,
	}))
	backend, err := dataset.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	mgr := dataset.NewManager(backend)
	mem := audit.NewMemoryStore()

	return &fixture{
		t:         t,
		transport: transport,
		fetcher:   fetcher,
		datasets:  mgr,
		store:     mgr,
		audit:     mem,
		recorder:  audit.NewRecorder(mem, audit.NewAtomicSequence(0)).WithClock(func() time.Time { return frozenNow }),
		tarball:   []byte("pretend this is an xz compressed benchmark tarball"),
	}
}

// serve publishes a manifest for f.tarball named name with the given tags.
func (f *fixture) serve(name string, metadata ...string) string {
	sum := md5hex(f.tarball)
	fields := map[string]any{
		"uri":    tarballURI,
		"name":   name,
		"md5":    sum,
		"access": "private",
	}
	if metadata != nil {
		fields["metadata"] = metadata
	}
	f.transport.on(http.MethodGet, primaryURI, route{body: manifestJSON(f.t, fields)})
	f.transport.on(http.MethodGet, tarballURI, route{body: f.tarball})
	return sum
}

func (f *fixture) intake() *Intake {
	return f.intakeWith(NewManifestResolver(f.fetcher), NewTarballStreamer(f.fetcher, f.store, f.t.TempDir(), 0))
}

func (f *fixture) intakeWith(r Resolver, v Validator) *Intake {
	return NewIntake(r, v, NewCleaner(f.fetcher), f.store, f.recorder, IntakeOptions{
		Now: func() time.Time { return frozenNow },
	})
}

func (f *fixture) records() []*audit.Record {
	f.t.Helper()
	recs, err := f.audit.Query(context.Background(), audit.Filter{})
	require.NoError(f.t, err)
	return recs
}

var actor = audit.Actor{ID: "3", Name: "drb"}

// Stub collaborators for paths the real ones can't reach on demand.

type resolverFunc func(ctx context.Context, uri string) (*Manifest, error)

func (f resolverFunc) Resolve(ctx context.Context, uri string) (*Manifest, error) { return f(ctx, uri) }

type validatorFunc func(ctx context.Context, m *Manifest) (*dataset.Tarball, error)

func (f validatorFunc) Stream(ctx context.Context, m *Manifest) (*dataset.Tarball, error) {
	return f(ctx, m)
}

// forgetfulStore never finds existing datasets, so duplicates are only
// caught when the tarball is registered.
type forgetfulStore struct {
	*dataset.Manager
}

func (forgetfulStore) Find(context.Context, string) (*dataset.Tarball, error) {
	return nil, dataset.ErrNotFound
}

// brokenMetadataStore fails every metadata update.
type brokenMetadataStore struct {
	*dataset.Manager
}

func (brokenMetadataStore) SetMetadata(context.Context, string, map[string]any) error {
	return errors.New("metadata volume is read-only")
}
