package relay

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 is the declared relay checksum, not a security control
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/benchdepot/pkg/dataset"
)

// Validator fetches the tarball a manifest names, verifies it and registers
// it with the dataset store.
type Validator interface {
	Stream(ctx context.Context, m *Manifest) (*dataset.Tarball, error)
}

// TarballStreamer is the Validator used in production.
type TarballStreamer struct {
	fetcher    *Fetcher
	store      dataset.Store
	stagingDir string
	maxSize    int64
	logger     *slog.Logger
}

// NewTarballStreamer stages downloads under stagingDir. maxSize <= 0
// disables the size limit.
func NewTarballStreamer(f *Fetcher, store dataset.Store, stagingDir string, maxSize int64) *TarballStreamer {
	return &TarballStreamer{
		fetcher:    f,
		store:      store,
		stagingDir: stagingDir,
		maxSize:    maxSize,
		logger:     slog.Default().With("component", "relay"),
	}
}

func (v *TarballStreamer) Stream(ctx context.Context, m *Manifest) (*dataset.Tarball, error) {
	resp, err := v.fetcher.Get(ctx, m.URI)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tarball transfer abandoned: %w", ctx.Err())
		}
		var ferr *FetchError
		if errors.As(err, &ferr) && ferr.Kind == FetchStatus {
			return nil, Inconsistent(ferr.StatusCode, "Unable to retrieve relay tarball: '%s'", ferr.Reason)
		}
		if errors.As(err, &ferr) {
			return nil, BadGateway("Unable to connect to results URI: '%s'", ferr.Reason)
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if v.maxSize > 0 && resp.ContentLength > v.maxSize {
		return nil, v.tooLarge(resp.ContentLength)
	}

	file := filepath.Base(m.Name)
	if file == "." || file == ".." || file == string(filepath.Separator) {
		return nil, BadRequest("Relay tarball name '%s' is not a file name", m.Name)
	}

	if err := os.MkdirAll(v.stagingDir, 0o750); err != nil {
		return nil, fmt.Errorf("staging dir: %w", err)
	}
	dir, err := os.MkdirTemp(v.stagingDir, "relay-"+uuid.NewString()+"-")
	if err != nil {
		return nil, fmt.Errorf("staging dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			v.logger.WarnContext(ctx, "unable to remove staging dir", "dir", dir, "error", err)
		}
	}()

	path := filepath.Join(dir, file)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // path built from staging dir
	if err != nil {
		return nil, fmt.Errorf("staging file: %w", err)
	}
	n, sum, err := v.download(resp, f)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tarball transfer abandoned: %w", ctx.Err())
		}
		return nil, err
	}

	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return nil, BadRequest("Expected %d bytes, received %d", resp.ContentLength, n)
	}
	if sum != m.MD5 {
		return nil, BadRequest("MD5 checksum %s does not match expected %s", sum, m.MD5)
	}

	v.logger.InfoContext(ctx, "relay tarball received",
		"name", file, "size", humanize.IBytes(uint64(n)), "md5", sum) //nolint:gosec // n is non-negative

	tarball, err := v.store.Create(ctx, path)
	if err != nil {
		if errors.Is(err, dataset.ErrDuplicate) {
			return nil, Conflict("Dataset %s (%s) already exists", dataset.Stem(file), m.MD5)
		}
		return nil, fmt.Errorf("register tarball: %w", err)
	}
	return tarball, nil
}

// download copies the response body into f, closing it, and returns the
// byte count and MD5 of what was written. Read failures are upstream
// problems; write failures are local and stay untyped.
func (v *TarballStreamer) download(resp *http.Response, f *os.File) (int64, string, error) {
	src := &readTracker{r: resp.Body}
	var body io.Reader = src
	if v.maxSize > 0 {
		body = io.LimitReader(src, v.maxSize+1)
	}

	h := md5.New() //nolint:gosec
	n, err := io.Copy(io.MultiWriter(f, h), body)
	if cerr := f.Close(); err == nil && cerr != nil {
		return n, "", fmt.Errorf("staging file: %w", cerr)
	}
	if err != nil {
		if src.err != nil {
			return n, "", BadGateway("Unable to connect to results URI: '%s'", causeText(src.err))
		}
		return n, "", fmt.Errorf("staging file: %w", err)
	}
	if v.maxSize > 0 && n > v.maxSize {
		return n, "", v.tooLarge(n)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// readTracker remembers the first read error so it can be told apart from
// a write error after io.Copy.
type readTracker struct {
	r   io.Reader
	err error
}

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}

func (v *TarballStreamer) tooLarge(size int64) *Error {
	return &Error{
		Status: http.StatusRequestEntityTooLarge,
		Kind:   KindConsistency,
		Message: fmt.Sprintf("Relay tarball size %s exceeds the %s limit",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(v.maxSize))), //nolint:gosec // both positive
	}
}
