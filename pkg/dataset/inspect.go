package dataset

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const maxMetadataLogBytes = 1 << 20

// readMetadataLog extracts <dataset>/metadata.log from a tarball and
// returns it as {section: {key: value}}. Archives whose compression can't
// be read (xz) and archives without the file yield nil.
func readMetadataLog(filename string) (map[string]any, error) {
	f, err := os.Open(filename) //nolint:gosec // staged by intake
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader
	switch {
	case strings.HasSuffix(filename, ".tar.gz"), strings.HasSuffix(filename, ".tgz"):
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	case strings.HasSuffix(filename, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(filename, ".tar"):
		r = f
	default:
		return nil, nil
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("tar: %w", err)
		}
		name := strings.TrimPrefix(path.Clean(hdr.Name), "./")
		dir, base := path.Split(name)
		if base != "metadata.log" || strings.Count(dir, "/") != 1 {
			continue
		}
		return parseMetadataLog(io.LimitReader(tr, maxMetadataLogBytes))
	}
}

// parseMetadataLog reads the "[section]" / "key = value" format benchmark
// tools write. Keys outside a section are dropped.
func parseMetadataLog(r io.Reader) (map[string]any, error) {
	out := make(map[string]any)
	var section map[string]any

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			existing, ok := out[name].(map[string]any)
			if !ok {
				existing = make(map[string]any)
				out[name] = existing
			}
			section = existing
			continue
		}
		if section == nil {
			continue
		}
		sep := strings.IndexAny(line, "=:")
		if sep <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:sep])
		section[key] = strings.TrimSpace(line[sep+1:])
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
