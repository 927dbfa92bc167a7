package control

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// artifactFetcher is the narrow view of *buildstore.Store the control
// server needs to resolve a deploy path that references an object-store
// key instead of a local directory.
type artifactFetcher interface {
	FetchArtifact(ctx context.Context, key string) ([]byte, error)
}

const s3PathPrefix = "s3://"

// resolveReleasePath returns a local directory deploy can read a
// tako.yaml manifest from. A plain filesystem path is returned as-is.
// An "s3://<key>" path is fetched via artifacts (if configured),
// gzip-tar-extracted into cacheDir/<app>/<version>, and that directory
// is returned instead.
func (s *Server) resolveReleasePath(ctx context.Context, appName, version, path string) (string, error) {
	key, ok := strings.CutPrefix(path, s3PathPrefix)
	if !ok {
		return path, nil
	}
	if s.artifacts == nil {
		return "", fmt.Errorf("deploy path %q references an object store but no build store is configured", path)
	}

	dest := filepath.Join(s.releaseCacheDir, appName, version)
	if _, err := os.Stat(filepath.Join(dest, manifestFileName)); err == nil {
		return dest, nil
	}

	data, err := s.artifacts.FetchArtifact(ctx, key)
	if err != nil {
		return "", fmt.Errorf("fetching release artifact: %w", err)
	}
	if err := extractTarGz(data, dest); err != nil {
		return "", fmt.Errorf("extracting release artifact: %w", err)
	}
	return dest, nil
}

// extractTarGz unpacks a gzip-compressed tar archive into dest, which
// is created if necessary. Entries that would escape dest via ".." are
// rejected; an absolute entry name is joined under dest.
func extractTarGz(data []byte, dest string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("creating release directory: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		target := filepath.Join(dest, hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
			return fmt.Errorf("tar entry %q escapes release directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o777))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}
