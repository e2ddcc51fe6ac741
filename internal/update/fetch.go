package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// artifactDirPermissions is the permission mode for the download directory.
const artifactDirPermissions = 0750

// Fetch downloads one catalog artifact into destDir, verifying its SHA-256
// digest against the descriptor. Returns the path of the downloaded file.
//
// The file is written to a temporary name and renamed into place only after
// the digest checks out, so a partially downloaded or corrupted artifact is
// never left under its final name. A file already present with the correct
// digest is reused without re-downloading.
func (r *Registry) Fetch(ctx context.Context, fd FileDescriptor, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, artifactDirPermissions); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}

	dest := filepath.Join(destDir, artifactName(fd))

	// Reuse a previous download when it still matches.
	if ok, err := digestMatches(dest, fd.SHA256); err == nil && ok {
		return dest, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fd.URL, nil)
	if err != nil {
		return "", fmt.Errorf("building artifact request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", fd.URL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // Read side only

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading %s: unexpected status %s", fd.URL, resp.Status)
	}

	tmp, err := os.CreateTemp(destDir, ".fetch-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // No-op after successful rename

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), resp.Body); err != nil {
		tmp.Close() //nolint:errcheck // Best effort on error path
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing artifact: %w", err)
	}

	if fd.SHA256 != "" {
		got := hex.EncodeToString(hash.Sum(nil))
		if !strings.EqualFold(got, fd.SHA256) {
			return "", fmt.Errorf("%w: %s: got %s, want %s", ErrChecksumMismatch, fd.URL, got, fd.SHA256)
		}
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("moving artifact into place: %w", err)
	}

	return dest, nil
}

// artifactName derives a stable local filename for a descriptor.
func artifactName(fd FileDescriptor) string {
	name := path.Base(fd.URL)
	if name == "" || name == "." || name == "/" {
		name = fd.Type
	}
	return name
}

// digestMatches reports whether the file at p hashes to want (hex SHA-256).
// An empty want never matches, forcing a re-download.
func digestMatches(p, want string) (bool, error) {
	if want == "" {
		return false, nil
	}

	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close() //nolint:errcheck // Read side only

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return false, err
	}

	return strings.EqualFold(hex.EncodeToString(hash.Sum(nil)), want), nil
}
