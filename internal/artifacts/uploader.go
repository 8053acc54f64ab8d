package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"testworker/internal/models"
)

// UploadRequest names the directory to publish and where it should live
type UploadRequest struct {
	SourceDir  string
	EntityID   string
	KeyPrefix  string
	EntityType models.EntityType

	// IndexFile is the page the returned URL points at, relative to SourceDir.
	// Defaults to index.html.
	IndexFile string
}

// UploadResult is a degrade-able outcome: a failed upload is a normal value, not an error
type UploadResult struct {
	Success   bool
	ReportURL string
	Error     string
}

// DirUploader publishes artifact directories by copying them under a root directory that
// is served at BaseURL
type DirUploader struct {
	Root    string
	BaseURL string
}

func NewDirUploader(root, baseURL string) *DirUploader {
	return &DirUploader{Root: root, BaseURL: strings.TrimRight(baseURL, "/")}
}

// UploadReport copies the source directory to <root>/<keyPrefix> and returns the URL of
// its index page
func (u *DirUploader) UploadReport(ctx context.Context, req UploadRequest) UploadResult {
	fail := func(err error) UploadResult {
		log.Warn().
			Err(err).
			Str("entity_id", req.EntityID).
			Str("entity_type", string(req.EntityType)).
			Msg("Could not upload report")
		return UploadResult{Error: err.Error()}
	}

	key := path.Clean("/" + filepath.ToSlash(req.KeyPrefix))
	if key == "/" {
		return fail(errors.New("key prefix is empty"))
	}

	fi, err := os.Stat(req.SourceDir)
	if err != nil {
		return fail(fmt.Errorf("source directory unavailable: %w", err))
	}
	if !fi.IsDir() {
		return fail(fmt.Errorf("%s is not a directory", req.SourceDir))
	}

	dest := filepath.Join(u.Root, filepath.FromSlash(key))
	if err := os.RemoveAll(dest); err != nil {
		return fail(err)
	}
	if err := copyTree(ctx, req.SourceDir, dest); err != nil {
		return fail(err)
	}

	index := req.IndexFile
	if index == "" {
		index = "index.html"
	}
	reportURL, err := url.JoinPath(u.BaseURL, key, path.Clean("/"+filepath.ToSlash(index)))
	if err != nil {
		return fail(err)
	}
	return UploadResult{Success: true, ReportURL: reportURL}
}

func copyTree(ctx context.Context, src, dest string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return copyFile(p, target)
		default:
			// links and devices never leave the sandbox output
			return nil
		}
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
