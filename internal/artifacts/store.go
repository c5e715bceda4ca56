// Package artifacts keeps debugging screenshots taken during runs.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/antoineross/supabase-go"
	storage_go "github.com/supabase-community/storage-go"

	"portalbridge/internal/config"
	"portalbridge/internal/logger"
)

// Capturer produces a screenshot; browser sessions implement it.
type Capturer interface {
	Screenshot() ([]byte, error)
}

// Artifact locates a stored screenshot.
type Artifact struct {
	Path   string `json:"path"`
	Object string `json:"object,omitempty"`
}

type uploader interface {
	UploadFile(bucketId string, relativePath string, data io.Reader, fileOptions ...storage_go.FileOptions) (storage_go.FileUploadResponse, error)
}

// Store writes screenshots under DATA_DIR/artifacts/<run>/ and mirrors them
// to a Supabase bucket when one is configured.
type Store struct {
	dir    string
	bucket string
	strict bool
	remote uploader
	log    *logger.Logger
}

func New(cfg config.Config) (*Store, error) {
	s := &Store{
		dir:    filepath.Join(cfg.DataDir, "artifacts"),
		bucket: cfg.SupabaseBucket,
		strict: cfg.AppEnv == "production",
		log:    logger.New("Artifacts"),
	}
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceKey != "" {
		client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, nil)
		if err != nil {
			if s.strict {
				return nil, fmt.Errorf("failed to initialize Supabase client in production: %w", err)
			}
			s.log.LogWarnf("failed to initialize Supabase client: %v", err)
		} else {
			s.remote = client.Storage
		}
	}
	return s, nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitize turns a step label into a file name component.
func sanitize(label string) string {
	out := strings.Trim(unsafeChars.ReplaceAllString(label, "-"), "-.")
	if len(out) > 64 {
		out = out[:64]
	}
	if out == "" {
		out = "step"
	}
	return out
}

// Name returns the file name used for a step screenshot.
func Name(ordinal int, label string) string {
	return fmt.Sprintf("%04d_%s.png", ordinal, sanitize(label))
}

// Capture takes a screenshot and stores it. Artifacts are for post-hoc
// debugging only, so callers usually log a failure and carry on.
func (s *Store) Capture(ctx context.Context, c Capturer, runID string, ordinal int, label string) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	data, err := c.Screenshot()
	if err != nil {
		return Artifact{}, fmt.Errorf("screenshot: %w", err)
	}
	return s.Save(runID, ordinal, label, data)
}

// Save writes data as the artifact for one step.
func (s *Store) Save(runID string, ordinal int, label string, data []byte) (Artifact, error) {
	run := sanitize(runID)
	name := Name(ordinal, label)
	dir := filepath.Join(s.dir, run)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create artifact dir: %w", err)
	}
	a := Artifact{Path: filepath.Join(dir, name)}
	if err := os.WriteFile(a.Path, data, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("write artifact: %w", err)
	}

	if s.remote != nil && s.bucket != "" {
		object := filepath.ToSlash(filepath.Join("artifacts", run, name))
		mimeType := "image/png"
		upsert := true
		if _, err := s.remote.UploadFile(s.bucket, object, bytes.NewReader(data), storage_go.FileOptions{ContentType: &mimeType, Upsert: &upsert}); err != nil {
			s.log.LogWarnf("Supabase upload failed for %s: %v", object, err)
			if s.strict {
				return a, fmt.Errorf("upload artifact: %w", err)
			}
			return a, nil
		}
		a.Object = object
	}
	s.log.LogDebugf("artifact saved: %s", a.Path)
	return a, nil
}

// DeleteRun removes the local artifacts of a run.
func (s *Store) DeleteRun(runID string) error {
	return os.RemoveAll(filepath.Join(s.dir, sanitize(runID)))
}

// Dir returns the local artifact directory of a run.
func (s *Store) Dir(runID string) string {
	return filepath.Join(s.dir, sanitize(runID))
}
