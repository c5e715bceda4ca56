package artifacts

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	storage_go "github.com/supabase-community/storage-go"

	"portalbridge/internal/config"
	"portalbridge/internal/logger"
)

type shot struct {
	data []byte
	err  error
}

func (s shot) Screenshot() ([]byte, error) { return s.data, s.err }

type fakeBucket struct {
	objects map[string][]byte
	err     error
}

func (f *fakeBucket) UploadFile(bucket, path string, data io.Reader, _ ...storage_go.FileOptions) (storage_go.FileUploadResponse, error) {
	if f.err != nil {
		return storage_go.FileUploadResponse{}, f.err
	}
	b, _ := io.ReadAll(data)
	f.objects[bucket+"/"+path] = b
	return storage_go.FileUploadResponse{}, nil
}

func newTestStore(t *testing.T, env string) *Store {
	t.Helper()
	s, err := New(config.Config{DataDir: t.TempDir(), AppEnv: env, SupabaseBucket: "artifacts"})
	require.NoError(t, err)
	s.log = logger.Nop()
	return s
}

func TestCapture_WritesLocalFile(t *testing.T) {
	s := newTestStore(t, "development")
	a, err := s.Capture(context.Background(), shot{data: []byte("png")}, "run-1", 3, "submit/insurer claims")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(s.Dir("run-1"), "0003_submit-insurer-claims.png"), a.Path)
	assert.Empty(t, a.Object)
	b, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	assert.Equal(t, "png", string(b))

	require.NoError(t, s.DeleteRun("run-1"))
	_, err = os.Stat(s.Dir("run-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestCapture_ScreenshotError(t *testing.T) {
	s := newTestStore(t, "development")
	_, err := s.Capture(context.Background(), shot{err: errors.New("target closed")}, "r", 1, "x")
	assert.ErrorContains(t, err, "target closed")
}

func TestSave_UploadsToBucket(t *testing.T) {
	s := newTestStore(t, "development")
	bucket := &fakeBucket{objects: map[string][]byte{}}
	s.remote = bucket

	a, err := s.Save("run-2", 1, "login", []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "artifacts/run-2/0001_login.png", a.Object)
	assert.Equal(t, []byte("img"), bucket.objects["artifacts/artifacts/run-2/0001_login.png"])
}

func TestSave_UploadFailure(t *testing.T) {
	dev := newTestStore(t, "development")
	dev.remote = &fakeBucket{err: errors.New("403")}
	a, err := dev.Save("r", 1, "x", []byte("img"))
	require.NoError(t, err)
	assert.FileExists(t, a.Path)

	prod := newTestStore(t, "production")
	prod.remote = &fakeBucket{err: errors.New("403")}
	_, err = prod.Save("r", 1, "x", []byte("img"))
	assert.Error(t, err)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "step", sanitize("///"))
	assert.Equal(t, "item-3-HC-001", sanitize("item 3: HC/001"))
	assert.Len(t, sanitize(string(make([]byte, 100))+"x"), 1)
}
