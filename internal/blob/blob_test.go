package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestSafeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"attempt-1_part-2.webm", "attempt-1_part-2.webm"},
		{"../../etc/passwd", "passwd"},
		{"Bài nói 1.m4a", "B_i_n_i_1.m4a"},
		{"...", "recording"},
		{"", "recording"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SafeName(tt.in), "SafeName(%q)", tt.in)
	}
}

func TestFSStorePut(t *testing.T) {
	dir := t.TempDir()
	s := FSStore{Dir: dir + "/recordings"}

	ref, err := s.Put(context.Background(), "part 1.webm", "audio/webm", strings.NewReader("audio-bytes"))
	require.NoError(t, err)
	assert.Equal(t, dir+"/recordings/part_1.webm", ref)

	data, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(data))

	entries, err := os.ReadDir(dir + "/recordings")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp upload file should be gone")
}

func TestFSStoreCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FSStore{Dir: t.TempDir()}.Put(ctx, "a.webm", "audio/webm", strings.NewReader("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDriveStorePut(t *testing.T) {
	var body string
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/files") {
			http.NotFound(w, r)
			return
		}
		query = r.URL.RawQuery
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id": "file-1", "webViewLink": "https://drive.example/file-1"}`)
	}))
	defer srv.Close()

	d, err := NewDrive(context.Background(), "folder-9",
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	ref, err := d.Put(context.Background(), "attempt 3 part 1.webm", "audio/webm", strings.NewReader("audio-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "https://drive.example/file-1", ref)
	assert.Contains(t, query, "uploadType=multipart")
	assert.Contains(t, body, "folder-9")
	assert.Contains(t, body, "attempt_3_part_1.webm")
	assert.Contains(t, body, "audio-bytes")
}

func TestFSStoreGet(t *testing.T) {
	s := FSStore{Dir: t.TempDir()}
	ctx := context.Background()

	_, err := s.Get(ctx, "missing.webm")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Put(ctx, "part 2.webm", "audio/webm", strings.NewReader("spoken"))
	require.NoError(t, err)
	rc, err := s.Get(ctx, "part 2.webm")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "spoken", string(data))
}

func TestDriveStoreGet(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/files"):
			query = r.URL.Query().Get("q")
			w.Header().Set("Content-Type", "application/json")
			if strings.Contains(query, "missing") {
				io.WriteString(w, `{"files": []}`)
				return
			}
			io.WriteString(w, `{"files": [{"id": "file-7"}]}`)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/files/file-7"):
			io.WriteString(w, "audio-bytes")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d, err := NewDrive(context.Background(), "folder-9",
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	rc, err := d.Get(context.Background(), "attempt 3 part 1.webm")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(data))
	assert.Contains(t, query, "name = 'attempt_3_part_1.webm'")
	assert.Contains(t, query, "'folder-9' in parents")

	_, err = d.Get(context.Background(), "missing.webm")
	assert.ErrorIs(t, err, ErrNotFound)
}
