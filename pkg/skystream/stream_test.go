package skystream

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/skystream/pkg/portalpool"
	"github.com/marmos91/skystream/pkg/skynet"
)

// fakePortal is a content-addressed in-memory portal: uploads are stored
// under a hash-derived skylink, downloads serve them back.
type fakePortal struct {
	mu     sync.Mutex
	stored map[string][]byte
}

func linkFor(data []byte) string {
	sum := sha256.Sum256(data)
	link := base64.RawURLEncoding.EncodeToString(sum[:])
	// Pad deterministically up to skylink length.
	for len(link) < 46 {
		link += "A"
	}
	return link[:46]
}

func (f *fakePortal) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			require.NoError(t, r.ParseMultipartForm(1<<28))
			file, _, err := r.FormFile("file")
			require.NoError(t, err)
			defer file.Close()
			data, err := io.ReadAll(file)
			require.NoError(t, err)

			link := linkFor(data)
			f.mu.Lock()
			f.stored[link] = data
			f.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{"skylink": link})
		case http.MethodGet:
			link := strings.TrimPrefix(r.URL.Path, "/")
			f.mu.Lock()
			data, ok := f.stored[link]
			f.mu.Unlock()
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(data)
		}
	})
}

func newTestStream(t *testing.T) (*Stream, *httptest.Server) {
	t.Helper()
	fake := &fakePortal{stored: make(map[string][]byte)}
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	mp := skynet.NewMultiportal([]string{server.URL}, server.Client())
	pool := portalpool.New(mp, portalpool.Config{
		DownloadWorkers:   2,
		UploadWorkers:     2,
		DownloadBandwidth: 1 << 30,
		UploadBandwidth:   1 << 30,
	}, nil)
	return Open(pool, NewManifest("test"), nil), server
}

func TestWriteReadRoundTrip(t *testing.T) {
	s, _ := newTestStream(t)

	require.NoError(t, s.Write([]byte("hello "), AxisBytes, 0))
	require.NoError(t, s.Write([]byte("world"), AxisBytes, 6))

	first, last, err := s.Span(AxisBytes)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first)
	assert.Equal(t, uint64(11), last)

	data, err := s.Read(AxisBytes, 0, ReadModeReal, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello "), data)

	data, err = s.Read(AxisBytes, 8, ReadModeReal, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), data)
}

func TestWriteRequiresTip(t *testing.T) {
	s, _ := newTestStream(t)
	require.NoError(t, s.Write([]byte("abc"), AxisBytes, 0))

	err := s.Write([]byte("xyz"), AxisBytes, 1)
	assert.ErrorIs(t, err, ErrNotAppend)
}

func TestBlockSpan(t *testing.T) {
	s, _ := newTestStream(t)
	require.NoError(t, s.Write(make([]byte, 64), AxisBytes, 0))
	require.NoError(t, s.Write(make([]byte, 64), AxisBytes, 64))

	first, last, err := s.BlockSpan(AxisBytes, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), first)
	assert.Equal(t, uint64(128), last)

	_, _, err = s.BlockSpan(AxisBytes, 128, nil)
	assert.ErrorIs(t, err, ErrEndOfStream)

	_, _, err = s.BlockSpan("time", 0, nil)
	assert.ErrorIs(t, err, ErrUnknownAxis)
}

func TestManifestResume(t *testing.T) {
	s, server := newTestStream(t)
	require.NoError(t, s.Write([]byte("persisted"), AxisBytes, 0))

	raw := s.Identifiers()
	manifest, err := ParseManifest(raw)
	require.NoError(t, err)

	mp := skynet.NewMultiportal([]string{server.URL}, server.Client())
	pool := portalpool.New(mp, portalpool.Config{DownloadWorkers: 1, UploadWorkers: 1}, nil)
	resumed := Open(pool, manifest, nil)

	_, last, err := resumed.Span(AxisBytes)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), last)

	data, err := resumed.Read(AxisBytes, 0, ReadModeReal, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), data)
}

func TestManifestValidation(t *testing.T) {
	_, err := ParseManifest(json.RawMessage(`{"version":1,"blocks":[{"skylink":"x","offset":5,"length":1}],"tip":6}`))
	assert.Error(t, err, "non-contiguous blocks must be rejected")

	_, err = ParseManifest(json.RawMessage(`{"version":9,"blocks":[{"skylink":"x","offset":0,"length":1}],"tip":1}`))
	assert.Error(t, err, "unknown versions must be rejected")

	m, err := ParseManifest(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), m.Tip)
}

func TestManifestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/stream.json"

	// Missing file yields a fresh manifest.
	m, err := LoadManifestFile(path)
	require.NoError(t, err)
	assert.Zero(t, m.Tip)

	m.Name = "mystream"
	m.Blocks = []BlockRecord{{Skylink: "link", Offset: 0, Length: 4}}
	m.Tip = 4
	require.NoError(t, SaveManifestFile(m, path))

	loaded, err := LoadManifestFile(path)
	require.NoError(t, err)
	assert.Equal(t, m, loaded)

	// No temp residue from the atomic replace.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 1)
}
