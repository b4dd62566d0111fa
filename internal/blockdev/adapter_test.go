package blockdev

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virt-tools/imageio-upload/internal/config"
	"github.com/virt-tools/imageio-upload/internal/imageio"
	"github.com/virt-tools/imageio-upload/internal/logging"
)

// stubEnvironment is a single httptest server playing both the engine API
// and the imageio data endpoint, which is exactly how an all-in-one oVirt
// deployment looks from the outside.
type stubEnvironment struct {
	url       string
	mu        sync.Mutex
	writes    []writeRecord
	patches   []patchRecord
	paused    bool
	deleted   bool
	finalized bool
	writeCode int // 0 means 200
	optionsFn func(w http.ResponseWriter)
}

type writeRecord struct {
	contentRange string
	size         int64
}

type patchRecord struct {
	Op     string `json:"op"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	Flush  bool   `json:"flush"`
}

func newStubEnvironment(t *testing.T) *stubEnvironment {
	t.Helper()
	env := &stubEnvironment{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /disks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"id": "d1", "status": "ok"})
	})
	mux.HandleFunc("GET /disks/d1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"id": "d1", "status": "ok"})
	})
	mux.HandleFunc("DELETE /disks/d1", func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		env.deleted = true
		env.mu.Unlock()
		writeJSON(w, http.StatusOK, struct{}{})
	})
	mux.HandleFunc("POST /imagetransfers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{
			"id":            "t1",
			"phase":         "transferring",
			"proxy_url":     env.url + "/images/ticket",
			"signed_ticket": "signed-ticket",
		})
	})
	mux.HandleFunc("GET /imagetransfers/t1", func(w http.ResponseWriter, r *http.Request) {
		// Transfer gone: the finalize success signal.
		writeJSON(w, http.StatusNotFound, struct{}{})
	})
	mux.HandleFunc("POST /imagetransfers/t1/finalize", func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		env.finalized = true
		env.mu.Unlock()
		writeJSON(w, http.StatusOK, struct{}{})
	})
	mux.HandleFunc("POST /imagetransfers/t1/pause", func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		env.paused = true
		env.mu.Unlock()
		writeJSON(w, http.StatusOK, struct{}{})
	})
	mux.HandleFunc("/images/ticket", func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		defer env.mu.Unlock()
		switch r.Method {
		case http.MethodOptions:
			if env.optionsFn != nil {
				env.optionsFn(w)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"features": []string{"flush", "zero", "trim"},
			})
		case http.MethodPut:
			if env.writeCode != 0 {
				w.WriteHeader(env.writeCode)
				return
			}
			env.writes = append(env.writes, writeRecord{
				contentRange: r.Header.Get("Content-Range"),
				size:         r.ContentLength,
			})
		case http.MethodPatch:
			var p patchRecord
			_ = json.NewDecoder(r.Body).Decode(&p)
			env.patches = append(env.patches, p)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	env.url = ts.URL
	return env
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testParams(t *testing.T, engineURL string) *config.Params {
	t.Helper()
	p := &config.Params{
		OutputConn:    engineURL,
		Insecure:      true,
		DiskFormat:    "raw",
		DiskSize:      10 * 1024 * 1024,
		DiskName:      "guest-sda",
		OutputStorage: "data",
		OutputSparse:  true,
		DiskIDFile:    filepath.Join(t.TempDir(), "disk.id"),
	}
	p.SetPassword("secret")
	return p
}

// Wait only engine-side polls; data-plane calls are all synchronous.
func fastPolls(h *Handle) {
	h.session.PollInterval = time.Millisecond
	h.session.Timeout = time.Second
}

func TestOpenUploadClose(t *testing.T) {
	env := newStubEnvironment(t)
	params := testParams(t, env.url)
	ctx := context.Background()

	h, err := Open(ctx, params, logging.NewNopLogger())
	require.NoError(t, err)
	fastPolls(h)

	assert.Equal(t, "d1", h.DiskID())
	assert.Equal(t, params.DiskSize, h.Size())
	assert.True(t, h.CanFlush())
	assert.True(t, h.CanTrim())

	require.NoError(t, h.Pwrite(ctx, make([]byte, 4096), 0))
	require.NoError(t, h.Zero(ctx, 65536, 4096, false))
	require.NoError(t, h.Flush(ctx))

	require.NoError(t, h.Close(ctx))

	// The handoff artifact holds exactly the disk id, nothing else.
	data, err := os.ReadFile(params.DiskIDFile)
	require.NoError(t, err)
	assert.Equal(t, "d1", string(data))

	env.mu.Lock()
	defer env.mu.Unlock()
	assert.True(t, env.finalized)
	assert.False(t, env.deleted)
	require.Len(t, env.writes, 1)
	assert.Equal(t, "bytes 0-4095/*", env.writes[0].contentRange)
	// One explicit zero, one explicit flush, one close-time flush.
	require.Len(t, env.patches, 3)
	assert.Equal(t, patchRecord{Op: "zero", Offset: 4096, Size: 65536}, env.patches[0])
	assert.Equal(t, "flush", env.patches[1].Op)
	assert.Equal(t, "flush", env.patches[2].Op)
}

func TestCloseIsIdempotent(t *testing.T) {
	env := newStubEnvironment(t)
	params := testParams(t, env.url)
	ctx := context.Background()

	h, err := Open(ctx, params, logging.NewNopLogger())
	require.NoError(t, err)
	fastPolls(h)

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Close(ctx))

	_, err = h.Pread(ctx, 512, 0)
	require.Error(t, err)
}

func TestWriteFailureCleansUp(t *testing.T) {
	env := newStubEnvironment(t)
	env.writeCode = http.StatusForbidden
	params := testParams(t, env.url)
	ctx := context.Background()

	h, err := Open(ctx, params, logging.NewNopLogger())
	require.NoError(t, err)
	fastPolls(h)

	err = h.Pwrite(ctx, make([]byte, 4096), 0)
	require.Error(t, err)
	reqErr, ok := imageio.AsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, reqErr.Status)

	// A failed handle refuses all further data operations.
	assert.ErrorIs(t, h.Pwrite(ctx, make([]byte, 512), 0), ErrHandleFailed)
	assert.ErrorIs(t, h.Zero(ctx, 512, 0, false), ErrHandleFailed)
	_, err = h.Pread(ctx, 512, 0)
	assert.ErrorIs(t, err, ErrHandleFailed)

	// Close tears the remote state down and reports the failed state
	// instead of finalizing a broken upload.
	assert.ErrorIs(t, h.Close(ctx), ErrHandleFailed)

	env.mu.Lock()
	defer env.mu.Unlock()
	assert.True(t, env.paused, "the engine's inactivity countdown must be stopped")
	assert.True(t, env.deleted)
	assert.False(t, env.finalized)

	_, statErr := os.Stat(params.DiskIDFile)
	assert.True(t, os.IsNotExist(statErr), "no artifact for a failed upload")
}

func TestZeroNativeNeverTrims(t *testing.T) {
	env := newStubEnvironment(t)
	params := testParams(t, env.url)
	ctx := context.Background()

	h, err := Open(ctx, params, logging.NewNopLogger())
	require.NoError(t, err)
	fastPolls(h)

	// Even when the caller permits trimming, zero means zero: a trimmed
	// block may read back as anything.
	require.NoError(t, h.Zero(ctx, 65536, 0, true))

	env.mu.Lock()
	defer env.mu.Unlock()
	require.Len(t, env.patches, 1)
	assert.Equal(t, "zero", env.patches[0].Op)
}

func TestTrim(t *testing.T) {
	env := newStubEnvironment(t)
	params := testParams(t, env.url)
	ctx := context.Background()

	h, err := Open(ctx, params, logging.NewNopLogger())
	require.NoError(t, err)
	fastPolls(h)

	require.NoError(t, h.Trim(ctx, 1048576, 0))

	env.mu.Lock()
	defer env.mu.Unlock()
	require.Len(t, env.patches, 1)
	assert.Equal(t, patchRecord{Op: "trim", Offset: 0, Size: 1048576}, env.patches[0])
}

// legacyHandle builds a handle against a server without the zero feature,
// forcing emulation. No engine objects exist, which also checks that the
// failure path copes with a handle that never got that far.
func legacyHandle(t *testing.T, env *stubEnvironment) *Handle {
	t.Helper()
	env.optionsFn = func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}

	log := logging.NewNopLogger()
	ch, err := imageio.NewChannel(env.url+"/images/ticket", imageio.Options{}, log)
	require.NoError(t, err)
	t.Cleanup(ch.Close)
	_, err = ch.NegotiateFeatures(context.Background())
	require.NoError(t, err)

	return &Handle{channel: ch, log: log}
}

func TestZeroEmulationSkipsUnwrittenSpace(t *testing.T) {
	env := newStubEnvironment(t)
	h := legacyHandle(t, env)
	ctx := context.Background()

	// Nothing written yet: the whole disk already reads as zero.
	require.NoError(t, h.Zero(ctx, 1048576, 0, false))
	require.NoError(t, h.Zero(ctx, 1048576, 10*1048576, false))

	env.mu.Lock()
	defer env.mu.Unlock()
	assert.Empty(t, env.writes)
}

func TestZeroEmulationOverwritesTouchedSpace(t *testing.T) {
	env := newStubEnvironment(t)
	h := legacyHandle(t, env)
	ctx := context.Background()

	require.NoError(t, h.Pwrite(ctx, make([]byte, 4096), 0))
	require.NoError(t, h.Zero(ctx, 1000000, 0, false))

	env.mu.Lock()
	defer env.mu.Unlock()
	// One real write, then the region emulated in 128 KiB chunks:
	// 7 full chunks plus a 82496-byte tail cover the million bytes.
	require.Len(t, env.writes, 9)
	var total int64
	for _, wr := range env.writes[1:] {
		assert.LessOrEqual(t, wr.size, int64(131072))
		total += wr.size
	}
	assert.Equal(t, int64(1000000), total)
	assert.Equal(t, "bytes 0-131071/*", env.writes[1].contentRange)
	assert.Equal(t, "bytes 917504-999999/*", env.writes[8].contentRange)
}

func TestZeroEmulationDoesNotAdvanceHighWaterMark(t *testing.T) {
	env := newStubEnvironment(t)
	h := legacyHandle(t, env)
	ctx := context.Background()

	require.NoError(t, h.Pwrite(ctx, make([]byte, 4096), 0))
	require.NoError(t, h.Zero(ctx, 131072, 0, false))

	// The emulated zeroes covered [0, 128 KiB) but wrote no data; a zero
	// of fresh space above the 4 KiB mark must still be skipped.
	require.NoError(t, h.Zero(ctx, 65536, 8192, false))

	env.mu.Lock()
	defer env.mu.Unlock()
	assert.Len(t, env.writes, 2)
}
