package http_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpsource "github.com/NamanBalaji/upstream/internal/http"
	"github.com/NamanBalaji/upstream/pkg/datasource"
	httpPkg "github.com/NamanBalaji/upstream/pkg/http"
)

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}

	return data
}

func rangeServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "res.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(ts.Close)

	return ts
}

func newSource(opts ...httpsource.Option) *httpsource.Source {
	return httpsource.New(httpPkg.NewClient(httpPkg.Options{}), opts...)
}

func readAll(t *testing.T, src datasource.Source, bufSize int) ([]byte, []int) {
	t.Helper()

	var (
		out   []byte
		sizes []int
	)

	buf := make([]byte, bufSize)

	for {
		n, err := src.Read(context.Background(), buf)
		if errors.Is(err, datasource.EndOfInput) {
			require.Zero(t, n)
			return out, sizes
		}

		require.NoError(t, err)
		require.Positive(t, n)

		out = append(out, buf[:n]...)
		sizes = append(sizes, n)
	}
}

func TestSource_BoundedRange(t *testing.T) {
	data := testData(1000)
	ts := rangeServer(t, data)

	src := newSource()
	defer src.Close()

	n, err := src.Open(context.Background(), datasource.MustSpec(ts.URL+"/a", datasource.WithPosition(100), datasource.WithLength(50)))
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)

	got, sizes := readAll(t, src, 10)
	assert.Equal(t, data[100:150], got)
	assert.Equal(t, []int{10, 10, 10, 10, 10}, sizes)
}

func TestSource_OpenEnded(t *testing.T) {
	data := testData(1000)
	ts := rangeServer(t, data)

	src := newSource()
	defer src.Close()

	n, err := src.Open(context.Background(), datasource.MustSpec(ts.URL, datasource.WithPosition(900)))
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)

	got, _ := readAll(t, src, 64)
	assert.Equal(t, data[900:], got)
}

func TestSource_PositionAtEnd(t *testing.T) {
	ts := rangeServer(t, testData(1000))

	src := newSource()
	defer src.Close()

	n, err := src.Open(context.Background(), datasource.MustSpec(ts.URL, datasource.WithPosition(1000)))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = src.Read(context.Background(), make([]byte, 8))
	assert.ErrorIs(t, err, datasource.EndOfInput)
}

func TestSource_BoundedRangePastEnd(t *testing.T) {
	ts := rangeServer(t, testData(1000))

	src := newSource()

	n, err := src.Open(context.Background(), datasource.MustSpec(ts.URL, datasource.WithPosition(900), datasource.WithLength(200)))
	require.Error(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, datasource.ErrPositionOutOfRange)
	assert.False(t, datasource.IsRetryable(err))
	assert.True(t, datasource.IsOp(err, datasource.OpOpen))

	assert.NoError(t, src.Close())
	assert.Empty(t, src.URI())
}

func TestSource_Redirect(t *testing.T) {
	data := testData(200)

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "new.bin", time.Time{}, bytes.NewReader(data))
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	src := newSource()

	assert.Empty(t, src.URI())

	_, err := src.Open(context.Background(), datasource.MustSpec(ts.URL+"/old", datasource.WithLength(20)))
	require.NoError(t, err)
	assert.Equal(t, ts.URL+"/new", src.URI())

	got, _ := readAll(t, src, 32)
	assert.Equal(t, data[:20], got)

	require.NoError(t, src.Close())
	assert.Empty(t, src.URI())
}

func TestSource_ServerIgnoresRange(t *testing.T) {
	data := testData(500)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	}))
	defer ts.Close()

	t.Run("bounded", func(t *testing.T) {
		src := newSource()
		defer src.Close()

		n, err := src.Open(context.Background(), datasource.MustSpec(ts.URL, datasource.WithPosition(100), datasource.WithLength(50)))
		require.NoError(t, err)
		assert.Equal(t, int64(50), n)

		got, _ := readAll(t, src, 16)
		assert.Equal(t, data[100:150], got)
	})

	t.Run("open ended", func(t *testing.T) {
		src := newSource()
		defer src.Close()

		n, err := src.Open(context.Background(), datasource.MustSpec(ts.URL, datasource.WithPosition(450)))
		require.NoError(t, err)
		assert.Equal(t, int64(50), n)

		got, _ := readAll(t, src, 16)
		assert.Equal(t, data[450:], got)
	})

	t.Run("past the end", func(t *testing.T) {
		src := newSource()
		defer src.Close()

		_, err := src.Open(context.Background(), datasource.MustSpec(ts.URL, datasource.WithPosition(400), datasource.WithLength(200)))
		assert.ErrorIs(t, err, datasource.ErrPositionOutOfRange)
	})
}

func TestSource_UnknownLength(t *testing.T) {
	data := testData(300)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)

		for i := 0; i < len(data); i += 100 {
			_, _ = w.Write(data[i : i+100])
			flusher.Flush()
		}
	}))
	defer ts.Close()

	src := newSource()
	defer src.Close()

	n, err := src.Open(context.Background(), datasource.MustSpec(ts.URL))
	require.NoError(t, err)
	assert.Equal(t, datasource.LengthUnbounded, n)

	got, _ := readAll(t, src, 64)
	assert.Equal(t, data, got)
}

func TestSource_Gzip(t *testing.T) {
	data := bytes.Repeat([]byte("compressible "), 100)

	var acceptEncoding atomic.Value

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acceptEncoding.Store(r.Header.Get("Accept-Encoding"))
		if r.Header.Get("Accept-Encoding") != "gzip" {
			_, _ = w.Write(data)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")

		gw := gzip.NewWriter(w)
		_, _ = gw.Write(data)
		_ = gw.Close()
	}))
	defer ts.Close()

	t.Run("negotiated", func(t *testing.T) {
		src := newSource()
		defer src.Close()

		n, err := src.Open(context.Background(), datasource.MustSpec(ts.URL, datasource.WithFlags(datasource.FlagAllowGzip)))
		require.NoError(t, err)
		assert.Equal(t, "gzip", acceptEncoding.Load())
		assert.Equal(t, datasource.LengthUnbounded, n)

		got, _ := readAll(t, src, 100)
		assert.Equal(t, data, got)
	})

	t.Run("identity by default", func(t *testing.T) {
		src := newSource()
		defer src.Close()

		n, err := src.Open(context.Background(), datasource.MustSpec(ts.URL))
		require.NoError(t, err)
		assert.Equal(t, "identity", acceptEncoding.Load())
		assert.Equal(t, int64(len(data)), n)
	})
}

func TestSource_Headers(t *testing.T) {
	headers := make(chan http.Header, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	src := newSource(httpsource.WithHeaders(map[string]string{"X-Default": "a", "X-Both": "default"}))
	defer src.Close()

	spec := datasource.MustSpec(ts.URL, datasource.WithHeaders(map[string]string{"X-Both": "spec"}))

	_, err := src.Open(context.Background(), spec)
	require.NoError(t, err)

	got := <-headers
	assert.Equal(t, "a", got.Get("X-Default"))
	assert.Equal(t, "spec", got.Get("X-Both"))
}

func TestSource_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
		category  datasource.ErrorCategory
	}{
		{"not found", http.StatusNotFound, false, datasource.CategoryResource},
		{"forbidden", http.StatusForbidden, false, datasource.CategorySecurity},
		{"unavailable", http.StatusServiceUnavailable, true, datasource.CategoryProtocol},
		{"throttled", http.StatusTooManyRequests, true, datasource.CategoryProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tt.name, tt.status)
			}))
			defer ts.Close()

			src := newSource()

			_, err := src.Open(context.Background(), datasource.MustSpec(ts.URL))
			require.Error(t, err)

			assert.True(t, datasource.IsOp(err, datasource.OpOpen))
			assert.Equal(t, tt.retryable, datasource.IsRetryable(err))

			code, ok := datasource.StatusCode(err)
			assert.True(t, ok)
			assert.Equal(t, tt.status, code)

			var dsErr *datasource.Error
			require.True(t, errors.As(err, &dsErr))
			assert.Equal(t, tt.category, dsErr.Category)

			assert.Empty(t, src.URI())
			assert.NoError(t, src.Close())
			assert.NoError(t, src.Close())
		})
	}
}

func TestSource_PrematureEOF(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write(testData(40))
	}))
	defer ts.Close()

	src := newSource()
	defer src.Close()

	n, err := src.Open(context.Background(), datasource.MustSpec(ts.URL))
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)

	buf := make([]byte, 100)

	var readErr error

	total := 0
	for readErr == nil {
		var k int

		k, readErr = src.Read(context.Background(), buf)
		total += k
	}

	assert.Equal(t, 40, total)
	assert.True(t, datasource.IsOp(readErr, datasource.OpRead))
	assert.True(t, datasource.IsRetryable(readErr))
}

func TestSource_CancelBlockedRead(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write(testData(10))
		w.(http.Flusher).Flush()

		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer ts.Close()

	src := newSource()
	defer src.Close()

	_, err := src.Open(context.Background(), datasource.MustSpec(ts.URL))
	require.NoError(t, err)

	buf := make([]byte, 100)

	for received := 0; received < 10; {
		n, err := src.Read(context.Background(), buf)
		require.NoError(t, err)

		received += n
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = src.Read(ctx, buf)
	require.Error(t, err)
	assert.True(t, datasource.IsCancellation(err))
	assert.False(t, datasource.IsRetryable(err))
}

func TestSource_OpenCancelled(t *testing.T) {
	ts := rangeServer(t, testData(10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := newSource()
	defer src.Close()

	_, err := src.Open(ctx, datasource.MustSpec(ts.URL))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSource_ReadContract(t *testing.T) {
	ts := rangeServer(t, testData(10))

	src := newSource()
	defer src.Close()

	_, err := src.Read(context.Background(), make([]byte, 4))
	assert.ErrorIs(t, err, datasource.ErrNotOpen)

	_, err = src.Open(context.Background(), datasource.MustSpec(ts.URL))
	require.NoError(t, err)

	_, err = src.Read(context.Background(), nil)
	assert.ErrorIs(t, err, datasource.ErrEmptyBuffer)

	_, err = src.Open(context.Background(), datasource.MustSpec(ts.URL))
	assert.ErrorIs(t, err, datasource.ErrAlreadyOpen)

	r := datasource.NewReader(context.Background(), newSource(), datasource.MustSpec(ts.URL))
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, testData(10), got)
}
