package transfer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/upstream/internal/sourcetest"
	"github.com/NamanBalaji/upstream/internal/transfer"
	"github.com/NamanBalaji/upstream/pkg/datasource"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) listener() datasource.ListenerFuncs {
	return datasource.ListenerFuncs{
		OpenStarted: func(_ datasource.Source, spec datasource.Spec) {
			r.add("open %s", spec.URI)
		},
		BytesTransferred: func(_ datasource.Source, _ datasource.Spec, n int) {
			r.add("bytes %d", n)
		},
		Redirect: func(_ datasource.Source, _ datasource.Spec, target string) {
			r.add("redirect %s", target)
		},
		Closed: func(_ datasource.Source, spec datasource.Spec) {
			r.add("closed %s", spec.URI)
		},
	}
}

func TestSource_EventOrder(t *testing.T) {
	server := sourcetest.New(make([]byte, 25)).MaxRead(10)
	rec := &recorder{}

	src := transfer.NewFactory(server.Factory(), rec.listener()).Create()

	n, err := src.Open(context.Background(), datasource.MustSpec("res://a"))
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)

	buf := make([]byte, 32)

	for {
		_, err := src.Read(context.Background(), buf)
		if errors.Is(err, datasource.EndOfInput) {
			break
		}

		require.NoError(t, err)
	}

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	assert.Equal(t, []string{
		"open res://a",
		"bytes 10",
		"bytes 10",
		"bytes 5",
		"closed res://a",
	}, rec.events)
}

func TestSource_ReportsRedirect(t *testing.T) {
	server := sourcetest.New(make([]byte, 5)).RedirectTo("res://b")
	rec := &recorder{}

	src := transfer.New(server.Factory().Create(), rec.listener())
	defer src.Close()

	_, err := src.Open(context.Background(), datasource.MustSpec("res://a"))
	require.NoError(t, err)
	assert.Equal(t, "res://b", src.URI())
	assert.Equal(t, []string{"open res://a", "redirect res://b"}, rec.events)
}

func TestSource_FailedOpen(t *testing.T) {
	server := sourcetest.New(make([]byte, 5))
	server.FailOpens(sourcetest.ErrFatal)

	rec := &recorder{}

	src := transfer.New(server.Factory().Create(), rec.listener())

	_, err := src.Open(context.Background(), datasource.MustSpec("res://a"))
	assert.ErrorIs(t, err, sourcetest.ErrFatal)

	require.NoError(t, src.Close())
	assert.Equal(t, []string{"open res://a"}, rec.events)
	assert.Equal(t, 0, server.Handles())
}

func TestSource_ListenerPanicIsIsolated(t *testing.T) {
	server := sourcetest.New([]byte("hello"))

	panicky := datasource.ListenerFuncs{
		OpenStarted: func(datasource.Source, datasource.Spec) { panic("boom") },
		BytesTransferred: func(datasource.Source, datasource.Spec, int) {
			panic("boom")
		},
		Closed: func(datasource.Source, datasource.Spec) { panic("boom") },
	}

	src := transfer.New(server.Factory().Create(), panicky)

	n, err := src.Open(context.Background(), datasource.MustSpec("res://a"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	buf := make([]byte, 8)
	k, err := src.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:k]))

	assert.NoError(t, src.Close())
}

func TestSource_FansOutToListeners(t *testing.T) {
	server := sourcetest.New(make([]byte, 40))
	meter := transfer.NewMeter()
	rec := &recorder{}

	src := transfer.NewFactory(server.Factory(), meter, rec.listener()).Create()

	_, err := src.Open(context.Background(), datasource.MustSpec("res://a"))
	require.NoError(t, err)

	_, err = src.Read(context.Background(), make([]byte, 40))
	require.NoError(t, err)
	require.NoError(t, src.Close())

	snap := meter.Snapshot()
	assert.Equal(t, int64(40), snap.Transferred)
	assert.Equal(t, 1, snap.Transfers)
	assert.Len(t, rec.events, 3)
}
