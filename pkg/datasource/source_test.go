package datasource_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/upstream/internal/sourcetest"
	"github.com/NamanBalaji/upstream/pkg/datasource"
)

func TestEndOfInputIsEOF(t *testing.T) {
	assert.ErrorIs(t, datasource.EndOfInput, io.EOF)
}

func TestReader(t *testing.T) {
	data := []byte("the quick brown fox")
	server := sourcetest.New(data).MaxRead(3)

	r := datasource.NewReader(context.Background(), server.Factory().Create(), datasource.MustSpec("res://fox", datasource.WithPosition(4)))
	assert.Equal(t, datasource.LengthUnbounded, r.Length())

	n, err := r.Open()
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)-4), n)
	assert.Equal(t, n, r.Length())

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data[4:], got)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 1, server.Opens())
	assert.Equal(t, 0, server.Handles())

	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, datasource.ErrNotOpen)
}

func TestReader_OpenError(t *testing.T) {
	server := sourcetest.New([]byte("abc"))
	server.FailOpens(sourcetest.ErrFatal)

	r := datasource.NewReader(context.Background(), server.Factory().Create(), datasource.MustSpec("res://a"))

	_, err := r.Read(make([]byte, 4))
	assert.ErrorIs(t, err, sourcetest.ErrFatal)

	require.NoError(t, r.Close())
}

func TestCheckRead(t *testing.T) {
	assert.ErrorIs(t, datasource.CheckRead(false, make([]byte, 1)), datasource.ErrNotOpen)
	assert.ErrorIs(t, datasource.CheckRead(true, nil), datasource.ErrEmptyBuffer)
	assert.NoError(t, datasource.CheckRead(true, make([]byte, 1)))
}

func TestFactoryFunc(t *testing.T) {
	server := sourcetest.New([]byte("abc"))
	f := server.Factory()

	a := f.Create()
	b := f.Create()

	assert.NotSame(t, a, b)

	_, err := a.Open(context.Background(), datasource.MustSpec("res://a"))
	require.NoError(t, err)

	assert.Empty(t, b.URI())
	assert.Equal(t, 1, server.Handles())

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestListeners(t *testing.T) {
	var events []string

	record := func(name string) datasource.ListenerFuncs {
		return datasource.ListenerFuncs{
			OpenStarted: func(datasource.Source, datasource.Spec) {
				events = append(events, name+":open")
			},
			BytesTransferred: func(_ datasource.Source, _ datasource.Spec, n int) {
				events = append(events, name+":bytes")
			},
			Closed: func(datasource.Source, datasource.Spec) {
				events = append(events, name+":closed")
			},
		}
	}

	ls := datasource.Listeners{record("a"), record("b")}
	spec := datasource.MustSpec("res://a")

	ls.OnOpenStarted(nil, spec)
	ls.OnBytesTransferred(nil, spec, 3)
	ls.OnRedirect(nil, spec, "res://b")
	ls.OnClosed(nil, spec)

	assert.Equal(t, []string{
		"a:open", "b:open",
		"a:bytes", "b:bytes",
		"a:closed", "b:closed",
	}, events)
}
