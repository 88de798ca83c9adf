package datasource_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/upstream/pkg/datasource"
)

func TestNewSpec_Defaults(t *testing.T) {
	s, err := datasource.NewSpec("res://a")
	require.NoError(t, err)

	assert.Equal(t, "res://a", s.URI)
	assert.Equal(t, http.MethodGet, s.Method)
	assert.Zero(t, s.Position)
	assert.Equal(t, datasource.LengthUnbounded, s.Length)
	assert.False(t, s.IsBounded())
	assert.Equal(t, "res://a", s.CacheKey())
}

func TestNewSpec_Validation(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		opts    []datasource.SpecOption
		wantErr bool
	}{
		{name: "bounded", uri: "res://a", opts: []datasource.SpecOption{datasource.WithPosition(100), datasource.WithLength(50)}},
		{name: "zero length", uri: "res://a", opts: []datasource.SpecOption{datasource.WithLength(0)}},
		{name: "empty uri", uri: "", wantErr: true},
		{name: "negative position", uri: "res://a", opts: []datasource.SpecOption{datasource.WithPosition(-1)}, wantErr: true},
		{name: "negative length", uri: "res://a", opts: []datasource.SpecOption{datasource.WithLength(-2)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := datasource.NewSpec(tt.uri, tt.opts...)
			if tt.wantErr {
				assert.ErrorIs(t, err, datasource.ErrInvalidSpec)
				return
			}

			assert.NoError(t, err)
		})
	}

	assert.Panics(t, func() { datasource.MustSpec("") })
}

func TestSpec_HeadersAreCopied(t *testing.T) {
	headers := map[string]string{"Authorization": "token"}

	s := datasource.MustSpec("https://x", datasource.WithHeaders(headers))
	headers["Authorization"] = "changed"

	assert.Equal(t, "token", s.Headers["Authorization"])

	sub := s.Subrange(0, 10)
	sub.Headers["Authorization"] = "sub"

	assert.Equal(t, "token", s.Headers["Authorization"])
}

func TestSpec_Subrange(t *testing.T) {
	s := datasource.MustSpec("res://a", datasource.WithPosition(100), datasource.WithLength(50), datasource.WithKey("k"))

	sub := s.Subrange(20, 30)

	assert.Equal(t, int64(120), sub.Position)
	assert.Equal(t, int64(30), sub.Length)
	assert.Equal(t, "k", sub.Key)
	assert.Equal(t, int64(100), s.Position)
	assert.Equal(t, int64(50), s.Length)

	open := s.Subrange(50, datasource.LengthUnbounded)
	assert.False(t, open.IsBounded())
}

func TestSpec_IdentityAndEqual(t *testing.T) {
	a := datasource.MustSpec("res://a", datasource.WithPosition(1), datasource.WithLength(2))
	b := datasource.MustSpec("res://a", datasource.WithPosition(1), datasource.WithLength(2))
	c := a.WithURI("res://b")

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Identity(), b.Identity())
	assert.False(t, a.Equal(c))
	assert.NotEqual(t, a.Identity(), c.Identity())
	assert.Equal(t, "res://a", a.URI)

	keyed := a.WithURI("res://mirror")
	keyed.Key = "stable"
	assert.Equal(t, "stable", keyed.CacheKey())

	withHeaders := datasource.MustSpec("res://a", datasource.WithPosition(1), datasource.WithLength(2),
		datasource.WithHeaders(map[string]string{"X": "1"}))
	assert.False(t, a.Equal(withHeaders))
}

func TestSpec_Flags(t *testing.T) {
	s := datasource.MustSpec("res://a", datasource.WithFlags(datasource.FlagAllowGzip))

	assert.True(t, s.HasFlag(datasource.FlagAllowGzip))
	assert.False(t, s.HasFlag(datasource.FlagDontCacheIfLengthUnknown))
	assert.Contains(t, s.String(), "flags=1")
}

func TestSpec_String(t *testing.T) {
	s := datasource.MustSpec("res://a", datasource.WithPosition(100), datasource.WithLength(50), datasource.WithKey("k"))
	assert.Equal(t, "Spec[GET res://a, 100, 50, key=k]", s.String())
}

func TestSpec_CheckServed(t *testing.T) {
	tests := []struct {
		name      string
		spec      datasource.Spec
		end       int64
		total     int64
		expectErr bool
	}{
		{name: "exact range", spec: datasource.MustSpec("res://a", datasource.WithPosition(100), datasource.WithLength(50)), end: 149, total: 1000},
		{name: "unknown total", spec: datasource.MustSpec("res://a", datasource.WithPosition(100), datasource.WithLength(50)), end: 149, total: -1},
		{name: "clamped at end of resource", spec: datasource.MustSpec("res://a", datasource.WithPosition(900), datasource.WithLength(200)), end: 999, total: 1000, expectErr: true},
		{name: "total shorter than range", spec: datasource.MustSpec("res://a", datasource.WithPosition(900), datasource.WithLength(200)), end: 1099, total: 1000, expectErr: true},
		{name: "unbounded", spec: datasource.MustSpec("res://a", datasource.WithPosition(900)), end: 999, total: 1000},
		{name: "empty", spec: datasource.MustSpec("res://a", datasource.WithLength(0)), end: -1, total: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.CheckServed(tt.end, tt.total)
			if tt.expectErr {
				assert.ErrorIs(t, err, datasource.ErrPositionOutOfRange)
				return
			}

			assert.NoError(t, err)
		})
	}
}
