package relay

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest_Defaults(t *testing.T) {
	m, err := ParseManifest([]byte(`{"uri": "https://relay.example.com/t", "name": "log.tar.xz", "md5": "ABCDEF"}`))
	require.NoError(t, err)
	assert.Equal(t, &Manifest{
		URI:      "https://relay.example.com/t",
		Name:     "log.tar.xz",
		MD5:      "abcdef",
		Access:   AccessPrivate,
		Metadata: []string{},
	}, m)
}

func TestParseManifest_MissingFieldsInOrder(t *testing.T) {
	tests := map[string]string{
		`{}`:                        `Relay info missing "uri"`,
		`{"name": "a", "md5": "b"}`: `Relay info missing "uri"`,
		`{"uri": "u"}`:              `Relay info missing "name"`,
		`{"uri": "u", "name": "n"}`: `Relay info missing "md5"`,
	}
	for body, want := range tests {
		t.Run(body, func(t *testing.T) {
			_, err := ParseManifest([]byte(body))
			rerr, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, http.StatusBadGateway, rerr.Status)
			assert.Equal(t, want, rerr.Message)
		})
	}
}

func TestParseManifest_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		body string
		loc  string
	}{
		{"access", `{"uri": "u", "name": "n", "md5": "m", "access": "secret"}`, "/access"},
		{"metadata type", `{"uri": "u", "name": "n", "md5": "m", "metadata": "a:b"}`, "/metadata"},
		{"metadata item", `{"uri": "u", "name": "n", "md5": "m", "metadata": ["a:b", 3]}`, "/metadata/1"},
		{"md5 type", `{"uri": "u", "name": "n", "md5": 12}`, "/md5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.body))
			rerr, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, http.StatusBadGateway, rerr.Status)
			assert.Contains(t, rerr.Message, "Relay manifest is invalid: '"+tt.loc+": ")
		})
	}
}

func TestParseManifest_NotJSON(t *testing.T) {
	for _, body := range []string{"", "not json", "[1, 2]"} {
		_, err := ParseManifest([]byte(body))
		rerr, ok := AsError(err)
		require.True(t, ok)
		assert.Contains(t, rerr.Message, "Relay URI did not return a JSON manifest: '")
	}
}

func TestManifestResolver_Public(t *testing.T) {
	f := newFixture(t)
	f.transport.on(http.MethodGet, primaryURI, route{body: []byte(
		`{"uri": "` + tarballURI + `", "name": "log.tar.xz", "md5": "abc", "access": "public", "metadata": ["a:b", "c:d:e"]}`)})

	m, err := NewManifestResolver(f.fetcher).Resolve(t.Context(), primaryURI)
	require.NoError(t, err)
	assert.Equal(t, AccessPublic, m.Access)
	assert.Equal(t, []string{"a:b", "c:d:e"}, m.Metadata)
}
