package relay

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTags(t *testing.T) {
	tags, err := ParseTags([]string{"global.pbench.test:data", "a:1", "url:http://x:8080", "a:2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"global.pbench.test": "data",
		"a":                  "2",
		"url":                "http://x:8080",
	}, tags.Values)
	assert.Nil(t, tags.Deletion)
	assert.Nil(t, tags.ArchiveOnly)
	assert.Equal(t, map[string]any{"global.pbench.test": "data", "a": "2", "url": "http://x:8080"}, tags.Mapping())
}

func TestParseTags_Empty(t *testing.T) {
	tags, err := ParseTags(nil)
	require.NoError(t, err)
	assert.Empty(t, tags.Values)
	assert.Equal(t, map[string]any{}, tags.Mapping())
}

func TestParseTags_Errors(t *testing.T) {
	tests := map[string]string{
		"nocolon":                      "Improper metadata syntax nocolon must be 'k:v'",
		":value":                       "Improper metadata syntax :value must be 'k:v'",
		"server.deletion:tomorrow":     "Metadata key 'server.deletion' value 'tomorrow' is not a date",
		"server.archiveonly:sometimes": "Metadata key 'server.archiveonly' value 'sometimes' is not a boolean",
	}
	for tag, want := range tests {
		t.Run(tag, func(t *testing.T) {
			_, err := ParseTags([]string{"ok:1", tag})
			rerr, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, http.StatusBadRequest, rerr.Status)
			assert.Equal(t, want, rerr.Message)
		})
	}
}

func TestTags_Expiration(t *testing.T) {
	now := time.Date(2023, 7, 1, 23, 0, 0, 0, time.UTC)

	tags, err := ParseTags(nil)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-30", FormatDate(tags.Expiration(now, 730)))
	assert.Equal(t, "2023-07-31", FormatDate(tags.Expiration(now, 30)))

	tags, err = ParseTags([]string{"server.deletion:2024-01-15", "server.archiveonly:t"})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-15", FormatDate(tags.Expiration(now, 730)))
	require.NotNil(t, tags.ArchiveOnly)
	assert.True(t, *tags.ArchiveOnly)
}
