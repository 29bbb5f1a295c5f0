package relay

import (
	"strconv"
	"strings"
	"time"
)

// Reserved metadata keys the server interprets.
const (
	KeyDeletion    = "server.deletion"
	KeyArchiveOnly = "server.archiveonly"
	KeyOrigin      = "server.origin"
)

const dateLayout = "2006-01-02"

// Tags is the normalized form of a manifest's metadata list.
type Tags struct {
	// Values maps each key to the last value given for it.
	Values map[string]string
	// Deletion is the requested expiration date, if any.
	Deletion *time.Time
	// ArchiveOnly is set when server.archiveonly was given.
	ArchiveOnly *bool
}

// ParseTags splits "key:value" strings at the first colon. A later
// occurrence of a key replaces an earlier one.
func ParseTags(tags []string) (*Tags, error) {
	t := &Tags{Values: make(map[string]string, len(tags))}
	for _, tag := range tags {
		key, value, ok := strings.Cut(tag, ":")
		if !ok || key == "" {
			return nil, BadRequest("Improper metadata syntax %s must be 'k:v'", tag)
		}
		t.Values[key] = value
	}

	if v, ok := t.Values[KeyDeletion]; ok {
		d, err := time.Parse(dateLayout, v)
		if err != nil {
			return nil, BadRequest("Metadata key '%s' value '%s' is not a date", KeyDeletion, v)
		}
		t.Deletion = &d
	}
	if v, ok := t.Values[KeyArchiveOnly]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, BadRequest("Metadata key '%s' value '%s' is not a boolean", KeyArchiveOnly, v)
		}
		t.ArchiveOnly = &b
	}
	return t, nil
}

// Mapping returns the tag values as a generic map for audit attributes.
func (t *Tags) Mapping() map[string]any {
	out := make(map[string]any, len(t.Values))
	for k, v := range t.Values {
		out[k] = v
	}
	return out
}

// Expiration picks the requested deletion date or now plus the retention.
func (t *Tags) Expiration(now time.Time, retentionDays int) time.Time {
	if t.Deletion != nil {
		return *t.Deletion
	}
	return now.UTC().AddDate(0, 0, retentionDays)
}

// FormatDate renders a date the way notes and metadata carry it.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}
