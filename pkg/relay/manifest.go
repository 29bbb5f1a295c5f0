package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Access classifies who may read a dataset.
type Access string

const (
	AccessPrivate Access = "private"
	AccessPublic  Access = "public"
)

// Manifest is the relay document naming the tarball and its checksum.
// It is parsed once per request and never modified afterwards.
type Manifest struct {
	URI      string
	Name     string
	MD5      string
	Access   Access
	Metadata []string
}

// maxManifestBytes caps how much of the primary URI response is read.
const maxManifestBytes = 1 << 20

// requiredFields are checked in this order before schema validation, so a
// missing field gets a precise message.
var requiredFields = []string{"uri", "name", "md5"}

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "uri": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "md5": {"type": "string", "minLength": 1},
    "access": {"enum": ["private", "public"]},
    "metadata": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["uri", "name", "md5"]
}`

const manifestSchemaURL = "https://benchdepot.schemas.local/relay/manifest.schema.json"

var compiledManifestSchema = mustCompileManifestSchema()

func mustCompileManifestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchema)); err != nil {
		panic(fmt.Sprintf("relay manifest schema load failed: %v", err))
	}
	return c.MustCompile(manifestSchemaURL)
}

// Resolver turns a primary relay URI into a Manifest.
type Resolver interface {
	Resolve(ctx context.Context, uri string) (*Manifest, error)
}

// ManifestResolver fetches and parses relay manifests.
type ManifestResolver struct {
	fetcher *Fetcher
}

func NewManifestResolver(f *Fetcher) *ManifestResolver {
	return &ManifestResolver{fetcher: f}
}

func (r *ManifestResolver) Resolve(ctx context.Context, uri string) (*Manifest, error) {
	resp, err := r.fetcher.Get(ctx, uri)
	if err != nil {
		var ferr *FetchError
		if errors.As(err, &ferr) && ferr.Kind == FetchStatus {
			return nil, BadGateway("Relay manifest URI problem: '%s'", ferr.Reason)
		}
		if errors.As(err, &ferr) {
			return nil, BadGateway("Unable to connect to manifest URI: '%s'", ferr.Reason)
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, BadGateway("Unable to connect to manifest URI: '%s'", causeText(err))
	}
	return ParseManifest(body)
}

// ParseManifest decodes and validates a relay manifest document.
func ParseManifest(body []byte) (*Manifest, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, BadGateway("Relay URI did not return a JSON manifest: '%s'", err)
	}
	for _, field := range requiredFields {
		if _, ok := doc[field]; !ok {
			return nil, BadGateway("Relay info missing %q", field)
		}
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return nil, BadGateway("Relay manifest is invalid: '%s'", schemaDetail(err))
	}

	var raw struct {
		URI      string   `json:"uri"`
		Name     string   `json:"name"`
		MD5      string   `json:"md5"`
		Access   string   `json:"access"`
		Metadata []string `json:"metadata"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, BadGateway("Relay URI did not return a JSON manifest: '%s'", err)
	}

	m := &Manifest{
		URI:      raw.URI,
		Name:     raw.Name,
		MD5:      strings.ToLower(raw.MD5),
		Access:   Access(raw.Access),
		Metadata: raw.Metadata,
	}
	if m.Access == "" {
		m.Access = AccessPrivate
	}
	if m.Metadata == nil {
		m.Metadata = []string{}
	}
	return m, nil
}

// schemaDetail reports the innermost validation failure.
func schemaDetail(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	loc := verr.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, verr.Message)
}
