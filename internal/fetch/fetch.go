// Package fetch turns remote API responses into mirror records.
//
// Each fetcher targets one endpoint of one of the remote APIs and extracts
// fields with gjson paths configured per deployment, so a change in the
// remote payload layout is a configuration change. Errors carry a failure
// kind; the caller decides whether to retry.
package fetch

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/stacklok/catalog-mirror/internal/failure"
	"github.com/stacklok/catalog-mirror/internal/model"
)

//go:generate mockgen -destination=mocks/mock_fetch.go -package=mocks -source=fetch.go EntityFetcher,DiscoveryFetcher,ChartFetcher,SampleFetcher

// EntityFetcher fetches the current state of one creation or creator
type EntityFetcher interface {
	Fetch(ctx context.Context, id string) (*model.Record, error)
}

// Discovery is the content of the discovery surface
type Discovery struct {
	Creations []*model.Record
	// CreatorIDs lists the authors of the discovered creations, deduplicated
	CreatorIDs []string
}

// DiscoveryFetcher fetches the discovery surface
type DiscoveryFetcher interface {
	Discover(ctx context.Context) (*Discovery, error)
}

// ChartFetcher fetches the ranked list of one scope
type ChartFetcher interface {
	FetchChart(ctx context.Context, scope model.Scope) (model.Snapshot, error)
}

// SampleFetcher fetches current readings for a set of entities. Entities
// the remote does not report are absent from the result.
type SampleFetcher interface {
	FetchReadings(ctx context.Context, ids []string) (map[string]model.Fields, error)
}

// Mapping locates record fields in a JSON payload.
// Paths use gjson syntax and are relative to the payload root.
type Mapping struct {
	ID       string            `yaml:"id"`
	Owner    map[string]string `yaml:"owner"`
	Platform map[string]string `yaml:"platform"`
}

// DefaultIDPath is used when a mapping names no id path
const DefaultIDPath = "id"

func (m Mapping) idPath() string {
	if m.ID == "" {
		return DefaultIDPath
	}
	return m.ID
}

// Validate checks that the mapping names at least one field
func (m Mapping) Validate() error {
	if len(m.Owner) == 0 && len(m.Platform) == 0 {
		return fmt.Errorf("mapping has no fields")
	}
	for name, path := range m.Owner {
		if path == "" {
			return fmt.Errorf("owner field %q has no path", name)
		}
	}
	for name, path := range m.Platform {
		if path == "" {
			return fmt.Errorf("platform field %q has no path", name)
		}
	}
	return nil
}

// Record extracts a record of kind from value.
// A field missing from the payload is left out of the record; a JSON null
// is kept as nil. Both keep the stored value when merged.
func (m Mapping) Record(kind model.EntityKind, value gjson.Result) *model.Record {
	return &model.Record{
		ID:       value.Get(m.idPath()).String(),
		Kind:     kind,
		Owner:    extract(value, m.Owner),
		Platform: extract(value, m.Platform),
	}
}

func extract(value gjson.Result, paths map[string]string) model.Fields {
	if len(paths) == 0 {
		return nil
	}
	out := make(model.Fields, len(paths))
	for name, path := range paths {
		r := value.Get(path)
		if !r.Exists() {
			continue
		}
		out[name] = r.Value()
	}
	return out
}

// parse validates a response body
func parse(body []byte, what string) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, failure.Permanent(fmt.Errorf("%s: malformed JSON response", what))
	}
	return gjson.ParseBytes(body), nil
}

// list returns the array at path, or the root when path is empty
func list(root gjson.Result, path, what string) ([]gjson.Result, error) {
	arr := root
	if path != "" {
		arr = root.Get(path)
	}
	if !arr.IsArray() {
		return nil, failure.Permanent(fmt.Errorf("%s: expected a list at %q", what, path))
	}
	return arr.Array(), nil
}
