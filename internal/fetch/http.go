package fetch

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/catalog-mirror/internal/failure"
	"github.com/stacklok/catalog-mirror/internal/httpclient"
	"github.com/stacklok/catalog-mirror/internal/model"
	"github.com/stacklok/catalog-mirror/internal/otel"
)

// EntityEndpoint configures an EntityFetcher
type EntityEndpoint struct {
	BaseURL string `yaml:"baseURL"`
	// Path is appended to BaseURL; "{id}" is replaced by the escaped id
	Path    string  `yaml:"path"`
	Mapping Mapping `yaml:"mapping"`
}

// DiscoveryEndpoint configures a DiscoveryFetcher
type DiscoveryEndpoint struct {
	BaseURL string `yaml:"baseURL"`
	Path    string `yaml:"path"`
	// Items is the path of the list of creations in the response
	Items string `yaml:"items"`
	// CreatorID is the path of the author id inside one item
	CreatorID string  `yaml:"creatorId"`
	Mapping   Mapping `yaml:"mapping"`
}

// ChartEndpoint configures a ChartFetcher
type ChartEndpoint struct {
	BaseURL string `yaml:"baseURL"`
	// Path may contain "{surface}" and "{region}"
	Path   string `yaml:"path"`
	Items  string `yaml:"items"`
	ItemID string `yaml:"itemId"`
	// Rank is the path of the rank inside one item. When empty the
	// position in the list is the rank, starting at 1.
	Rank string `yaml:"rank"`
}

// SampleEndpoint configures a SampleFetcher
type SampleEndpoint struct {
	BaseURL string `yaml:"baseURL"`
	Path    string `yaml:"path"`
	// IDsParam is the query parameter carrying the comma separated ids
	IDsParam string            `yaml:"idsParam"`
	Items    string            `yaml:"items"`
	ItemID   string            `yaml:"itemId"`
	Fields   map[string]string `yaml:"fields"`
}

// Option configures the HTTP fetchers
type Option func(*base)

// WithTracer traces every fetch
func WithTracer(t trace.Tracer) Option {
	return func(b *base) {
		b.tracer = t
	}
}

type base struct {
	client httpclient.Client
	tracer trace.Tracer
}

func newBase(client httpclient.Client, opts []Option) base {
	b := base{client: client}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b base) get(ctx context.Context, name, rawURL string, attrs ...attribute.KeyValue) ([]byte, error) {
	ctx, sp := otel.StartSpan(ctx, b.tracer, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	defer sp.End()

	body, err := b.client.Get(ctx, rawURL)
	if err != nil {
		otel.RecordError(sp, err)
		return nil, err
	}
	return body, nil
}

func join(baseURL, path string) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

// EntityClient fetches creations or creators over HTTP
type EntityClient struct {
	base
	endpoint EntityEndpoint
	kind     model.EntityKind
}

var _ EntityFetcher = (*EntityClient)(nil)

// NewEntityClient creates an entity fetcher for records of kind
func NewEntityClient(client httpclient.Client, kind model.EntityKind, ep EntityEndpoint, opts ...Option) (*EntityClient, error) {
	if ep.BaseURL == "" {
		return nil, fmt.Errorf("%s endpoint: baseURL is required", kind)
	}
	if !strings.Contains(ep.Path, "{id}") {
		return nil, fmt.Errorf("%s endpoint: path must contain {id}", kind)
	}
	if err := ep.Mapping.Validate(); err != nil {
		return nil, fmt.Errorf("%s endpoint: %w", kind, err)
	}
	return &EntityClient{base: newBase(client, opts), endpoint: ep, kind: kind}, nil
}

// Fetch implements EntityFetcher
func (c *EntityClient) Fetch(ctx context.Context, id string) (*model.Record, error) {
	if id == "" {
		return nil, failure.Permanent(model.ErrMissingID)
	}
	u := join(c.endpoint.BaseURL, strings.ReplaceAll(c.endpoint.Path, "{id}", url.PathEscape(id)))
	body, err := c.get(ctx, "fetch."+string(c.kind), u, otel.AttrSubjectID.String(id))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s %s: %w", c.kind, id, err)
	}

	root, err := parse(body, string(c.kind)+" "+id)
	if err != nil {
		return nil, err
	}
	rec := c.endpoint.Mapping.Record(c.kind, root)
	if rec.ID == "" {
		rec.ID = id
	}
	if rec.ID != id {
		return nil, failure.Permanent(fmt.Errorf("requested %s %s, received %s", c.kind, id, rec.ID))
	}
	return rec, nil
}

// DiscoveryClient fetches the discovery surface over HTTP
type DiscoveryClient struct {
	base
	endpoint DiscoveryEndpoint
}

var _ DiscoveryFetcher = (*DiscoveryClient)(nil)

// NewDiscoveryClient creates a discovery fetcher
func NewDiscoveryClient(client httpclient.Client, ep DiscoveryEndpoint, opts ...Option) (*DiscoveryClient, error) {
	if ep.BaseURL == "" {
		return nil, fmt.Errorf("discovery endpoint: baseURL is required")
	}
	if err := ep.Mapping.Validate(); err != nil {
		return nil, fmt.Errorf("discovery endpoint: %w", err)
	}
	return &DiscoveryClient{base: newBase(client, opts), endpoint: ep}, nil
}

// Discover implements DiscoveryFetcher. Items without an id are skipped.
func (c *DiscoveryClient) Discover(ctx context.Context) (*Discovery, error) {
	body, err := c.get(ctx, "fetch.discovery", join(c.endpoint.BaseURL, c.endpoint.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery surface: %w", err)
	}
	root, err := parse(body, "discovery")
	if err != nil {
		return nil, err
	}
	items, err := list(root, c.endpoint.Items, "discovery")
	if err != nil {
		return nil, err
	}

	out := &Discovery{}
	seen := make(map[string]struct{})
	for _, item := range items {
		rec := c.endpoint.Mapping.Record(model.KindCreation, item)
		if rec.ID == "" {
			continue
		}
		out.Creations = append(out.Creations, rec)
		if c.endpoint.CreatorID == "" {
			continue
		}
		creator := item.Get(c.endpoint.CreatorID).String()
		if _, dup := seen[creator]; creator == "" || dup {
			continue
		}
		seen[creator] = struct{}{}
		out.CreatorIDs = append(out.CreatorIDs, creator)
	}
	slices.Sort(out.CreatorIDs)
	return out, nil
}

// ChartClient fetches ranked lists over HTTP
type ChartClient struct {
	base
	endpoint ChartEndpoint
}

var _ ChartFetcher = (*ChartClient)(nil)

// NewChartClient creates a chart fetcher
func NewChartClient(client httpclient.Client, ep ChartEndpoint, opts ...Option) (*ChartClient, error) {
	if ep.BaseURL == "" {
		return nil, fmt.Errorf("chart endpoint: baseURL is required")
	}
	if ep.ItemID == "" {
		return nil, fmt.Errorf("chart endpoint: itemId path is required")
	}
	return &ChartClient{base: newBase(client, opts), endpoint: ep}, nil
}

// FetchChart implements ChartFetcher
func (c *ChartClient) FetchChart(ctx context.Context, scope model.Scope) (model.Snapshot, error) {
	path := strings.NewReplacer(
		"{surface}", url.PathEscape(scope.Surface),
		"{region}", url.PathEscape(scope.Region),
	).Replace(c.endpoint.Path)

	body, err := c.get(ctx, "fetch.chart", join(c.endpoint.BaseURL, path), otel.AttrScope.String(scope.Key()))
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("failed to fetch chart %s: %w", scope, err)
	}
	root, err := parse(body, "chart "+scope.Key())
	if err != nil {
		return model.Snapshot{}, err
	}
	items, err := list(root, c.endpoint.Items, "chart "+scope.Key())
	if err != nil {
		return model.Snapshot{}, err
	}

	snap := model.Snapshot{Scope: scope, Entries: make([]model.RankEntry, 0, len(items))}
	for i, item := range items {
		id := item.Get(c.endpoint.ItemID).String()
		if id == "" {
			return model.Snapshot{}, failure.Permanent(fmt.Errorf("chart %s: item %d has no id", scope, i))
		}
		rank := i + 1
		if c.endpoint.Rank != "" {
			r := item.Get(c.endpoint.Rank)
			if r.Type != gjson.Number {
				return model.Snapshot{}, failure.Permanent(fmt.Errorf("chart %s: item %s has no rank", scope, id))
			}
			rank = int(r.Int())
		}
		snap.Entries = append(snap.Entries, model.RankEntry{ItemID: id, Rank: rank})
	}
	return snap, nil
}

// SampleClient fetches readings over HTTP
type SampleClient struct {
	base
	endpoint SampleEndpoint
}

var _ SampleFetcher = (*SampleClient)(nil)

// NewSampleClient creates a sample fetcher
func NewSampleClient(client httpclient.Client, ep SampleEndpoint, opts ...Option) (*SampleClient, error) {
	if ep.BaseURL == "" {
		return nil, fmt.Errorf("sample endpoint: baseURL is required")
	}
	if ep.ItemID == "" {
		return nil, fmt.Errorf("sample endpoint: itemId path is required")
	}
	if len(ep.Fields) == 0 {
		return nil, fmt.Errorf("sample endpoint: at least one field is required")
	}
	if ep.IDsParam == "" {
		ep.IDsParam = "ids"
	}
	return &SampleClient{base: newBase(client, opts), endpoint: ep}, nil
}

// FetchReadings implements SampleFetcher
func (c *SampleClient) FetchReadings(ctx context.Context, ids []string) (map[string]model.Fields, error) {
	if len(ids) == 0 {
		return map[string]model.Fields{}, nil
	}
	q := url.Values{}
	q.Set(c.endpoint.IDsParam, strings.Join(ids, ","))
	u := join(c.endpoint.BaseURL, c.endpoint.Path) + "?" + q.Encode()

	body, err := c.get(ctx, "fetch.readings", u, otel.AttrResultCount.Int(len(ids)))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch readings: %w", err)
	}
	root, err := parse(body, "readings")
	if err != nil {
		return nil, err
	}
	items, err := list(root, c.endpoint.Items, "readings")
	if err != nil {
		return nil, err
	}

	out := make(map[string]model.Fields, len(items))
	for _, item := range items {
		id := item.Get(c.endpoint.ItemID).String()
		if id == "" {
			continue
		}
		out[id] = extract(item, c.endpoint.Fields)
	}
	return out, nil
}
