package connector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"

	"github.com/rtds-project/rtds/pkg/model"
)

// Connector samples a set of tags from one device. Implementations are
// driven by a Runner through the cycle Open, Read, Write, Close and are
// never called concurrently.
type Connector interface {
	Name() string
	Cycle() time.Duration

	Open(ctx context.Context) error
	Read(ctx context.Context) ([]model.Value, error)
	Write(ctx context.Context, values []model.Value) error
	Close() error
}

// remote is implemented by connectors holding a device connection that
// outlives single cycles. Disconnect is called once when the runner
// stops.
type remote interface {
	Disconnect() error
}

// Definition is the persisted configuration of one connector.
type Definition struct {
	Name             string
	Cycle            time.Duration
	ConnectionString string
	IsReadOnly       bool
	Description      string
}

// ParseConnString splits a connection string of the form
// "connector=modbus;host=10.0.0.5;port=502" into the connector kind and
// its parameters. The first key must be "connector".
func ParseConnString(s string) (kind string, params map[string]string, err error) {
	keys, params, err := parseParams(s)
	if err != nil {
		return "", nil, err
	}
	if len(keys) == 0 || keys[0] != "connector" {
		return "", nil, fmt.Errorf("connection string must start with connector=<kind>: %q", s)
	}
	kind = params["connector"]
	delete(params, "connector")
	return strings.ToLower(kind), params, nil
}

func parseParams(s string) (keys []string, params map[string]string, err error) {
	params = map[string]string{}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, found := strings.Cut(part, "=")
		if !found || strings.TrimSpace(k) == "" {
			return nil, nil, fmt.Errorf("malformed parameter %q", part)
		}
		k = strings.ToLower(strings.TrimSpace(k))
		keys = append(keys, k)
		params[k] = strings.TrimSpace(v)
	}
	return keys, params, nil
}

// New builds the connector named by the definition's connection string.
// tags is the set of tags owned by this connector; their sources are
// parsed here so a malformed source fails configuration loading, not
// the scan loop.
func New(def Definition, tags []*model.Tag, logger log.Logger) (Connector, error) {
	kind, params, err := ParseConnString(def.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", def.Name, err)
	}

	// Stable read order regardless of config file ordering.
	sorted := make([]*model.Tag, len(tags))
	copy(sorted, tags)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	switch kind {
	case "simulator":
		return NewSimulator(def, sorted)
	case "modbus":
		return NewModbus(def, params, sorted, logger)
	}
	return nil, fmt.Errorf("connector %s: unknown kind %q", def.Name, kind)
}
