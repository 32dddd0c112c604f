package topology

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExchangeKind is the broker-side exchange type a route publishes through.
type ExchangeKind string

const (
	KindDirect ExchangeKind = "direct"
	KindTopic  ExchangeKind = "topic"
	KindFanout ExchangeKind = "fanout"
)

// Queue argument keys understood by the broker.
const (
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
	ArgMessageTTL           = "x-message-ttl"
)

var (
	ErrUnknownBusinessType = errors.New("unknown business type")
	ErrDuplicateRoute      = errors.New("duplicate route for business type")
	ErrInvalidRoute        = errors.New("invalid route")
)

// Route is where messages of one business type are published and consumed.
type Route struct {
	BusinessType         string        `yaml:"business_type"`
	Exchange             string        `yaml:"exchange"`
	Kind                 ExchangeKind  `yaml:"kind"`
	RoutingKey           string        `yaml:"routing_key"`
	Queue                string        `yaml:"queue"`
	DeadLetterExchange   string        `yaml:"dead_letter_exchange,omitempty"`
	DeadLetterRoutingKey string        `yaml:"dead_letter_routing_key,omitempty"`
	MessageTTL           time.Duration `yaml:"message_ttl,omitempty"`
}

// Validate checks that the route is usable and fills in the default kind.
func (r *Route) Validate() error {
	r.BusinessType = strings.TrimSpace(r.BusinessType)
	if r.BusinessType == "" {
		return fmt.Errorf("%w: empty business type", ErrInvalidRoute)
	}
	if r.Exchange == "" {
		return fmt.Errorf("%w: %s: empty exchange", ErrInvalidRoute, r.BusinessType)
	}
	switch r.Kind {
	case "":
		r.Kind = KindDirect
	case KindDirect, KindTopic, KindFanout:
	default:
		return fmt.Errorf("%w: %s: unknown exchange kind %q", ErrInvalidRoute, r.BusinessType, r.Kind)
	}
	if r.MessageTTL < 0 {
		return fmt.Errorf("%w: %s: negative message ttl", ErrInvalidRoute, r.BusinessType)
	}
	return nil
}

// Args returns the optional per-queue arguments. It returns nil when the
// route declares none.
func (r Route) Args() map[string]any {
	args := map[string]any{}
	if r.DeadLetterExchange != "" {
		args[ArgDeadLetterExchange] = r.DeadLetterExchange
	}
	if r.DeadLetterRoutingKey != "" {
		args[ArgDeadLetterRoutingKey] = r.DeadLetterRoutingKey
	}
	if r.MessageTTL > 0 {
		args[ArgMessageTTL] = r.MessageTTL.Milliseconds()
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// Table is an immutable business_type -> Route lookup built once at startup.
type Table struct {
	routes map[string]Route
}

// New builds a Table. Every route is validated and business types must be
// unique.
func New(routes ...Route) (*Table, error) {
	t := &Table{routes: make(map[string]Route, len(routes))}
	for i := range routes {
		r := routes[i]
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("route[%d]: %w", i, err)
		}
		if _, dup := t.routes[r.BusinessType]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRoute, r.BusinessType)
		}
		t.routes[r.BusinessType] = r
	}
	return t, nil
}

// Lookup resolves a business type.
func (t *Table) Lookup(businessType string) (Route, error) {
	r, ok := t.routes[businessType]
	if !ok {
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownBusinessType, businessType)
	}
	return r, nil
}

// Routes returns all routes ordered by business type.
func (t *Table) Routes() []Route {
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusinessType < out[j].BusinessType })
	return out
}

type file struct {
	Routes []Route `yaml:"routes"`
}

// Parse builds a Table from YAML of the form:
//
//	routes:
//	  - business_type: orders
//	    exchange: orders.exchange
//	    kind: direct
//	    routing_key: orders.created
//	    queue: orders.queue
//	    dead_letter_exchange: orders.dlx
//	    message_ttl: 30s
func Parse(data []byte) (*Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	if len(f.Routes) == 0 {
		return nil, fmt.Errorf("%w: no routes defined", ErrInvalidRoute)
	}
	return New(f.Routes...)
}

// Load reads and parses a topology file.
func Load(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file %s: %w", path, err)
	}
	return Parse(raw)
}
