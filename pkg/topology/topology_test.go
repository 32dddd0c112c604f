package topology

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
routes:
  - business_type: orders
    exchange: mall.orders
    kind: topic
    routing_key: orders.created
    queue: mall.orders.created
    dead_letter_exchange: mall.dlx
    dead_letter_routing_key: orders.dead
    message_ttl: 30s
  - business_type: refunds
    exchange: mall.refunds
    routing_key: refunds
    queue: mall.refunds
`

func TestParse(t *testing.T) {
	t.Parallel()
	table, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	orders, err := table.Lookup("orders")
	require.NoError(t, err)
	assert.Equal(t, "mall.orders", orders.Exchange)
	assert.Equal(t, KindTopic, orders.Kind)
	assert.Equal(t, "orders.created", orders.RoutingKey)
	assert.Equal(t, "mall.orders.created", orders.Queue)
	assert.Equal(t, 30*time.Second, orders.MessageTTL)

	refunds, err := table.Lookup("refunds")
	require.NoError(t, err)
	assert.Equal(t, KindDirect, refunds.Kind, "kind defaults to direct")
	assert.Nil(t, refunds.Args())

	routes := table.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, "orders", routes[0].BusinessType)
	assert.Equal(t, "refunds", routes[1].BusinessType)
}

func TestRoute_Args(t *testing.T) {
	t.Parallel()
	r := Route{
		DeadLetterExchange:   "dlx",
		DeadLetterRoutingKey: "dead",
		MessageTTL:           1500 * time.Millisecond,
	}
	assert.Equal(t, map[string]any{
		ArgDeadLetterExchange:   "dlx",
		ArgDeadLetterRoutingKey: "dead",
		ArgMessageTTL:           int64(1500),
	}, r.Args())
}

func TestLookup_Unknown(t *testing.T) {
	t.Parallel()
	table, err := New(Route{BusinessType: "orders", Exchange: "x"})
	require.NoError(t, err)

	_, err = table.Lookup("payments")
	assert.ErrorIs(t, err, ErrUnknownBusinessType)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		routes  []Route
		wantErr error
	}{
		{
			name:    "duplicate business type",
			routes:  []Route{{BusinessType: "a", Exchange: "x"}, {BusinessType: "a", Exchange: "y"}},
			wantErr: ErrDuplicateRoute,
		},
		{
			name:    "empty business type",
			routes:  []Route{{Exchange: "x"}},
			wantErr: ErrInvalidRoute,
		},
		{
			name:    "empty exchange",
			routes:  []Route{{BusinessType: "a"}},
			wantErr: ErrInvalidRoute,
		},
		{
			name:    "unknown kind",
			routes:  []Route{{BusinessType: "a", Exchange: "x", Kind: "headers"}},
			wantErr: ErrInvalidRoute,
		},
		{
			name:    "negative ttl",
			routes:  []Route{{BusinessType: "a", Exchange: "x", MessageTTL: -time.Second}},
			wantErr: ErrInvalidRoute,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.routes...)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte("routes: ["))
	assert.Error(t, err)

	_, err = Parse([]byte("routes: []"))
	assert.ErrorIs(t, err, ErrInvalidRoute)
}

func TestLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	table, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, table.Routes(), 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
