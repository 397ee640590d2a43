// APPL_DB route reading (Redis DB 0). fpmsyncd writes the installed routes
// into ROUTE_TABLE; the route monitor snapshots them from here.

package sonic

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/newtops/pkg/device"
)

const (
	applDB         = 0
	routeKeyPrefix = "ROUTE_TABLE:"
	scanBatch      = 1000
	vrfPrefix      = "Vrf"
	connectedProto = "connected"
	protocolField  = "protocol"
	nexthopField   = "nexthop"
	interfaceField = "ifname"
)

// RouteReader reads ROUTE_TABLE entries from APPL_DB.
type RouteReader struct {
	client *redis.Client
}

// NewRouteReader creates a reader for the APPL_DB at addr.
func NewRouteReader(addr string) *RouteReader {
	return &RouteReader{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   applDB,
		}),
	}
}

// Ping tests the connection.
func (r *RouteReader) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the connection.
func (r *RouteReader) Close() error {
	return r.client.Close()
}

// Routes returns every route in table. Default VRF routes are stored as
// ROUTE_TABLE:<prefix>, others as ROUTE_TABLE:<vrf>:<prefix>. IPv6
// prefixes contain colons, so the VRF segment is recognised by its
// mandatory "Vrf" name prefix.
func (r *RouteReader) Routes(ctx context.Context, table string) ([]device.RouteEntry, error) {
	pattern := routeKeyPrefix + "*"
	if !isDefaultTable(table) {
		pattern = routeKeyPrefix + table + ":*"
	}

	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning APPL_DB %s: %w", pattern, err)
		}
		for _, k := range batch {
			if vrf, _, ok := splitRouteKey(k); ok && sameTable(vrf, table) {
				keys = append(keys, k)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reading APPL_DB routes: %w", err)
	}

	routes := make([]device.RouteEntry, 0, len(keys))
	for i, k := range keys {
		vals := cmds[i].Val()
		if len(vals) == 0 {
			// Deleted between SCAN and HGETALL.
			continue
		}
		e, ok := routeFromHash(k, vals)
		if !ok {
			continue
		}
		routes = append(routes, e)
	}
	return routes, nil
}

// splitRouteKey splits a ROUTE_TABLE key into VRF ("" for default) and
// prefix.
func splitRouteKey(key string) (vrf, prefix string, ok bool) {
	rest, found := strings.CutPrefix(key, routeKeyPrefix)
	if !found || rest == "" {
		return "", "", false
	}
	if strings.HasPrefix(rest, vrfPrefix) {
		if i := strings.IndexByte(rest, ':'); i > 0 && i < len(rest)-1 {
			return rest[:i], rest[i+1:], true
		}
		return "", "", false
	}
	return "", rest, true
}

// routeFromHash builds a route entry from one ROUTE_TABLE hash. nexthop
// and ifname are parallel comma-separated ECMP lists.
func routeFromHash(key string, vals map[string]string) (device.RouteEntry, bool) {
	vrf, prefix, ok := splitRouteKey(key)
	if !ok {
		return device.RouteEntry{}, false
	}
	// fpmsyncd may omit the mask on host routes.
	if !strings.Contains(prefix, "/") {
		if strings.Contains(prefix, ":") {
			prefix += "/128"
		} else {
			prefix += "/32"
		}
	}
	table := vrf
	if table == "" {
		table = device.DefaultTable
	}
	e := device.RouteEntry{
		Prefix:   prefix,
		Table:    table,
		Protocol: strings.ToLower(vals[protocolField]),
	}

	nexthops := splitList(vals[nexthopField])
	interfaces := splitList(vals[interfaceField])
	n := max(len(nexthops), len(interfaces))
	for i := 0; i < n; i++ {
		var hop device.NextHop
		if i < len(nexthops) {
			hop.IP = nexthops[i]
		}
		if i < len(interfaces) {
			hop.Interface = interfaces[i]
		}
		e.NextHops = append(e.NextHops, hop)
	}
	if e.Protocol == "" && allConnected(e.NextHops) {
		e.Protocol = connectedProto
	}
	return e, true
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func allConnected(hops []device.NextHop) bool {
	if len(hops) == 0 {
		return false
	}
	for _, h := range hops {
		if h.IP != "" && h.IP != "0.0.0.0" && h.IP != "::" {
			return false
		}
	}
	return true
}

func isDefaultTable(table string) bool {
	return table == "" || table == device.DefaultTable
}

func sameTable(vrf, table string) bool {
	if isDefaultTable(table) {
		return vrf == ""
	}
	return vrf == table
}
