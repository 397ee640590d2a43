package device

import (
	"sort"
	"strconv"
	"strings"
)

// QueryName names a read-only device query understood by every provider.
type QueryName string

const (
	QueryLiveness     QueryName = "liveness"      // basic reachability
	QueryVersion      QueryName = "version"       // running software version
	QueryInstallState QueryName = "install-state" // current/next image, in-progress installs
	QueryStagedImages QueryName = "staged-images" // artifacts in the staging directory
	QueryDiskFree     QueryName = "disk-free"     // free space on a partition
	QueryRoutes       QueryName = "routes"        // routes in one table
)

// Query argument keys.
const (
	ArgDirectory = "directory" // staged-images
	ArgPartition = "partition" // disk-free
	ArgTable     = "table"     // routes
	ArgProtocols = "protocols" // routes, comma separated; empty means all
)

// Normalised QueryResult.Values keys.
const (
	ValueVersion     = "version"
	ValueCurrent     = "current"      // install-state: running image
	ValueNext        = "next"         // install-state: image selected for next boot
	ValueInProgress  = "in_progress"  // install-state: "true" while an install runs
	ValueAvailableKB = "available_kb" // disk-free
	ValueHostname    = "hostname"
)

// DefaultTable names the global routing table.
const DefaultTable = "default"

// Query is one named request with optional arguments.
type Query struct {
	Name QueryName
	Args map[string]string
}

// NewQuery builds a query from alternating key, value arguments.
func NewQuery(name QueryName, kv ...string) Query {
	q := Query{Name: name}
	if len(kv) > 1 {
		q.Args = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			q.Args[kv[i]] = kv[i+1]
		}
	}
	return q
}

// Arg returns the named argument or "".
func (q Query) Arg(key string) string {
	return q.Args[key]
}

// QueryResult is a provider's normalised answer to a Query. Raw keeps the
// unparsed device output for diagnostics.
type QueryResult struct {
	Raw    string
	Values map[string]string
	Lines  []string
	Routes []RouteEntry
}

// Value returns the named value or "".
func (r *QueryResult) Value(key string) string {
	if r == nil {
		return ""
	}
	return r.Values[key]
}

// Bool interprets the named value as a boolean; missing or malformed is false.
func (r *QueryResult) Bool(key string) bool {
	b, _ := strconv.ParseBool(r.Value(key))
	return b
}

// Int interprets the named value as an integer.
func (r *QueryResult) Int(key string) (int64, bool) {
	n, err := strconv.ParseInt(r.Value(key), 10, 64)
	return n, err == nil
}

// InstallResult reports the outcome of StageAndInstall.
type InstallResult struct {
	Image  string // image identifier the device reports as installed
	Output string
}

// RouteEntry is one route read from a device table.
type RouteEntry struct {
	Prefix   string // "10.1.0.0/31"
	Table    string // "default", "Vrf-customer", "inet.0"
	Protocol string // "bgp", "ospf", "static"
	NextHops []NextHop
}

// NextHop is a single next hop of a route entry.
type NextHop struct {
	IP        string // "10.0.0.1" (or "0.0.0.0" for connected)
	Interface string // "Ethernet0", "Vlan500"
}

func (n NextHop) String() string {
	switch {
	case n.IP == "":
		return n.Interface
	case n.Interface == "":
		return n.IP
	}
	return n.IP + "@" + n.Interface
}

// NextHopKey canonicalises the entry's next hops into one string: ECMP
// members are sorted and comma joined so member order does not matter.
func (e RouteEntry) NextHopKey() string {
	hops := make([]string, 0, len(e.NextHops))
	for _, nh := range e.NextHops {
		if s := nh.String(); s != "" {
			hops = append(hops, s)
		}
	}
	sort.Strings(hops)
	return strings.Join(hops, ",")
}
