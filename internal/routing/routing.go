// Package routing resolves a wire-observed tenant/source identity to an
// upstream database instance.
//
// The routing table is built once at process start from configuration and
// never mutated afterward: every read is lock-free because there is nothing
// to lock against.
package routing

import (
	"fmt"
	"sort"
	"strings"
)

// Protocol is a closed enum over the three wire protocols this gateway
// terminates. Using a defined type instead of a bare string keeps dispatch
// exhaustive and lets the compiler catch an unhandled case.
type Protocol int

const (
	Postgres Protocol = iota
	MySQL
	SQLServer
)

// String returns the lowercase wire-facing name of the protocol, used as
// both a log field value and (historically, in the Python original) the
// db_type discriminant.
func (p Protocol) String() string {
	switch p {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// identitySeparator splits a database key into tenant and source halves.
const identitySeparator = "__"

// UpstreamTarget is the immutable record a routing decision resolves to.
type UpstreamTarget struct {
	Host string
	Port int

	// Database, when non-empty, overrides the database/catalog the gateway
	// presents to the upstream during handshake replay.
	Database string
}

// UpstreamMap is a single protocol's routing table: lowercase, trimmed key
// to target. Keys are one of a bare tenant id, a compound "tenant__source",
// or the wildcard "*".
type UpstreamMap map[string]UpstreamTarget

// RoutingIdentity is the tenant/source pair derived from a single login
// frame. It is used once, for one table lookup, then discarded.
type RoutingIdentity struct {
	Tenant string
	Source string // empty means "no source segment present"
}

// RouteNotFound is returned when no candidate key, prefix, or wildcard
// matches in the requested protocol's table.
type RouteNotFound struct {
	Protocol Protocol
	DBName   string
	UserName string
}

func (e *RouteNotFound) Error() string {
	return fmt.Sprintf("unknown tenant/source for %s: db=%q user=%q", e.Protocol, e.DBName, e.UserName)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// parseIdentity derives a RoutingIdentity from the database name observed on
// the wire, falling back to the username string when the database is empty.
// This is spec step 4.1: deterministic, first match wins.
func parseIdentity(dbName, userName string) RoutingIdentity {
	dbToken := normalize(dbName)
	if dbToken != "" {
		if idx := strings.Index(dbToken, identitySeparator); idx >= 0 {
			tenant := dbToken[:idx]
			source := dbToken[idx+len(identitySeparator):]
			return RoutingIdentity{Tenant: tenant, Source: source}
		}
		return RoutingIdentity{Tenant: dbToken}
	}

	userToken := normalize(userName)
	if userToken == "" {
		return RoutingIdentity{}
	}

	var tenant, source string
	replacer := strings.NewReplacer("|", ";", ",", ";")
	for _, segment := range strings.Split(replacer.Replace(userToken), ";") {
		key, value, ok := strings.Cut(segment, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch key {
		case "tenant":
			tenant = value
		case "source":
			source = value
		}
	}
	if tenant == "" {
		return RoutingIdentity{}
	}
	return RoutingIdentity{Tenant: tenant, Source: source}
}

// candidates returns the ordered, deduplicated list of lookup keys for an
// identity: the raw (lowercased) db name, the compound tenant__source key,
// then the bare tenant. Exact-match order matters — it's what lets
// "tenant__source" win over a looser "tenant" entry.
func candidates(dbName string, id RoutingIdentity) []string {
	raw := []string{normalize(dbName)}
	if id.Tenant != "" && id.Source != "" {
		raw = append(raw, id.Tenant+identitySeparator+id.Source)
	}
	raw = append(raw, id.Tenant)

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// MatchKind records which of the four lookup passes produced a result, for
// metrics labeling — it carries no routing semantics of its own.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchPrefix   MatchKind = "prefix"
	MatchWildcard MatchKind = "wildcard"
	MatchNotFound MatchKind = "not_found"
)

// Resolve implements spec.md §4.1: deterministic identity derivation followed
// by a four-pass lookup (exact, longest-prefix, wildcard, fail).
func Resolve(upstreams UpstreamMap, dbName string, protocol Protocol, userName string) (UpstreamTarget, error) {
	target, _, err := ResolveDetailed(upstreams, dbName, protocol, userName)
	return target, err
}

// ResolveDetailed is Resolve plus the MatchKind of whichever pass succeeded,
// so callers that report metrics don't need to re-derive it.
func ResolveDetailed(upstreams UpstreamMap, dbName string, protocol Protocol, userName string) (UpstreamTarget, MatchKind, error) {
	id := parseIdentity(dbName, userName)
	cands := candidates(dbName, id)

	// Pass 1: exact key match.
	for _, c := range cands {
		if target, ok := upstreams[c]; ok {
			return target, MatchExact, nil
		}
	}

	// Pass 2: prefix match, longest key wins on tie.
	keys := make([]string, 0, len(upstreams))
	for k := range upstreams {
		if k == "*" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	for _, c := range cands {
		for _, k := range keys {
			if strings.HasPrefix(c, k) {
				return upstreams[k], MatchPrefix, nil
			}
		}
	}

	// Pass 3: wildcard fallback.
	if target, ok := upstreams["*"]; ok {
		return target, MatchWildcard, nil
	}

	// Pass 4: fail.
	return UpstreamTarget{}, MatchNotFound, &RouteNotFound{Protocol: protocol, DBName: dbName, UserName: userName}
}
