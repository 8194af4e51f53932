package proxy

import "strings"

// Route is what a hostname under the base domain names.
type Route struct {
	Owner  string
	SafeID string
}

// HostnameParser maps "{safe-id}.{owner}.{base}" hostnames to routes. Safe
// identifiers use underscores, which are not valid in hostnames, so the
// label carries dashes instead.
type HostnameParser struct {
	BaseDomain string // e.g. "apps.example.com"
}

// StripPort removes a trailing numeric port from a Host header value.
func StripPort(hostname string) string {
	idx := strings.LastIndex(hostname, ":")
	if idx == -1 || strings.Contains(hostname[idx:], "]") {
		return hostname
	}
	port := hostname[idx+1:]
	if port == "" {
		return hostname
	}
	for _, c := range port {
		if c < '0' || c > '9' {
			return hostname
		}
	}
	return hostname[:idx]
}

// Parse extracts the route from a hostname. It fails for hosts outside the
// base domain and for anything other than exactly two labels above it.
//
//	"my-blog.alice.apps.example.com"      → {alice, my_blog}
//	"my-blog.alice.apps.example.com:8080" → {alice, my_blog}
func (p HostnameParser) Parse(hostname string) (Route, bool) {
	if hostname == "" || p.BaseDomain == "" {
		return Route{}, false
	}
	host := strings.ToLower(StripPort(hostname))
	suffix := "." + strings.ToLower(p.BaseDomain)
	if !strings.HasSuffix(host, suffix) {
		return Route{}, false
	}

	labels := strings.Split(strings.TrimSuffix(host, suffix), ".")
	if len(labels) != 2 || labels[0] == "" || labels[1] == "" {
		return Route{}, false
	}
	return Route{
		Owner:  labels[1],
		SafeID: strings.ReplaceAll(labels[0], "-", "_"),
	}, true
}

// Hostname is the inverse of Parse. Hostnames are case-insensitive, so the
// owner label is lowercased; owner lookups ignore case to match.
func (p HostnameParser) Hostname(owner, safeID string) string {
	label := strings.ToLower(strings.ReplaceAll(safeID, "_", "-"))
	return label + "." + strings.ToLower(owner) + "." + strings.ToLower(p.BaseDomain)
}
