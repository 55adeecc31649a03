package auth

import (
	"net/http"
	"strings"
)

// route maps a path, or a path prefix when prefix is set, to the role it needs.
type route struct {
	path   string
	prefix bool
	role   Role
}

func (rt route) matches(path string) bool {
	if rt.prefix {
		return strings.HasPrefix(path, rt.path)
	}
	return path == rt.path
}

// defaultRoutes is checked in order; the first match wins.
var defaultRoutes = []route{
	{path: "/api/v1/vitals", role: RoleDevice},
	{path: "/api/vitals", role: RoleDevice},
	{path: "/api/v1/stream", role: RolePatient},
	{path: "/api/v1/ws", role: RolePatient},
	{path: "/api/v1/alerts/export.", prefix: true, role: RoleDoctor},
	{path: "/api/v1/alerts", role: RolePatient},
	{path: "/api/v1/alerts/", prefix: true, role: RolePatient},
	{path: "/api/", prefix: true, role: RoleAdmin},
}

// Policy decides which requests need a token and which role they need.
type Policy struct {
	exempt   map[string]struct{}
	prefixes []string
	routes   []route
}

// NewDefaultPolicy builds the service policy. Exempt paths and prefixes skip
// authentication entirely.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{exempt: set, prefixes: exemptPrefixes, routes: defaultRoutes}
}

// IsExempt reports whether r skips authentication.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.exempt[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RequiredRole returns the role r needs. ok is false for unprotected paths.
func (p Policy) RequiredRole(r *http.Request) (role Role, ok bool) {
	if r == nil {
		return "", false
	}
	for _, rt := range p.routes {
		if rt.matches(r.URL.Path) {
			return rt.role, true
		}
	}
	return "", false
}
