package router

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/therealutkarshpriyadarshi/gateway/internal/config"
	"github.com/therealutkarshpriyadarshi/gateway/internal/errors"
)

// Route represents a configured route. Immutable after the router is built.
type Route struct {
	Pattern        string
	Methods        map[string]bool // nil = all methods allowed
	Backend        string          // single backend URL, may carry :param placeholders
	Upstream       string          // named upstream pool, mutually exclusive with Backend
	StripPrefix    bool
	Description    string
	Auth           *config.RouteAuthConfig
	RateLimit      []config.RateLimitRuleConfig
	CircuitBreaker *config.CircuitBreakerConfig

	literalPrefix string // leading literal segments, removed when StripPrefix is set
	order         int
}

// Match is the result of matching a request against the router.
type Match struct {
	Route  *Route
	Params map[string]string
	// Catchall holds the remainder captured by a *name segment, without a
	// leading slash. Also present in Params under the catchall's name.
	Catchall string
}

// Router matches method+path pairs against a segment trie.
// Read-only after construction; safe for concurrent use without locks.
type Router struct {
	root   *node
	routes []*Route
}

type node struct {
	literals  map[string]*node
	param     *node
	paramName string
	catchall  []*Route
	catchName string
	routes    []*Route
}

func newNode() *node {
	return &node{literals: make(map[string]*node)}
}

// New builds a router from route configurations.
func New(routeCfgs []config.RouteConfig) (*Router, error) {
	rt := &Router{root: newNode()}
	for i, rc := range routeCfgs {
		route := &Route{
			Pattern:        rc.Path,
			Backend:        rc.Backend,
			Upstream:       rc.Upstream,
			StripPrefix:    rc.StripPrefix,
			Description:    rc.Description,
			Auth:           rc.Auth,
			RateLimit:      rc.RateLimit,
			CircuitBreaker: rc.CircuitBreaker,
			order:          i,
		}
		if len(rc.Methods) > 0 {
			route.Methods = make(map[string]bool, len(rc.Methods))
			for _, m := range rc.Methods {
				route.Methods[strings.ToUpper(m)] = true
			}
		}
		if err := rt.insert(route); err != nil {
			return nil, err
		}
		rt.routes = append(rt.routes, route)
	}
	return rt, nil
}

// Routes returns all configured routes in insertion order.
func (rt *Router) Routes() []*Route {
	out := make([]*Route, len(rt.routes))
	copy(out, rt.routes)
	return out
}

// splitSegments splits a path into its segments. The leading slash is
// dropped; a trailing slash yields a final empty segment, which keeps
// "/a" and "/a/" distinct.
func splitSegments(path string) []string {
	return strings.Split(path, "/")[1:]
}

func (rt *Router) insert(route *Route) error {
	if route.Pattern == "" || !strings.HasPrefix(route.Pattern, "/") {
		return errors.InvalidConfig(fmt.Sprintf("route path %q must start with /", route.Pattern))
	}

	segments := splitSegments(route.Pattern)
	cur := rt.root
	literalPrefix := ""
	literalOnly := true

	for i, seg := range segments {
		switch {
		case strings.HasPrefix(seg, "*"):
			name := seg[1:]
			if name == "" {
				return errors.InvalidConfig(fmt.Sprintf("route %q: catchall segment needs a name", route.Pattern))
			}
			if i != len(segments)-1 {
				return errors.InvalidConfig(fmt.Sprintf("route %q: catchall must be the final segment", route.Pattern))
			}
			if cur.catchName != "" && cur.catchName != name {
				return errors.InvalidConfig(fmt.Sprintf("route %q: conflicting catchall name %q (existing %q)", route.Pattern, name, cur.catchName))
			}
			cur.catchName = name
			cur.catchall = append(cur.catchall, route)
			route.literalPrefix = literalPrefix
			return nil

		case strings.HasPrefix(seg, ":"):
			name := seg[1:]
			if name == "" {
				return errors.InvalidConfig(fmt.Sprintf("route %q: parameter segment needs a name", route.Pattern))
			}
			if cur.param == nil {
				cur.param = newNode()
				cur.paramName = name
			} else if cur.paramName != name {
				return errors.InvalidConfig(fmt.Sprintf("route %q: conflicting parameter name %q (existing %q)", route.Pattern, name, cur.paramName))
			}
			cur = cur.param
			literalOnly = false

		default:
			child, ok := cur.literals[seg]
			if !ok {
				child = newNode()
				cur.literals[seg] = child
			}
			cur = child
			if literalOnly {
				literalPrefix += "/" + seg
			}
		}
	}

	route.literalPrefix = literalPrefix
	cur.routes = append(cur.routes, route)
	return nil
}

// Match resolves a method+path pair. Path matching runs first; a path hit
// with a disallowed method yields MethodNotAllowed rather than RouteNotFound.
func (rt *Router) Match(method, path string) (*Match, *errors.GatewayError) {
	if path == "" || path[0] != '/' {
		return nil, errors.RouteNotFound(path)
	}

	segments := splitSegments(path)
	params := make(map[string]string, 4)
	hit := matchNode(rt.root, segments, params)
	if hit == nil {
		return nil, errors.RouteNotFound(path)
	}

	route := selectByMethod(hit.routes, method)
	if route == nil {
		return nil, errors.MethodNotAllowed(method)
	}

	m := &Match{Route: route, Params: params}
	if hit.catch {
		m.Catchall = params[hit.catchName]
	}
	return m, nil
}

// pathHit is an internal path-match result prior to the method check.
type pathHit struct {
	routes    []*Route
	catch     bool
	catchName string
}

// matchNode walks the trie with literal > parameter > catchall priority,
// backtracking when a more specific branch dead-ends. params is populated
// with the winning branch's captures.
func matchNode(n *node, segments []string, params map[string]string) *pathHit {
	if len(segments) == 0 {
		if len(n.routes) > 0 {
			return &pathHit{routes: n.routes}
		}
		return nil
	}

	seg := segments[0]
	rest := segments[1:]

	if child, ok := n.literals[seg]; ok {
		if hit := matchNode(child, rest, params); hit != nil {
			return hit
		}
	}

	if n.param != nil {
		if hit := matchNode(n.param, rest, params); hit != nil {
			value, err := url.PathUnescape(seg)
			if err != nil {
				value = seg
			}
			params[n.paramName] = value
			return hit
		}
	}

	if len(n.catchall) > 0 {
		remainder := strings.Join(segments, "/")
		value, err := url.PathUnescape(remainder)
		if err != nil {
			value = remainder
		}
		params[n.catchName] = value
		return &pathHit{routes: n.catchall, catch: true, catchName: n.catchName}
	}

	return nil
}

// selectByMethod returns the first route (insertion order) whose method set
// admits the method, or nil when every candidate rejects it.
func selectByMethod(routes []*Route, method string) *Route {
	for _, r := range routes {
		if r.Methods == nil || r.Methods[method] {
			return r
		}
	}
	return nil
}

// BuildUpstreamURL constructs the URL forwarded to a backend base URL.
// The base is the selected backend (pool member or the route's single
// backend); :param placeholders in its path are substituted from the match.
func BuildUpstreamURL(base string, m *Match, requestPath, rawQuery string) (string, *errors.GatewayError) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.BadGateway(fmt.Sprintf("invalid backend URL %q", base))
	}

	basePath := substituteParams(u.Path, m.Params)

	var forwarded string
	if m.Route.StripPrefix {
		forwarded = strings.TrimPrefix(requestPath, m.Route.literalPrefix)
		if forwarded == "" {
			forwarded = "/"
		}
	} else {
		forwarded = requestPath
	}

	u.Path = singleJoiningSlash(basePath, forwarded)
	u.RawQuery = rawQuery
	return u.String(), nil
}

// substituteParams replaces :name segments in a backend path template with
// matched parameter values.
func substituteParams(path string, params map[string]string) string {
	if !strings.Contains(path, ":") || len(params) == 0 {
		return path
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if strings.HasPrefix(p, ":") {
			if v, ok := params[p[1:]]; ok {
				parts[i] = v
			}
		}
	}
	return strings.Join(parts, "/")
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	if b == "" {
		return a
	}
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
