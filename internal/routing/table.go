// Package routing implements the deterministic (listener, host, method,
// path) -> decision algorithm.
//
// Shaped after the flat []Node children and bytes.HasPrefix matching in
// server/router/radix.go, but the ":param"-capturing radix tree there is
// replaced outright: routes here are exact-or-"/*"-prefix only, with
// longest-match-wins and declaration-order tiebreaks, which a capturing
// radix tree doesn't express. A flat per-vhost slice scanned in order is
// simpler than rebuilding the tree for a matching rule it was never
// designed for.
package routing

import (
	"strings"

	"github.com/mmahmood233/localhost/internal/config"
)

// Decision is the outcome of routing one request.
type Decision struct {
	VHost *config.VirtualHost
	Route *config.Route // nil only when NoRouteMatched is true
	// NoRouteMatched means no Route's path spec matched at all (404).
	NoRouteMatched bool
	// MethodNotAllowed means a Route matched the path but not the method
	// (405); Route is still set so the caller can build the Allow header.
	MethodNotAllowed bool
	// EffectiveMaxBody is the body-size limit after route > vhost > global
	// inheritance.
	EffectiveMaxBody int64
}

// SelectVHost picks the virtual host for a listener given the request's
// Host header.
func SelectVHost(l *config.ListenerConfig, host string) *config.VirtualHost {
	host = strings.ToLower(host)
	if i := strings.LastIndexByte(host, ':'); i != -1 {
		host = host[:i]
	}
	return l.VHostFor(host)
}

// Match scans vh's routes in declaration order, picks the longest
// matching path pattern (exact or "/*"-prefix), ties broken by
// declaration order, then checks the method.
func Match(vh *config.VirtualHost, method, path string, globalMaxBody int64) Decision {
	var best *config.Route
	bestLen := -1

	for _, r := range vh.Routes {
		if matched, specLen := matches(r, path); matched && specLen > bestLen {
			best = r
			bestLen = specLen
		}
	}

	if best == nil {
		// EffectiveMaxBody still needs to be the global cap here: the body
		// gets fully drained before the 404 goes out (so it can't be
		// replayed as the next pipelined request), and draining needs a
		// real limit to enforce, not the zero value.
		return Decision{VHost: vh, NoRouteMatched: true, EffectiveMaxBody: globalMaxBody}
	}

	d := Decision{VHost: vh, Route: best, EffectiveMaxBody: effectiveMaxBody(best, vh, globalMaxBody)}
	if !best.Allows(method) {
		d.MethodNotAllowed = true
	}
	return d
}

func matches(r *config.Route, path string) (bool, int) {
	if r.IsWildcard() {
		prefix := r.WildcardPrefix()
		if prefix == "" || strings.HasPrefix(path, prefix) {
			return true, len(prefix)
		}
		return false, 0
	}
	if r.Path == path {
		return true, len(r.Path)
	}
	return false, 0
}

func effectiveMaxBody(r *config.Route, vh *config.VirtualHost, global int64) int64 {
	if r.MaxBodyBytes > 0 {
		return r.MaxBodyBytes
	}
	if vh.MaxBodyBytes > 0 {
		return vh.MaxBodyBytes
	}
	return global
}
