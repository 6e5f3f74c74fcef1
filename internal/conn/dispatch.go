package conn

import (
	"path/filepath"
	"strings"

	"github.com/mmahmood233/localhost/internal/config"
	"github.com/mmahmood233/localhost/internal/httpparse"
	"github.com/mmahmood233/localhost/internal/httpresp"
	"github.com/mmahmood233/localhost/internal/static"
	"github.com/mmahmood233/localhost/internal/upload"
)

// dispatch runs the dispatch phase: turn c.decision plus a now
// fully-read request into a response, or hand off to the CGI bridge.
func (c *Connection) dispatch() {
	d := c.decision

	if d.NoRouteMatched {
		c.queueResponse(errorResponse(d.VHost, 404, ""), false)
		return
	}
	if d.MethodNotAllowed {
		resp := errorResponse(d.VHost, 405, "")
		resp.SetHeader("Allow", strings.Join(d.Route.AllowedMethods(), ", "))
		c.queueResponse(resp, false)
		return
	}

	switch d.Route.Action {
	case config.ActionReject:
		c.queueResponse(errorResponse(d.VHost, 403, ""), false)
	case config.ActionRedirect:
		c.dispatchRedirect(d.Route)
	case config.ActionServeStatic:
		c.dispatchStatic(d.Route)
	case config.ActionRunCGI:
		c.dispatchCGI(d.Route)
	default:
		c.queueResponse(errorResponse(d.VHost, 500, ""), true)
	}
}

func (c *Connection) dispatchRedirect(r *config.Route) {
	resp := httpresp.New(r.RedirectStatus)
	resp.SetHeader("Location", r.RedirectTarget)
	resp.SetBodyBytes(nil)
	c.queueResponse(resp, false)
}

// dispatchStatic implements the serve-static action for all four methods,
// plus the "resolved static path's extension is registered in the
// interpreter map" trigger for CGI: a static route can carry its own
// Interpreters map (e.g. ".php") without being a RUN_CGI route outright.
func (c *Connection) dispatchStatic(r *config.Route) {
	if len(r.Interpreters) > 0 && c.req.Method != httpparse.MethodDelete {
		ext := strings.TrimPrefix(filepath.Ext(c.req.Path), ".")
		if interpreter, ok := r.Interpreters[strings.ToLower(ext)]; ok && interpreter != "" {
			resolved, ok := static.Resolve(r.DocumentRoot, relativePath(r, c.req.Path))
			if !ok {
				c.queueResponse(errorResponse(c.decision.VHost, 403, ""), false)
				return
			}
			c.startCGIProcess(interpreter, r, resolved)
			return
		}
	}

	switch c.req.Method {
	case httpparse.MethodGet, httpparse.MethodHead:
		c.serveStaticFile(r)
	case httpparse.MethodPost:
		c.handleUpload(r)
	case httpparse.MethodDelete:
		c.handleDelete(r)
	default:
		c.queueResponse(errorResponse(c.decision.VHost, 405, ""), false)
	}
}

func (c *Connection) serveStaticFile(r *config.Route) {
	resolved, ok := static.Resolve(r.DocumentRoot, relativePath(r, c.req.Path))
	if !ok {
		c.queueResponse(errorResponse(c.decision.VHost, 403, ""), false)
		return
	}
	result := static.Serve(resolved, c.req.Path, c.req.Method == httpparse.MethodHead, static.Options{
		DocumentRoot:     r.DocumentRoot,
		IndexFiles:       r.IndexFiles,
		DirectoryListing: r.DirectoryListing,
	})
	if result.Response == nil {
		c.queueResponse(errorResponse(c.decision.VHost, result.Status, ""), false)
		return
	}
	c.queueResponse(result.Response, false)
}

// dispatchCGI implements the RUN_CGI action, resolving the interpreter
// from the script's own extension rather than the route path's.
func (c *Connection) dispatchCGI(r *config.Route) {
	relPath := relativePath(r, c.req.Path)
	resolved, ok := static.Resolve(r.DocumentRoot, relPath)
	if !ok {
		c.queueResponse(errorResponse(c.decision.VHost, 403, ""), false)
		return
	}
	ext := strings.TrimPrefix(filepath.Ext(resolved), ".")
	interpreter := r.Interpreters[strings.ToLower(ext)]
	if interpreter == "" {
		c.queueResponse(errorResponse(c.decision.VHost, 500, ""), true)
		return
	}
	c.startCGIProcess(interpreter, r, resolved)
}

func (c *Connection) handleUpload(r *config.Route) {
	contentType, _ := c.req.Headers.Get("Content-Type")
	dir := r.UploadDir
	if dir == "" {
		dir = r.DocumentRoot
	}

	lower := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(lower, "multipart/"):
		parts, err := upload.ParseMultipart(contentType, c.bodyBuf)
		if err != nil {
			c.queueResponse(errorResponse(c.decision.VHost, 400, ""), false)
			return
		}

		var stored []string
		for _, p := range parts {
			if p.FileName == "" {
				continue // a plain form field, not a file to persist
			}
			name, err := upload.Store(dir, p.FileName, p.Data)
			if err != nil {
				c.queueResponse(errorResponse(c.decision.VHost, 500, ""), false)
				return
			}
			stored = append(stored, name)
		}

		resp := httpresp.New(201)
		resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
		if len(stored) > 0 {
			resp.SetHeader("Location", strings.TrimSuffix(routePrefix(r), "/")+"/"+stored[len(stored)-1])
		}
		resp.SetBodyBytes([]byte(strings.Join(stored, "\n") + "\n"))
		c.queueResponse(resp, false)

	case strings.HasPrefix(lower, "application/x-www-form-urlencoded"):
		values, err := upload.ParseURLEncoded(c.bodyBuf)
		if err != nil {
			c.queueResponse(errorResponse(c.decision.VHost, 400, ""), false)
			return
		}
		resp := httpresp.New(200)
		resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
		resp.SetBodyBytes([]byte(values.Encode() + "\n"))
		c.queueResponse(resp, false)

	default:
		c.queueResponse(errorResponse(c.decision.VHost, 400, ""), false)
	}
}

func (c *Connection) handleDelete(r *config.Route) {
	if !upload.DeleteAllowed(r, c.req.Path) {
		c.queueResponse(errorResponse(c.decision.VHost, 403, ""), false)
		return
	}
	resolved, ok := static.Resolve(r.DocumentRoot, relativePath(r, c.req.Path))
	if !ok {
		c.queueResponse(errorResponse(c.decision.VHost, 403, ""), false)
		return
	}

	status := upload.Delete(resolved)
	if status == 204 {
		resp := httpresp.New(204)
		resp.SetBodyBytes(nil)
		c.queueResponse(resp, false)
		return
	}
	c.queueResponse(errorResponse(c.decision.VHost, status, ""), false)
}

// relativePath strips a route's path spec from a request path, leaving
// what static.Resolve joins onto the document root.
func relativePath(route *config.Route, requestPath string) string {
	prefix := routePrefix(route)
	return strings.TrimPrefix(requestPath, prefix)
}

func routePrefix(route *config.Route) string {
	if route.IsWildcard() {
		return route.WildcardPrefix()
	}
	return route.Path
}
