// Package static implements the static file handler: resolve a request
// path inside a document root, reject traversal, serve a regular file or
// a directory listing.
//
// Shaped after the os.Open + io.Copy static serving in dbldqt-httpImp's
// main.go, hardened with a filepath.Clean + prefix check so a resolved
// path can never escape the document root. MIME lookup and directory
// listing HTML are pluggable; the defaults here are thin, stdlib-backed
// implementations so the repository runs standalone.
package static

import (
	"fmt"
	"html/template"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mmahmood233/localhost/internal/httpresp"
)

// MIMETyper maps a file extension (including the leading dot) to a
// Content-Type. Defaults to application/octet-stream when unknown.
type MIMETyper interface {
	TypeByExtension(ext string) string
}

type stdlibMIMETyper struct{}

func (stdlibMIMETyper) TypeByExtension(ext string) string {
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func DefaultMIMETyper() MIMETyper { return stdlibMIMETyper{} }

// DirectoryLister renders a directory's entries as an HTML body.
type DirectoryLister interface {
	List(requestPath string, entries []os.DirEntry) ([]byte, error)
}

type templateDirectoryLister struct {
	tmpl *template.Template
}

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html><head><title>Index of {{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<ul>
{{- range .Entries}}
<li><a href="{{.Name}}">{{.Name}}</a></li>
{{- end}}
</ul>
</body></html>
`))

type listingData struct {
	Path    string
	Entries []listingEntry
}

type listingEntry struct {
	Name string
}

func DefaultDirectoryLister() DirectoryLister {
	return &templateDirectoryLister{tmpl: listingTemplate}
}

func (l *templateDirectoryLister) List(requestPath string, entries []os.DirEntry) ([]byte, error) {
	names := make([]listingEntry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, listingEntry{Name: name})
	}
	sort.Slice(names, func(i, j int) bool { return names[i].Name < names[j].Name })

	var buf strings.Builder
	if err := l.tmpl.Execute(&buf, listingData{Path: requestPath, Entries: names}); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

// Options bundles the per-route static serving configuration for the
// serve-static action.
type Options struct {
	DocumentRoot     string
	IndexFiles       []string
	DirectoryListing bool
	MIMETyper        MIMETyper
	DirLister        DirectoryLister
}

// Result is tagged so the caller (the connection state machine) can react
// without the handler ever panicking past its boundary.
type Result struct {
	Response *httpresp.Response
	Status   int // set even when Response is nil, for error-page lookup
}

// Resolve maps a request path onto a filesystem path inside root,
// rejecting any result that would escape it. It never touches the
// filesystem itself; existence is checked by the caller via
// os.Stat/os.Open.
func Resolve(root, relPath string) (string, bool) {
	target := filepath.Join(root, relPath)

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", false
	}
	if absTarget != absRoot && !strings.HasPrefix(absTarget, absRoot+string(filepath.Separator)) {
		return "", false
	}
	return absTarget, true
}

// Serve handles a request end to end for a path already resolved to be
// inside opts.DocumentRoot.
func Serve(resolvedPath, requestPath string, head bool, opts Options) Result {
	typer := opts.MIMETyper
	if typer == nil {
		typer = DefaultMIMETyper()
	}
	lister := opts.DirLister
	if lister == nil {
		lister = DefaultDirectoryLister()
	}

	info, err := os.Stat(resolvedPath)
	if err != nil {
		if os.IsPermission(err) {
			return Result{Status: 403}
		}
		return Result{Status: 404}
	}

	if info.IsDir() {
		return serveDir(resolvedPath, requestPath, head, opts, typer, lister)
	}
	return serveFile(resolvedPath, info.Size(), info.ModTime(), head, typer)
}

func serveDir(dir, requestPath string, head bool, opts Options, typer MIMETyper, lister DirectoryLister) Result {
	for _, idx := range opts.IndexFiles {
		candidate := filepath.Join(dir, idx)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return serveFile(candidate, info.Size(), info.ModTime(), head, typer)
		}
	}
	if !opts.DirectoryListing {
		return Result{Status: 404}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{Status: 403}
	}
	body, err := lister.List(requestPath, entries)
	if err != nil {
		return Result{Status: 500}
	}

	resp := httpresp.New(200)
	resp.SetHeader("Content-Type", "text/html; charset=utf-8")
	resp.SetBodyBytes(body)
	return Result{Response: resp, Status: 200}
}

func serveFile(path string, size int64, modTime time.Time, head bool, typer MIMETyper) Result {
	f, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return Result{Status: 403}
		}
		return Result{Status: 404}
	}

	resp := httpresp.New(200)
	resp.SetHeader("Content-Type", typer.TypeByExtension(filepath.Ext(path)))
	resp.SetHeader("Last-Modified", modTime.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT"))

	if head {
		f.Close()
		resp.SetHeader("Content-Length", fmt.Sprintf("%d", size))
		return Result{Response: resp, Status: 200}
	}

	resp.SetBodyFile(httpresp.NewReaderProducer(f, f), size)
	return Result{Response: resp, Status: 200}
}
