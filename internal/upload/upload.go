// Package upload implements the upload/delete handler: accept a POST body
// (multipart/form-data or application/x-www-form-urlencoded), persist each
// uploaded file under a configured directory with a collision-safe name,
// and gate DELETE by a path-prefix whitelist.
//
// Shaped after MultipartReader in dbldqt-httpImp/httpd/multipart.go and
// its readHeader helper in request.go, reworked from a streaming
// bufio.Reader source to the already-buffered []byte body the connection
// state machine hands every non-CGI handler (the body is read in full
// before dispatch ever sees it).
package upload

import (
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mmahmood233/localhost/internal/config"
)

// Part is one multipart/form-data section: either a plain form field
// (FileName empty) or an uploaded file.
type Part struct {
	FieldName   string
	FileName    string
	ContentType string
	Data        []byte
}

// ParseMultipart splits an already-buffered body into its parts, given the
// Content-Type header's boundary parameter.
func ParseMultipart(contentType string, body []byte) ([]Part, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("upload: bad Content-Type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("upload: not multipart: %s", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("upload: missing boundary")
	}

	dashBoundary := []byte("--" + boundary)
	delimiter := []byte("\r\n--" + boundary)

	// The body starts with the boundary without a leading CRLF.
	rest := body
	if idx := indexBytes(rest, dashBoundary); idx == -1 {
		return nil, fmt.Errorf("upload: no initial boundary found")
	} else {
		rest = rest[idx+len(dashBoundary):]
	}

	var parts []Part
	for {
		rest = trimLeadingCRLF(rest)
		if strings.HasPrefix(string(rest), "--") {
			break
		}

		headerEnd := indexBytes(rest, []byte("\r\n\r\n"))
		if headerEnd == -1 {
			return nil, fmt.Errorf("upload: malformed part header")
		}
		headers := parseHeaders(rest[:headerEnd])
		body := rest[headerEnd+4:]

		next := indexBytes(body, delimiter)
		if next == -1 {
			return nil, fmt.Errorf("upload: part missing terminating boundary")
		}
		data := body[:next]
		rest = body[next+len(delimiter):]

		fieldName, fileName := parseDisposition(headers["content-disposition"])
		parts = append(parts, Part{
			FieldName:   fieldName,
			FileName:    fileName,
			ContentType: headers["content-type"],
			Data:        data,
		})

		if strings.HasPrefix(string(rest), "--") {
			break
		}
	}
	return parts, nil
}

func parseHeaders(block []byte) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(string(block), "\r\n") {
		i := strings.IndexByte(line, ':')
		if i == -1 {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(line[:i]))
		v := strings.TrimSpace(line[i+1:])
		headers[k] = v
	}
	return headers
}

func parseDisposition(header string) (fieldName, fileName string) {
	if header == "" {
		return "", ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return "", ""
	}
	return params["name"], params["filename"]
}

func trimLeadingCRLF(b []byte) []byte {
	if len(b) >= 2 && b[0] == '\r' && b[1] == '\n' {
		return b[2:]
	}
	return b
}

func indexBytes(haystack, needle []byte) int {
	n := len(needle)
	for i := 0; i+n <= len(haystack); i++ {
		if string(haystack[i:i+n]) == string(needle) {
			return i
		}
	}
	return -1
}

// ParseURLEncoded decodes an application/x-www-form-urlencoded body into
// its field values, for POSTs that carry no file.
func ParseURLEncoded(body []byte) (url.Values, error) {
	return url.ParseQuery(string(body))
}

// Result tags the outcome for the caller, same pattern as internal/static.
type Result struct {
	Status   int
	Location string // Location header for 201 responses
}

// sanitizeFileName strips any directory component and rejects the
// remaining empty/dot-only names, so a crafted filename field can never
// point outside UploadDir.
func sanitizeFileName(name string) string {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "" || name == "." || name == "/" {
		return ""
	}
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return ""
	}
	return name
}

// Store persists one uploaded part under dir, choosing a counter-suffixed
// name on collision instead of silently overwriting.
func Store(dir string, fileName string, data []byte) (storedName string, err error) {
	clean := sanitizeFileName(fileName)
	if clean == "" {
		return "", fmt.Errorf("upload: invalid filename")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	ext := filepath.Ext(clean)
	base := strings.TrimSuffix(clean, ext)
	candidate := clean
	for i := 0; ; i++ {
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		f, err := os.OpenFile(filepath.Join(dir, candidate), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err == nil {
			defer f.Close()
			if _, werr := f.Write(data); werr != nil {
				return "", werr
			}
			return candidate, nil
		}
		if !os.IsExist(err) {
			return "", err
		}
	}
}

// DeleteAllowed is the whitelist check that gates a DELETE before it's
// allowed to touch the filesystem.
func DeleteAllowed(route *config.Route, requestPath string) bool {
	whitelist := route.DeleteWhitelist
	if len(whitelist) == 0 {
		whitelist = []string{"/uploads/"}
	}
	for _, prefix := range whitelist {
		if strings.HasPrefix(requestPath, prefix) {
			return true
		}
	}
	return false
}

// Delete removes the resolved file, reporting 404/403 the way
// internal/static does for consistency.
func Delete(resolvedPath string) int {
	if err := os.Remove(resolvedPath); err != nil {
		if os.IsNotExist(err) {
			return 404
		}
		if os.IsPermission(err) {
			return 403
		}
		return 500
	}
	return 204
}
