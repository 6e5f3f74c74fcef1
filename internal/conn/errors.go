package conn

import (
	"fmt"
	"os"

	"github.com/mmahmood233/localhost/internal/config"
	"github.com/mmahmood233/localhost/internal/httpresp"
)

// plainStatusResponse builds the minimal text body the connection has to
// manufacture itself: before routing has happened, or when no vhost error
// page applies.
func plainStatusResponse(status int, reason string) *httpresp.Response {
	resp := httpresp.New(status)
	if reason != "" {
		resp.Reason = reason
	}
	resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
	resp.SetBodyBytes([]byte(fmt.Sprintf("%d %s\n", status, reasonOrDefault(status, reason))))
	return resp
}

func reasonOrDefault(status int, reason string) string {
	if reason != "" {
		return reason
	}
	if p := httpresp.ReasonPhrase(status); p != "" {
		return p
	}
	return "Error"
}

// errorResponse prefers vh's configured error page (VirtualHost.ErrorPages)
// over the generic plain body. 204 and other bodyless statuses never get
// a body, custom page or not.
func errorResponse(vh *config.VirtualHost, status int, reason string) *httpresp.Response {
	if status == 204 || status == 304 {
		resp := httpresp.New(status)
		if reason != "" {
			resp.Reason = reason
		}
		resp.SetBodyBytes(nil)
		return resp
	}

	if vh != nil {
		if path, ok := vh.ErrorPages[status]; ok {
			if body, err := os.ReadFile(path); err == nil {
				resp := httpresp.New(status)
				if reason != "" {
					resp.Reason = reason
				}
				resp.SetHeader("Content-Type", "text/html; charset=utf-8")
				resp.SetBodyBytes(body)
				return resp
			}
		}
	}
	return plainStatusResponse(status, reason)
}
