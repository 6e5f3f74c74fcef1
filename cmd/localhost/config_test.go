package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mmahmood233/localhost/internal/config"
)

const sampleConfig = `{
	"server_tag": "test/1.0",
	"listeners": [
		{
			"address": "127.0.0.1",
			"port": 8080,
			"virtual_hosts": [
				{
					"server_name": "example.com",
					"default": true,
					"error_pages": {"404": "/srv/errors/404.html"},
					"routes": [
						{
							"path": "/static/*",
							"action": "serve_static",
							"document_root": "/srv/www",
							"index_files": ["index.html"]
						},
						{
							"path": "/cgi-bin/*",
							"action": "run_cgi",
							"document_root": "/srv/cgi",
							"interpreters": {"py": "/usr/bin/python3"}
						},
						{
							"path": "/old",
							"action": "redirect",
							"redirect_target": "/new",
							"redirect_status": 301
						}
					]
				}
			]
		}
	]
}`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigParsesListenersVhostsAndRoutes(t *testing.T) {
	cfg, err := loadConfig(writeTempConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.ServerTag != "test/1.0" {
		t.Errorf("ServerTag = %q", cfg.ServerTag)
	}
	if len(cfg.Listeners) != 1 {
		t.Fatalf("expected 1 listener, got %d", len(cfg.Listeners))
	}
	l := cfg.Listeners[0]
	if l.Port != 8080 || l.Address != "127.0.0.1" {
		t.Errorf("unexpected listener: %+v", l)
	}
	if len(l.VirtualHosts) != 1 {
		t.Fatalf("expected 1 vhost, got %d", len(l.VirtualHosts))
	}
	vh := l.VirtualHosts[0]
	if !vh.Default || vh.ServerName != "example.com" {
		t.Errorf("unexpected vhost: %+v", vh)
	}
	if vh.ErrorPages[404] != "/srv/errors/404.html" {
		t.Errorf("error pages = %+v", vh.ErrorPages)
	}
	if len(vh.Routes) != 3 {
		t.Fatalf("expected 3 routes, got %d", len(vh.Routes))
	}

	static := vh.Routes[0]
	if static.Action != config.ActionServeStatic || static.DocumentRoot != "/srv/www" {
		t.Errorf("unexpected static route: %+v", static)
	}

	cgiRoute := vh.Routes[1]
	if cgiRoute.Action != config.ActionRunCGI || cgiRoute.Interpreters["py"] != "/usr/bin/python3" {
		t.Errorf("unexpected cgi route: %+v", cgiRoute)
	}

	redirect := vh.Routes[2]
	if redirect.Action != config.ActionRedirect || redirect.RedirectStatus != 301 || redirect.RedirectTarget != "/new" {
		t.Errorf("unexpected redirect route: %+v", redirect)
	}
}

func TestLoadConfigRejectsUnknownAction(t *testing.T) {
	bad := `{"listeners":[{"port":8080,"virtual_hosts":[{"server_name":"x","default":true,
		"routes":[{"path":"/","action":"bogus"}]}]}]}`
	if _, err := loadConfig(writeTempConfig(t, bad)); err == nil {
		t.Fatal("expected an error for an unknown route action")
	}
}

func TestLoadConfigRejectsMissingListeners(t *testing.T) {
	if _, err := loadConfig(writeTempConfig(t, `{}`)); err == nil {
		t.Fatal("expected validation to reject a config with no listeners")
	}
}

func TestLoadConfigRejectsBadErrorPageStatus(t *testing.T) {
	bad := `{"listeners":[{"port":8080,"virtual_hosts":[{"server_name":"x","default":true,
		"error_pages":{"oops":"/e.html"},
		"routes":[{"path":"/","action":"reject"}]}]}]}`
	if _, err := loadConfig(writeTempConfig(t, bad)); err == nil {
		t.Fatal("expected an error for a non-numeric error page status")
	}
}

func TestTimeoutsOverrideOnlyPositiveFields(t *testing.T) {
	base := config.DefaultTimeouts()
	jt := jsonTimeouts{ReadHeaderSeconds: 3}
	got := jt.toTimeouts(base)
	if got.ReadHeader.Seconds() != 3 {
		t.Errorf("ReadHeader = %v, want 3s", got.ReadHeader)
	}
	if got.ReadBody != base.ReadBody {
		t.Errorf("ReadBody should stay at default, got %v", got.ReadBody)
	}
}
