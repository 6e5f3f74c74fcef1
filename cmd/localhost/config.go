// Turning a JSON config file into the validated internal/config graph.
// The file format itself is ours to pick; this is the minimal
// encoding/json decode the rest of the server needs to exist standalone,
// shaped after dbldqt-httpImp/main.go's plain, no-framework main().
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mmahmood233/localhost/internal/config"
)

type jsonConfig struct {
	ServerTag string           `json:"server_tag"`
	Limits    *jsonLimits      `json:"limits"`
	Timeouts  *jsonTimeouts    `json:"timeouts"`
	Listeners []jsonListener   `json:"listeners"`
}

type jsonLimits struct {
	MaxBodyBytes   int64 `json:"max_body_bytes"`
	MaxHeaderBytes int   `json:"max_header_bytes"`
	MaxHeaderCount int   `json:"max_header_count"`
	MaxHeaderValue int   `json:"max_header_value"`
	MaxConnections int   `json:"max_connections"`
}

type jsonTimeouts struct {
	AcceptIdleSeconds    int `json:"accept_idle_seconds"`
	ReadHeaderSeconds    int `json:"read_header_seconds"`
	ReadBodySeconds      int `json:"read_body_seconds"`
	WriteSeconds         int `json:"write_seconds"`
	KeepAliveIdleSeconds int `json:"keep_alive_idle_seconds"`
	WholeRequestSeconds  int `json:"whole_request_seconds"`
}

type jsonListener struct {
	Address      string            `json:"address"`
	Port         int               `json:"port"`
	VirtualHosts []jsonVirtualHost `json:"virtual_hosts"`
}

type jsonVirtualHost struct {
	ServerName   string         `json:"server_name"`
	Default      bool           `json:"default"`
	MaxBodyBytes int64          `json:"max_body_bytes"`
	ErrorPages   map[string]string `json:"error_pages"`
	Routes       []jsonRoute    `json:"routes"`
}

type jsonRoute struct {
	Path            string            `json:"path"`
	Methods         []string          `json:"methods"`
	MaxBodyBytes    int64             `json:"max_body_bytes"`
	Action          string            `json:"action"`
	DocumentRoot    string            `json:"document_root"`
	IndexFiles      []string          `json:"index_files"`
	DirectoryListing bool             `json:"directory_listing"`
	Interpreters    map[string]string `json:"interpreters"`
	RedirectTarget  string            `json:"redirect_target"`
	RedirectStatus  int               `json:"redirect_status"`
	UploadDir       string            `json:"upload_dir"`
	DeleteWhitelist []string          `json:"delete_whitelist"`
}

func loadConfig(path string) (*config.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var jc jsonConfig
	if err := json.Unmarshal(raw, &jc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return jc.toConfig()
}

func (jc jsonConfig) toConfig() (*config.Config, error) {
	cfg := &config.Config{
		ServerTag: jc.ServerTag,
		Limits:    config.DefaultLimits(),
		Timeouts:  config.DefaultTimeouts(),
	}
	if cfg.ServerTag == "" {
		cfg.ServerTag = "localhost/1.0"
	}
	if jc.Limits != nil {
		cfg.Limits = jc.Limits.toLimits(cfg.Limits)
	}
	if jc.Timeouts != nil {
		cfg.Timeouts = jc.Timeouts.toTimeouts(cfg.Timeouts)
	}

	for _, jl := range jc.Listeners {
		lc := &config.ListenerConfig{Address: jl.Address, Port: jl.Port, DefaultVHostIndex: -1}
		for _, jv := range jl.VirtualHosts {
			vh := &config.VirtualHost{
				ServerName:   jv.ServerName,
				Default:      jv.Default,
				MaxBodyBytes: jv.MaxBodyBytes,
			}
			if len(jv.ErrorPages) > 0 {
				vh.ErrorPages = make(map[int]string, len(jv.ErrorPages))
				for status, path := range jv.ErrorPages {
					var code int
					if _, err := fmt.Sscanf(status, "%d", &code); err != nil {
						return nil, fmt.Errorf("listener %s:%d vhost %s: bad error page status %q", jl.Address, jl.Port, jv.ServerName, status)
					}
					vh.ErrorPages[code] = path
				}
			}
			for _, jr := range jv.Routes {
				route, err := jr.toRoute()
				if err != nil {
					return nil, fmt.Errorf("listener %s:%d vhost %s: %w", jl.Address, jl.Port, jv.ServerName, err)
				}
				vh.Routes = append(vh.Routes, route)
			}
			lc.VirtualHosts = append(lc.VirtualHosts, vh)
		}
		cfg.Listeners = append(cfg.Listeners, lc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (jl jsonLimits) toLimits(base config.Limits) config.Limits {
	if jl.MaxBodyBytes > 0 {
		base.MaxBodyBytes = jl.MaxBodyBytes
	}
	if jl.MaxHeaderBytes > 0 {
		base.MaxHeaderBytes = jl.MaxHeaderBytes
	}
	if jl.MaxHeaderCount > 0 {
		base.MaxHeaderCount = jl.MaxHeaderCount
	}
	if jl.MaxHeaderValue > 0 {
		base.MaxHeaderValue = jl.MaxHeaderValue
	}
	if jl.MaxConnections > 0 {
		base.MaxConnections = jl.MaxConnections
	}
	return base
}

func (jt jsonTimeouts) toTimeouts(base config.Timeouts) config.Timeouts {
	set := func(seconds int, cur time.Duration) time.Duration {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return cur
	}
	base.AcceptIdle = set(jt.AcceptIdleSeconds, base.AcceptIdle)
	base.ReadHeader = set(jt.ReadHeaderSeconds, base.ReadHeader)
	base.ReadBody = set(jt.ReadBodySeconds, base.ReadBody)
	base.Write = set(jt.WriteSeconds, base.Write)
	base.KeepAliveIdle = set(jt.KeepAliveIdleSeconds, base.KeepAliveIdle)
	base.WholeRequest = set(jt.WholeRequestSeconds, base.WholeRequest)
	return base
}

var actionByName = map[string]config.Action{
	"serve_static": config.ActionServeStatic,
	"run_cgi":      config.ActionRunCGI,
	"redirect":     config.ActionRedirect,
	"reject":       config.ActionReject,
}

func (jr jsonRoute) toRoute() (*config.Route, error) {
	action, ok := actionByName[jr.Action]
	if !ok {
		return nil, fmt.Errorf("route %s: unknown action %q", jr.Path, jr.Action)
	}
	r := &config.Route{
		Path:             jr.Path,
		MaxBodyBytes:     jr.MaxBodyBytes,
		Action:           action,
		DocumentRoot:     jr.DocumentRoot,
		IndexFiles:       jr.IndexFiles,
		DirectoryListing: jr.DirectoryListing,
		Interpreters:     jr.Interpreters,
		RedirectTarget:   jr.RedirectTarget,
		RedirectStatus:   jr.RedirectStatus,
		UploadDir:        jr.UploadDir,
		DeleteWhitelist:  jr.DeleteWhitelist,
	}
	if len(jr.Methods) > 0 {
		r.Methods = make(map[string]bool, len(jr.Methods))
		for _, m := range jr.Methods {
			r.Methods[m] = true
		}
	}
	return r, nil
}
