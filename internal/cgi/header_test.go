package cgi

import "testing"

func TestSplitHeaderBlockCRLF(t *testing.T) {
	buf := []byte("Content-Type: text/plain\r\n\r\nbody bytes")
	header, body, complete := SplitHeaderBlock(buf)
	if !complete {
		t.Fatal("expected complete")
	}
	if string(header) != "Content-Type: text/plain" {
		t.Errorf("header = %q", header)
	}
	if string(body) != "body bytes" {
		t.Errorf("body = %q", body)
	}
}

func TestSplitHeaderBlockBareLF(t *testing.T) {
	buf := []byte("Content-Type: text/plain\n\nbody")
	header, body, complete := SplitHeaderBlock(buf)
	if !complete {
		t.Fatal("expected complete")
	}
	if string(header) != "Content-Type: text/plain" || string(body) != "body" {
		t.Errorf("header=%q body=%q", header, body)
	}
}

func TestSplitHeaderBlockIncomplete(t *testing.T) {
	_, _, complete := SplitHeaderBlock([]byte("Content-Type: text/plain\n"))
	if complete {
		t.Fatal("expected incomplete")
	}
}

func TestParseHeaderBlockDefaultsStatus200(t *testing.T) {
	hb, err := ParseHeaderBlock([]byte("Content-Type: text/html"))
	if err != nil {
		t.Fatal(err)
	}
	if hb.Status != 200 || hb.Reason != "OK" {
		t.Errorf("status=%d reason=%q", hb.Status, hb.Reason)
	}
}

func TestParseHeaderBlockCustomStatus(t *testing.T) {
	hb, err := ParseHeaderBlock([]byte("Status: 302 Found\r\nLocation: /elsewhere\r\nContent-Type: text/plain"))
	if err != nil {
		t.Fatal(err)
	}
	if hb.Status != 302 || hb.Reason != "Found" {
		t.Errorf("status=%d reason=%q", hb.Status, hb.Reason)
	}
	if got := hb.Headers["Location"]; len(got) != 1 || got[0] != "/elsewhere" {
		t.Errorf("Location = %v", got)
	}
}

func TestParseHeaderBlockMissingContentTypeErrors(t *testing.T) {
	if _, err := ParseHeaderBlock([]byte("X-Foo: bar")); err == nil {
		t.Fatal("expected error for missing Content-Type")
	}
}

func TestBuildEnvIncludesCoreVariables(t *testing.T) {
	env := BuildEnv(Metadata{
		Method:         "GET",
		RequestURI:     "/cgi-bin/hello.cgi?x=1",
		ScriptName:     "/cgi-bin/hello.cgi",
		ScriptFilename: "/var/www/cgi-bin/hello.cgi",
		QueryString:    "x=1",
		ServerName:     "example.com",
		ServerPort:     8080,
		ServerProtocol: "HTTP/1.1",
		ServerSoftware: "localhost/1.0",
		RemoteAddr:     "10.0.0.1",
		RemotePort:     "5555",
		ContentLength:  -1,
		Headers:        map[string][]string{"User-Agent": {"curl/8.0"}},
	})

	want := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"REQUEST_METHOD":    "GET",
		"SCRIPT_NAME":       "/cgi-bin/hello.cgi",
		"QUERY_STRING":      "x=1",
		"SERVER_PORT":       "8080",
		"HTTP_USER_AGENT":   "curl/8.0",
	}
	got := map[string]bool{}
	for _, kv := range env {
		got[kv] = true
	}
	for k, v := range want {
		if !got[k+"="+v] {
			t.Errorf("missing env entry %s=%s in %v", k, v, env)
		}
	}
	for _, kv := range env {
		if len(kv) >= len("CONTENT_LENGTH=") && kv[:len("CONTENT_LENGTH=")] == "CONTENT_LENGTH=" {
			t.Errorf("did not expect CONTENT_LENGTH with unknown length, got %s", kv)
		}
	}
}
