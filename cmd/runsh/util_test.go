package main

import (
	"bytes"
	"testing"

	"github.com/loykin/runsh"
)

func TestBaseURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:9464": "http://127.0.0.1:9464",
		":9464":          "http://127.0.0.1:9464",
		"0.0.0.0:80":     "http://127.0.0.1:80",
		"[::]:80":        "http://127.0.0.1:80",
		"host:1":         "http://host:1",
		"no-port":        "http://no-port",
	}
	for in, want := range cases {
		if got := baseURL(in); got != want {
			t.Errorf("baseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := printJSON(&buf, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "{\n  \"a\": 1\n}\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestProfileFlagsApplyOnlyChanged(t *testing.T) {
	p := runsh.NewProfile("svc", "/a.sh")
	p.Environment["KEEP"] = "1"
	p.Environment["DROP"] = "1"
	n := 2
	p.MaxRestarts = &n

	f := &ProfileFlags{
		Script:        "/b.sh",
		WorkDir:       "/ignored",
		RestartOnExit: false,
		StartDelay:    1.5,
		Env:           []string{"NEW=x=y"},
		UnsetEnv:      []string{"DROP"},
	}
	changed := map[string]bool{"script": true, "restart-on-exit": true, "start-delay": true}
	if err := f.apply(func(name string) bool { return changed[name] }, &p); err != nil {
		t.Fatal(err)
	}
	if p.ScriptPath != "/b.sh" || p.WorkingDir != "" || p.RestartOnExit || p.StartDelay != 1.5 {
		t.Fatalf("unexpected profile %+v", p)
	}
	if p.MaxRestarts == nil || *p.MaxRestarts != 2 {
		t.Fatalf("max restarts changed: %v", p.MaxRestarts)
	}
	if p.Environment["NEW"] != "x=y" || p.Environment["KEEP"] != "1" {
		t.Fatalf("unexpected env %v", p.Environment)
	}
	if _, ok := p.Environment["DROP"]; ok {
		t.Fatal("DROP not removed")
	}
}
