package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("A=1\n#comment\n B = two \n=skipped\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	m, err := loadEnvFile(dotenv)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if len(m) != 2 || m["A"] != "1" || m["B"] != "two" {
		t.Fatalf("unexpected pairs: %+v", m)
	}
}

func TestGlobalEnv_FilesThenList(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.env")
	second := filepath.Join(dir, "second.env")
	if err := os.WriteFile(first, []byte("FILE_ONLY=fv\nSHARED=first\nTOP=file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(second, []byte("SHARED=second\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := Config{Supervisor: SupervisorConfig{
		EnvFiles: []string{first, second},
		Env:      []string{"TOP=list"},
	}}
	m, err := c.GlobalEnv()
	if err != nil {
		t.Fatalf("GlobalEnv: %v", err)
	}
	if m["FILE_ONLY"] != "fv" || m["SHARED"] != "second" || m["TOP"] != "list" {
		t.Fatalf("unexpected merge: %v", m)
	}
}

func TestGlobalEnv_MissingFile(t *testing.T) {
	c := Config{Supervisor: SupervisorConfig{EnvFiles: []string{filepath.Join(t.TempDir(), "nope.env")}}}
	if _, err := c.GlobalEnv(); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}
