package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xiy/memory-mesh/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory-mesh.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if strings.TrimSpace(out) != "memory-mesh v"+version {
		t.Fatalf("version output = %q", out)
	}
}

func TestCheckConfig_Valid(t *testing.T) {
	path := writeConfig(t, `
server_name: mesh-test
db_path: /tmp/mesh-test/catalog.db
embedding_provider:
  name: openai
  model: text-embedding-3-small
  dimensions: 1536
backends:
  - name: primary
    kind: qdrant
    weight: 0.7
    connection:
      host: localhost
  - name: graph
    kind: neo4j
    weight: 0.3
    connection:
      uri: bolt://localhost:7687
`)
	out, err := run(t, "check-config", "--config", path)
	if err != nil {
		t.Fatalf("check-config error = %v", err)
	}
	for _, want := range []string{"config ok", "primary", "kind=qdrant", "weight=0.30", "1536 dims"} {
		if !strings.Contains(out, want) {
			t.Fatalf("check-config output missing %q:\n%s", want, out)
		}
	}
}

func TestCheckConfig_Invalid(t *testing.T) {
	path := writeConfig(t, `
backends:
  - name: mystery
    kind: cassandra
`)
	_, err := run(t, "check-config", "--config", path)
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("check-config error = %v, want ErrConfiguration", err)
	}
}

func TestConfigPathFromEnvironment(t *testing.T) {
	path := writeConfig(t, "log_level: [not, a, string\n")
	t.Setenv("MEMORY_MESH_CONFIG", path)

	_, err := run(t, "check-config")
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("check-config error = %v, want ErrConfiguration from env config", err)
	}
}

func TestServe_RequiresATransport(t *testing.T) {
	_, err := run(t, "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--no-stdio")
	if err == nil || !strings.Contains(err.Error(), "--no-stdio") {
		t.Fatalf("serve error = %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("WARN").String() != "warn" || parseLevel("nope").String() != "info" {
		t.Fatalf("parseLevel mismatch")
	}
}
