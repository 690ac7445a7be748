package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/etwtrace/internal/cli/helpers"
	"github.com/coral-mesh/etwtrace/internal/config"
)

func run(t *testing.T, opts *helpers.GlobalOptions, args ...string) (string, error) {
	t.Helper()
	cmd := NewConfigCmd(opts)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestView(t *testing.T) {
	opts := &helpers.GlobalOptions{ConfigPath: filepath.Join(t.TempDir(), "none.yaml")}

	out, err := run(t, opts, "view")
	require.NoError(t, err)

	var got config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	if diff := cmp.Diff(config.DefaultConfig(), &got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("view mismatch (-want +got):\n%s", diff)
	}
}

func TestView_FileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("symsrv:\n  modules:\n    - base: 0x1000\n      path: a.sys\n"), 0o600))
	opts := &helpers.GlobalOptions{ConfigPath: path, PointerSize: 4}

	out, err := run(t, opts, "view")
	require.NoError(t, err)

	var got config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, 4, got.ETW.PointerSize)
	assert.Equal(t, []config.ModuleMapping{{Base: 0x1000, Path: "a.sys"}}, got.SymSrv.Modules)
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, os.WriteFile(path, []byte("etw:\n  sink: memory\n"), 0o600))
	out, err := run(t, &helpers.GlobalOptions{ConfigPath: path}, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, path+" is valid")

	require.NoError(t, os.WriteFile(path, []byte("etw:\n  sink: pipe\n"), 0o600))
	_, err = run(t, &helpers.GlobalOptions{ConfigPath: path}, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etw.sink")
}

func TestValidate_ReportsOverrides(t *testing.T) {
	t.Setenv("ETWTRACE_SINK", "etw")
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := run(t, &helpers.GlobalOptions{ConfigPath: path}, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "overridden by ETWTRACE_SINK")
}

func TestPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	out, err := run(t, &helpers.GlobalOptions{ConfigPath: path}, "path")
	require.NoError(t, err)
	assert.Equal(t, path, strings.TrimSpace(out))
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)

	var schema struct {
		Title      string `json:"title"`
		Properties map[string]struct {
			Properties map[string]struct {
				Type string `json:"type"`
				Enum []any  `json:"enum"`
			} `json:"properties"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(data, &schema))

	assert.Equal(t, "etwtrace configuration", schema.Title)
	assert.ElementsMatch(t, []string{"logging", "etw", "symsrv"}, keys(schema.Properties))

	etw := schema.Properties["etw"].Properties
	assert.Equal(t, []any{"memory", "etw"}, etw["sink"].Enum)
	assert.Equal(t, "integer", etw["pointer_size"].Type)
	assert.Contains(t, schema.Properties["symsrv"].Properties, "device_path")
	assert.Equal(t, "array", schema.Properties["symsrv"].Properties["modules"].Type)

	out, err := run(t, &helpers.GlobalOptions{}, "schema")
	require.NoError(t, err)
	assert.Equal(t, string(data)+"\n", out)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
