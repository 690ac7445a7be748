package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "custom.yaml")
		t.Setenv(EnvConfigPath, path)
		assert.Equal(t, path, NewLoader().Path())
	})

	t.Run("home directory", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv(EnvConfigPath, "")
		t.Setenv("HOME", home)
		t.Setenv("USERPROFILE", home)
		assert.Equal(t, filepath.Join(home, DefaultDir, ConfigFile), NewLoader().Path())
	})
}

func TestLoader_LoadMissing(t *testing.T) {
	l := NewFileLoader(filepath.Join(t.TempDir(), "none.yaml"))

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: warn
etw:
  sink: etw
symsrv:
  ioctl_code: 0x22e00c
  stop_poll: 2s
  modules:
    - base: 0xfffff80012340000
      path: C:\drivers\test.sys
`), 0o600))
	t.Setenv("ETWTRACE_LOG_LEVEL", "trace")

	cfg, err := NewFileLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "trace", cfg.Logging.Level, "env wins over file")
	assert.Equal(t, SinkETW, cfg.ETW.Sink)
	assert.Equal(t, DefaultMaxDescriptorSize, cfg.ETW.MaxDescriptorSize, "defaults fill gaps")
	assert.Equal(t, uint32(0x22e00c), cfg.SymSrv.IOCTLCode)
	assert.Equal(t, 2*time.Second, cfg.SymSrv.StopPoll)
	assert.Equal(t, []ModuleMapping{{Base: 0xfffff80012340000, Path: `C:\drivers\test.sys`}}, cfg.SymSrv.Modules)
	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadErrors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("etw: [unterminated"), 0o600))
	_, err := NewFileLoader(bad).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")

	_, err = NewFileLoader(dir).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")

	t.Setenv("ETWTRACE_POINTER_SIZE", "wide")
	_, err = NewFileLoader(filepath.Join(dir, "none.yaml")).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment variables")
}

func TestLoader_SaveAndLoad(t *testing.T) {
	l := NewFileLoader(filepath.Join(t.TempDir(), "nested", ConfigFile))

	cfg := DefaultConfig()
	cfg.ETW.PointerSize = 4
	cfg.SymSrv.Modules = []ModuleMapping{{Base: 0x10000, Path: "a.sys"}}
	require.NoError(t, l.Save(cfg))

	info, err := os.Stat(l.Path())
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	loaded, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
