package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/stitch/internal/config"
	"github.com/conneroisu/stitch/internal/logging"
)

func writeSite(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func newTestCommand() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	return cmd, &out
}

func TestBuildCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	viper.Reset()
	defer viper.Reset()
	buildWatch = false

	writeSite(t, "website", map[string]string{
		"index.html":      "<body>[[ _nav.html(active=home) ]]</body>",
		"_nav.html":       `<nav class="[active]"></nav>`,
		"css/site.css":    "body{}",
		"_partials/x.txt": "private",
	})

	cmd, out := newTestCommand()
	require.NoError(t, runBuild(cmd, nil))

	data, err := os.ReadFile(filepath.Join("dist", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, `<body><nav class="home"></nav></body>`, string(data))
	assert.FileExists(t, filepath.Join("dist", "css", "site.css"))
	assert.NoFileExists(t, filepath.Join("dist", "_nav.html"))
	assert.NoDirExists(t, filepath.Join("dist", "_partials"))

	assert.Contains(t, out.String(), "Built 2 files into dist")
	assert.NotContains(t, out.String(), "WebSocket")
}

func TestBuildCommandReportsMissingIncludes(t *testing.T) {
	t.Chdir(t.TempDir())
	viper.Reset()
	defer viper.Reset()
	buildWatch = false

	writeSite(t, "website", map[string]string{"page.html": "[[ nope.html ]]"})

	cmd, out := newTestCommand()
	require.NoError(t, runBuild(cmd, nil))

	assert.Contains(t, out.String(), "1 missing includes")
	assert.Contains(t, out.String(), "nope.html")
}

func TestBuildCommandHonorsConfiguration(t *testing.T) {
	t.Chdir(t.TempDir())
	viper.Reset()
	defer viper.Reset()
	buildWatch = false

	writeSite(t, "pages", map[string]string{"a.html": "A"})
	writeSite(t, "public", map[string]string{"stale.html": "old"})

	viper.Set("site.source", "pages")
	viper.Set("site.output", "public")
	viper.Set("build.clean", true)

	cmd, _ := newTestCommand()
	require.NoError(t, runBuild(cmd, nil))

	assert.FileExists(t, filepath.Join("public", "a.html"))
	assert.NoFileExists(t, filepath.Join("public", "stale.html"))
}

func TestBuildCommandFailsWithoutSource(t *testing.T) {
	t.Chdir(t.TempDir())
	viper.Reset()
	defer viper.Reset()
	buildWatch = false

	cmd, _ := newTestCommand()
	err := runBuild(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build failed")
}

func TestBuildCommandRejectsInvalidConfiguration(t *testing.T) {
	t.Chdir(t.TempDir())
	viper.Reset()
	defer viper.Reset()
	buildWatch = false

	viper.Set("site.output", "website/out")

	cmd, _ := newTestCommand()
	err := runBuild(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestServeRebuildsOnChange(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "website")
	out := filepath.Join(dir, "dist")
	writeSite(t, src, map[string]string{
		"index.html": "<html><body>[[ _greeting.html(name=World) ]]</body></html>",
		"_greeting.html": "Hello [name]",
	})

	cfg := &config.Config{
		Site:   config.SiteConfig{Source: src, Output: out},
		Build:  config.BuildConfig{ExcludePrefix: "_", MarkupExt: ".html"},
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, logging.NewDiscardLogger()) }()

	index := filepath.Join(out, "index.html")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(index)
		return err == nil && strings.Contains(string(data), "Hello World") &&
			strings.Contains(string(data), "ws://127.0.0.1:")
	}, 5*time.Second, 20*time.Millisecond)

	data, err := os.ReadFile(index)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"ws://127.0.0.1:0"`)

	// The watcher is started after the initial build; keep touching the
	// fragment until a rebuild picks the change up.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(src, "_greeting.html"), []byte("Goodbye [name]"), 0o644)
		data, err := os.ReadFile(index)
		return err == nil && strings.Contains(string(data), "Goodbye World")
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServeKeepsRunningAfterFailedInitialBuild(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "website")
	out := filepath.Join(dir, "dist")
	writeSite(t, src, map[string]string{"index.html": "<html><body>first</body></html>"})

	// A directory where the page should be written makes the first pass fail.
	index := filepath.Join(out, "index.html")
	require.NoError(t, os.MkdirAll(index, 0o755))

	cfg := &config.Config{
		Site:   config.SiteConfig{Source: src, Output: out},
		Build:  config.BuildConfig{ExcludePrefix: "_", MarkupExt: ".html"},
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, logging.NewDiscardLogger()) }()

	// serve must not return while the obstruction is in place.
	select {
	case err := <-done:
		t.Fatalf("serve returned after a failed build: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, os.Remove(index))
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(src, "index.html"), []byte("<html><body>fixed</body></html>"), 0o644)
		data, err := os.ReadFile(index)
		return err == nil && strings.Contains(string(data), "fixed")
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestWriteConfig(t *testing.T) {
	cfg := &config.Config{
		Site:  config.SiteConfig{Source: "website", Output: "dist"},
		Watch: config.WatchConfig{Debounce: 250 * time.Millisecond, Ignore: []string{".git"}},
		Log:   config.LogConfig{Level: "info", Format: "text"},
	}

	var yamlOut bytes.Buffer
	require.NoError(t, writeConfig(&yamlOut, cfg, "yaml"))
	assert.Contains(t, yamlOut.String(), "source: website")
	assert.Contains(t, yamlOut.String(), "debounce: 250ms")

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(yamlOut.Bytes(), &parsed))
	assert.Contains(t, parsed, "site")

	var jsonOut bytes.Buffer
	require.NoError(t, writeConfig(&jsonOut, cfg, "json"))
	var decoded config.Config
	require.NoError(t, json.Unmarshal(jsonOut.Bytes(), &decoded))
	assert.Equal(t, "dist", decoded.Site.Output)

	assert.Error(t, writeConfig(&bytes.Buffer{}, cfg, "toml"))
}

func TestConfigShowCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	viper.Reset()
	defer viper.Reset()
	configFormat = "yaml"

	viper.Set("server.port", 4321)

	cmd, out := newTestCommand()
	require.NoError(t, runConfigShow(cmd, nil))
	assert.Contains(t, out.String(), "port: 4321")
	assert.Contains(t, out.String(), "exclude_prefix: _")
}

func TestVersionCommand(t *testing.T) {
	defer func() { versionFormat = "text" }()

	versionFormat = "text"
	cmd, out := newTestCommand()
	require.NoError(t, runVersionCommand(cmd, nil))
	assert.True(t, strings.HasPrefix(out.String(), "stitch "))

	versionFormat = "json"
	cmd, out = newTestCommand()
	require.NoError(t, runVersionCommand(cmd, nil))
	var info map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Contains(t, info, "go_version")

	versionFormat = "xml"
	cmd, _ = newTestCommand()
	assert.Error(t, runVersionCommand(cmd, nil))
}

func TestValidatePort(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"3000", false},
		{"1", false},
		{"65535", false},
		{"0", true},
		{"65536", true},
		{"http", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidatePort(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateDuration(t *testing.T) {
	assert.NoError(t, ValidateDuration("0s"))
	assert.NoError(t, ValidateDuration("150ms"))
	assert.Error(t, ValidateDuration("-1s"))
	assert.Error(t, ValidateDuration("soon"))
}

func TestAddFlagValidation(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addServerFlags(cmd)

	assert.Error(t, cmd.Flags().Set("port", "99999"))
	require.NoError(t, cmd.Flags().Set("port", "8080"))
	port, err := cmd.Flags().GetInt("port")
	require.NoError(t, err)
	assert.Equal(t, 8080, port)

	assert.Error(t, cmd.Flags().Set("debounce", "-5ms"))
}

func TestFlagsOverrideConfiguration(t *testing.T) {
	t.Chdir(t.TempDir())
	viper.Reset()
	defer viper.Reset()

	cmd, _ := newTestCommand()
	addSiteFlags(cmd)
	require.NoError(t, cmd.Flags().Set("source", "pages"))
	viper.Set("site.output", "public")

	cfg, _, err := loadConfig(cmd, siteFlagBindings)
	require.NoError(t, err)
	assert.Equal(t, "pages", cfg.Site.Source)
	assert.Equal(t, "public", cfg.Site.Output)
	assert.Equal(t, "_", cfg.Build.ExcludePrefix)
}

func TestSameOrBelow(t *testing.T) {
	assert.True(t, sameOrBelow("website", "website"))
	assert.True(t, sameOrBelow("website/partials", "website"))
	assert.False(t, sameOrBelow("partials", "website"))
	assert.False(t, sameOrBelow("website-partials", "website"))
}
