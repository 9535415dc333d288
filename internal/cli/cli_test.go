package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendsense/internal/version"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		appHandle = nil
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionSkipsConfig(t *testing.T) {
	out, err := execute(t, "version", "--config", "/does/not/exist.yaml")
	require.NoError(t, err, "version 命令不应加载配置")
	assert.Contains(t, out, "spendsense "+version.Version)
	assert.Nil(t, appHandle)

	versionJSON = false
	out, err = execute(t, "version", "--json")
	versionJSON = false
	require.NoError(t, err)
	var info version.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.Commit, info.Commit)
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "generate", "show", "history", "export", "purge", "sweep", "serve", "notify", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestGenerateDryRunThroughCLI(t *testing.T) {
	dir := t.TempDir()
	ledgerDir := filepath.Join(dir, "ledger")
	require.NoError(t, os.MkdirAll(ledgerDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ledgerDir, "carol.json"), []byte(`{
  "user_id": "carol",
  "consent_granted": true,
  "as_of": "2025-03-01T00:00:00Z",
  "accounts": [{"account_id": "chk", "type": "depository", "subtype": "checking", "current_balance": "500"}],
  "transactions": []
}`), 0o600))

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  backend: memory\nledger:\n  dir: "+ledgerDir+"\nlogging:\n  level: error\n"), 0o600))

	out, err := execute(t, "generate", "carol", "--dry-run", "--config", cfgPath)
	generateDryRun = false
	require.NoError(t, err)
	assert.Contains(t, out, "carol")
	assert.Contains(t, out, "Persona")
}

func TestShowRejectsBadLimit(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  backend: memory\n"), 0o600))

	_, err := execute(t, "show", "--limit", "0", "--config", cfgPath)
	showLimit = 20
	assert.ErrorContains(t, err, "--limit must be greater than zero")

	_, err = execute(t, "history", "--config", cfgPath)
	assert.Error(t, err, "history 需要用户参数")
}
