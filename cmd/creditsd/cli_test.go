package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Chdir(t.TempDir())

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestSeedPlans(t *testing.T) {
	stdout, _, err := executeCLI(t, "seed-plans")
	require.NoError(t, err)
	assert.Equal(t, "seeded 6 plans\n", stdout)
}

func TestGrantPrintsBalance(t *testing.T) {
	stdout, stderr, err := executeCLI(t, "grant", "acct-1", "5", "--kind", "refund")
	require.NoError(t, err)
	assert.Equal(t, "granted 5 credits to acct-1 (available 5)\n", stdout)
	assert.Contains(t, stderr, "credits.granted")
}

func TestGrantRejectsUsageKind(t *testing.T) {
	_, _, err := executeCLI(t, "grant", "acct-1", "5", "--kind", "usage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kind must be bonus or refund")
}

func TestBalanceJSON(t *testing.T) {
	stdout, _, err := executeCLI(t, "balance", "nobody", "--json")
	require.NoError(t, err)

	var bal map[string]int64
	require.NoError(t, json.Unmarshal([]byte(stdout), &bal))
	assert.Equal(t, map[string]int64{"available_credits": 0, "total_used": 0}, bal)
}

func TestUnknownStore(t *testing.T) {
	_, _, err := executeCLI(t, "migrate", "--store", "cassandra")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store "cassandra"`)
}

func TestMySQLNeedsDSN(t *testing.T) {
	_, _, err := executeCLI(t, "migrate", "--store", "mysql")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CREDITS_MYSQL_DSN")
}

func TestConfigLayering(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("CREDITS_ACTION_RATE_LIMIT=4\nCREDITS_TIMEZONE=UTC\n"), 0o600))
	t.Setenv("CREDITS_DUPLICATE_WINDOW", "2m")
	t.Cleanup(func() {
		// godotenv sets these outside t.Setenv.
		_ = os.Unsetenv("CREDITS_ACTION_RATE_LIMIT")
		_ = os.Unsetenv("CREDITS_TIMEZONE")
	})

	root := newRootCmd()
	require.NoError(t, root.ParseFlags([]string{"--purchase-rate-limit", "7"}))

	v := viper.New()
	require.NoError(t, initConfig(v, root.PersistentFlags()))
	cfg, err := loadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Credits.ActionRateLimit)
	assert.Equal(t, 7, cfg.Credits.PurchaseRateLimit)
	assert.Equal(t, 2*time.Minute, cfg.Credits.DuplicateWindow)
	assert.Equal(t, "UTC", cfg.Credits.Timezone)
	assert.Equal(t, "memory", cfg.Store)
}

func TestSQLiteStorePersists(t *testing.T) {
	t.Chdir(t.TempDir())
	run := func(args ...string) string {
		root := newRootCmd()
		stdout := &bytes.Buffer{}
		root.SetOut(stdout)
		root.SetErr(&bytes.Buffer{})
		root.SetArgs(append(args, "--store", "sqlite"))
		require.NoError(t, root.Execute())
		return stdout.String()
	}

	assert.Equal(t, "seeded 6 plans\n", run("seed-plans"))
	assert.Equal(t, "seeded 0 plans\n", run("seed-plans"))
	run("grant", "acct-1", "4")
	assert.Equal(t, "acct-1: 4 available, 0 used\n", run("balance", "acct-1"))
	assert.FileExists(t, "credits.db")
}

func TestGroveStoresNeedDSN(t *testing.T) {
	for store, env := range map[string]string{
		"postgres": "CREDITS_POSTGRES_DSN",
		"mongo":    "CREDITS_MONGO_URI",
	} {
		_, _, err := executeCLI(t, "migrate", "--store", store)
		require.Error(t, err, store)
		assert.Contains(t, err.Error(), env)
	}
}
