package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careerkit/tokens/internal/domain"
)

func executeCLI(t *testing.T, home string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("TOKENS_HOME", home)

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestBalance_NewAccountGetsBonus(t *testing.T) {
	home := t.TempDir()

	stdout, _, err := executeCLI(t, home, "balance", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice: 10 tokens\n", stdout)

	stdout, _, err = executeCLI(t, home, "balance", "alice", "--json")
	require.NoError(t, err)
	var acct domain.Account
	require.NoError(t, json.Unmarshal([]byte(stdout), &acct))
	assert.Equal(t, int64(10), acct.Balance)
}

func TestUse_ChargesAndDenies(t *testing.T) {
	home := t.TempDir()

	stdout, _, err := executeCLI(t, home, "use", "bob", "roadmap-generator")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Used 3 token(s) for roadmap-generator. Remaining: 7")

	for range 2 {
		_, _, err = executeCLI(t, home, "use", "bob", "roadmap-generator")
		require.NoError(t, err)
	}

	stdout, _, err = executeCLI(t, home, "use", "bob", "roadmap-generator")
	require.ErrorIs(t, err, errInsufficient)
	assert.Contains(t, stdout, "Not enough tokens")

	stdout, _, err = executeCLI(t, home, "balance", "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob: 1 tokens\n", stdout)
}

func TestUse_UnknownFeature(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "use", "bob", "telepathy")
	require.ErrorIs(t, err, domain.ErrUnknownFeature)
}

func TestCredit_Idempotent(t *testing.T) {
	home := t.TempDir()

	for range 2 {
		stdout, _, err := executeCLI(t, home, "credit", "carol", "50", "--key", "purchase:tx-1")
		require.NoError(t, err)
		assert.Equal(t, "carol: 60 tokens\n", stdout)
	}

	_, _, err := executeCLI(t, home, "credit", "carol", "0")
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, _, err = executeCLI(t, home, "credit", "carol", "5", "--reason", "gift")
	require.Error(t, err)
}

func TestHistory(t *testing.T) {
	home := t.TempDir()
	_, _, err := executeCLI(t, home, "credit", "dave", "2", "--reason", "ad-reward")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, "history", "dave")
	require.NoError(t, err)
	assert.Contains(t, stdout, "REASON")
	assert.Contains(t, stdout, "ad-reward")
	assert.Contains(t, stdout, "signup-bonus")

	stdout, _, err = executeCLI(t, home, "history", "dave", "--json", "-n", "1")
	require.NoError(t, err)
	var entries []domain.LedgerEntry
	require.NoError(t, json.Unmarshal([]byte(stdout), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ReasonAdReward, entries[0].Reason)
	assert.Equal(t, int64(12), entries[0].ResultingBalance)
}

func TestVerify(t *testing.T) {
	home := t.TempDir()
	_, _, err := executeCLI(t, home, "balance", "erin")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, "verify", "erin")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Status:   OK")

	_, _, err = executeCLI(t, home, "verify", "nobody")
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestFeatures_WithOverrides(t *testing.T) {
	home := t.TempDir()
	cfg := "[features]\nresume-builder = 5\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte(cfg), 0600))

	stdout, _, err := executeCLI(t, home, "features")
	require.NoError(t, err)
	assert.Contains(t, stdout, "FEATURE")
	assert.Regexp(t, `resume-builder\s+5`, stdout)
	assert.Regexp(t, `roadmap-generator\s+3`, stdout)
}

func TestConfigFlag_MemoryBackend(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(t.TempDir(), "alt.toml")
	require.NoError(t, os.WriteFile(path, []byte("[storage]\nbackend = \"memory\"\n"), 0600))

	_, _, err := executeCLI(t, home, "--config", path, "balance", "frank")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(home, "tokens.db"))
	assert.True(t, os.IsNotExist(err), "memory backend must not create a database")
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "tokens dev")
}
