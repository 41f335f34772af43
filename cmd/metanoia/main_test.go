package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	auth "github.com/projetometanoia/metanoia-auth"
	"github.com/projetometanoia/metanoia-auth/repository"
	"github.com/pterm/pterm"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	pterm.DisableOutput()
	os.Exit(m.Run())
}

// testEnv points the commands at a fresh sqlite file and credential file
// and returns the database DSN.
func testEnv(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	dsn := "file:" + filepath.Join(dir, "metanoia.db")
	t.Setenv("METANOIA_API_KEY", "test-key")
	t.Setenv("METANOIA_DATABASE_DSN", dsn)
	t.Setenv("METANOIA_CREDENTIAL_FILE", filepath.Join(dir, "credentials.json"))
	t.Setenv("METANOIA_LOG_LEVEL", "error")
	t.Setenv("METANOIA_VERIFY_TOKENS", "false")

	prevFiles, prevLevel := envFiles, logLevel
	envFiles, logLevel = nil, ""
	t.Cleanup(func() { envFiles, logLevel = prevFiles, prevLevel })
	return dsn
}

func openManager(t *testing.T, dsn string) repository.Manager {
	t.Helper()
	ctx := context.Background()

	db, err := repository.OpenDB(ctx, dsn)
	require.NoError(t, err)
	mgr := repository.NewManager(db)
	t.Cleanup(func() { _ = mgr.Close() })
	require.NoError(t, mgr.Migrate(ctx))
	return mgr
}

func seedProfile(t *testing.T, dsn, uid string) {
	t.Helper()

	mgr := openManager(t, dsn)
	record := auth.NewProfileRecord(auth.Principal{
		UID:         uid,
		DisplayName: "Maria",
		Email:       uid + "@example.com",
		ProviderTag: auth.ProviderPassword,
	}, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, mgr.Profiles().CreateProfile(context.Background(), record))
	require.NoError(t, mgr.Close())
}

func loadProfile(t *testing.T, dsn, uid string) *auth.ProfileRecord {
	t.Helper()

	record, err := openManager(t, dsn).Profiles().GetProfile(context.Background(), uid)
	require.NoError(t, err)
	return record
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	return rootCmd.ExecuteContext(context.Background())
}
