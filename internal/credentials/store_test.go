package credentials_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudctl/internal/credentials"
)

func newStore(t *testing.T) *credentials.Store {
	t.Helper()
	return &credentials.Store{Path: filepath.Join(t.TempDir(), "cloudctl", "credentials.age")}
}

func TestStore(t *testing.T) {
	creds := credentials.Credentials{
		SecretID:  "AKIDexample1234567890",
		SecretKey: "secret-key-value",
		Token:     "session-token",
	}

	t.Run("should round trip with a generated key", func(t *testing.T) {
		t.Setenv(credentials.PasswordEnv, "")
		store := newStore(t)

		require.NoError(t, store.Save(creds))

		data, err := os.ReadFile(store.Path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "-----BEGIN AGE ENCRYPTED FILE-----"))
		assert.NotContains(t, string(data), creds.SecretKey)

		loaded, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, creds, *loaded)

		_, err = os.Stat(filepath.Join(filepath.Dir(store.Path), "key.txt"))
		assert.NoError(t, err)
	})

	t.Run("should round trip with a passphrase", func(t *testing.T) {
		t.Setenv(credentials.PasswordEnv, "correct horse battery staple")
		store := newStore(t)

		require.NoError(t, store.Save(creds))
		loaded, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, creds.SecretID, loaded.SecretID)
	})

	t.Run("should fail with the wrong passphrase", func(t *testing.T) {
		t.Setenv(credentials.PasswordEnv, "first")
		store := newStore(t)
		require.NoError(t, store.Save(creds))

		t.Setenv(credentials.PasswordEnv, "second")
		_, err := store.Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decrypt")
	})

	t.Run("should report not logged in when the file is missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Load()
		assert.ErrorIs(t, err, credentials.ErrNotLoggedIn)
	})

	t.Run("should reject incomplete credentials", func(t *testing.T) {
		store := newStore(t)
		err := store.Save(credentials.Credentials{SecretID: "only-id"})
		assert.Error(t, err)
	})

	t.Run("should remove the stored file", func(t *testing.T) {
		t.Setenv(credentials.PasswordEnv, "")
		store := newStore(t)
		require.NoError(t, store.Save(creds))
		require.NoError(t, store.Remove())
		require.NoError(t, store.Remove())

		_, err := store.Load()
		assert.ErrorIs(t, err, credentials.ErrNotLoggedIn)
	})
}

func TestResolve(t *testing.T) {
	t.Run("should prefer environment credentials", func(t *testing.T) {
		t.Setenv("CLOUDCTL_SECRET_ID", "env-id")
		t.Setenv("CLOUDCTL_SECRET_KEY", "env-key")
		store := newStore(t)

		creds, source, err := store.Resolve()
		require.NoError(t, err)
		assert.Equal(t, "env", source)
		assert.Equal(t, "env-id", creds.SecretID)
	})

	t.Run("should fall back to the store", func(t *testing.T) {
		t.Setenv("CLOUDCTL_SECRET_ID", "")
		t.Setenv("CLOUDCTL_SECRET_KEY", "")
		t.Setenv(credentials.PasswordEnv, "")
		store := newStore(t)
		require.NoError(t, store.Save(credentials.Credentials{SecretID: "stored-id", SecretKey: "k"}))

		creds, source, err := store.Resolve()
		require.NoError(t, err)
		assert.Equal(t, store.Path, source)
		assert.Equal(t, "stored-id", creds.SecretID)
	})

	t.Run("should report not logged in with nothing configured", func(t *testing.T) {
		t.Setenv("CLOUDCTL_SECRET_ID", "")
		t.Setenv("CLOUDCTL_SECRET_KEY", "")
		_, _, err := newStore(t).Resolve()
		assert.ErrorIs(t, err, credentials.ErrNotLoggedIn)
	})
}

func TestMasked(t *testing.T) {
	assert.Equal(t, "AKID*************7890", credentials.Credentials{SecretID: "AKIDexample1234567890"}.Masked())
	assert.Equal(t, "****", credentials.Credentials{SecretID: "abcd"}.Masked())
}

func TestRotate(t *testing.T) {
	creds := credentials.Credentials{SecretID: "AKIDexample1234567890", SecretKey: "secret-key-value"}

	t.Run("should move from the key file to a passphrase", func(t *testing.T) {
		t.Setenv(credentials.PasswordEnv, "")
		store := newStore(t)
		require.NoError(t, store.Save(creds))

		result, err := store.Rotate(credentials.RotateOptions{NewPassword: "new secret", Backup: true})
		require.NoError(t, err)
		assert.Equal(t, "AKID*************7890", result.SecretID)
		assert.FileExists(t, result.Backup)
		assert.Empty(t, result.KeyFile)

		t.Setenv(credentials.PasswordEnv, "new secret")
		loaded, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, creds, *loaded)
	})

	t.Run("should generate a fresh key file", func(t *testing.T) {
		t.Setenv(credentials.PasswordEnv, "old secret")
		store := newStore(t)
		require.NoError(t, store.Save(creds))

		result, err := store.Rotate(credentials.RotateOptions{OldPassword: "old secret"})
		require.NoError(t, err)
		assert.FileExists(t, result.KeyFile)

		t.Setenv(credentials.PasswordEnv, "")
		loaded, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, creds.SecretKey, loaded.SecretKey)
	})

	t.Run("should keep the old store when the new key cannot be saved", func(t *testing.T) {
		t.Setenv(credentials.PasswordEnv, "")
		store := newStore(t)
		require.NoError(t, store.Save(creds))
		before, err := os.ReadFile(store.Path)
		require.NoError(t, err)

		// a directory in the way makes the key write fail
		require.NoError(t, os.Mkdir(filepath.Join(filepath.Dir(store.Path), "key.txt.new"), 0o700))

		_, err = store.Rotate(credentials.RotateOptions{})
		require.Error(t, err)

		after, err := os.ReadFile(store.Path)
		require.NoError(t, err)
		assert.Equal(t, before, after)

		loaded, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, creds, *loaded)
	})

	t.Run("should leave the store alone on a dry run", func(t *testing.T) {
		t.Setenv(credentials.PasswordEnv, "old secret")
		store := newStore(t)
		require.NoError(t, store.Save(creds))
		before, err := os.ReadFile(store.Path)
		require.NoError(t, err)

		_, err = store.Rotate(credentials.RotateOptions{OldPassword: "old secret", NewPassword: "other", DryRun: true})
		require.NoError(t, err)

		after, err := os.ReadFile(store.Path)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("should refuse the wrong or an unchanged secret", func(t *testing.T) {
		t.Setenv(credentials.PasswordEnv, "old secret")
		store := newStore(t)
		require.NoError(t, store.Save(creds))

		_, err := store.Rotate(credentials.RotateOptions{OldPassword: "guess", NewPassword: "other"})
		assert.Error(t, err)

		_, err = store.Rotate(credentials.RotateOptions{OldPassword: "old secret", NewPassword: "old secret"})
		assert.Error(t, err)

		_, err = newStore(t).Rotate(credentials.RotateOptions{NewPassword: "x"})
		assert.ErrorIs(t, err, credentials.ErrNotLoggedIn)
	})
}
