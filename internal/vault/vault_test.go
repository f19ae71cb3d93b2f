package vault

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	v, err := Open(t.TempDir())
	require.NoError(t, err)

	ct, err := v.Encrypt("mfa.secret-token")
	require.NoError(t, err)
	assert.NotContains(t, ct, "secret-token")

	pt, err := v.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "mfa.secret-token", pt)
}

func TestEncrypt_NonceVaries(t *testing.T) {
	v, err := New(make([]byte, 32))
	require.NoError(t, err)

	a, _ := v.Encrypt("same")
	b, _ := v.Encrypt("same")
	assert.NotEqual(t, a, b)
}

func TestOpen_ReusesKeyFile(t *testing.T) {
	dir := t.TempDir()
	v1, err := Open(dir)
	require.NoError(t, err)
	ct, err := v1.Encrypt("token")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, KeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	v2, err := Open(dir)
	require.NoError(t, err)
	pt, err := v2.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "token", pt)
}

func TestDecrypt_WrongKey(t *testing.T) {
	v1, _ := Open(t.TempDir())
	v2, _ := Open(t.TempDir())

	ct, err := v1.Encrypt("token")
	require.NoError(t, err)

	_, err = v2.Decrypt(ct)
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestDecrypt_Garbage(t *testing.T) {
	v, _ := New(make([]byte, 32))
	for _, in := range []string{"", "not base64!!", "c2hvcnQ="} {
		_, err := v.Decrypt(in)
		assert.ErrorIs(t, err, ErrDecrypt, "input %q", in)
	}
}

func TestOpen_BadKeyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, KeyFile), []byte("zz"), 0o600))
	_, err := Open(dir)
	assert.Error(t, err)
}

func TestNew_KeySize(t *testing.T) {
	_, err := New([]byte("short"))
	assert.Error(t, err)
}
