package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serviceAccountJSON = `{"type":"service_account","project_id":"keygate-test","private_key_id":"abc123"}`

// testSealConfig keeps scrypt cheap so the suite stays fast. Production
// parameters are exercised once in TestSealOpen_DefaultConfig.
func testSealConfig() *SealConfig {
	return &SealConfig{
		ScryptN:   4096,
		ScryptR:   8,
		ScryptP:   1,
		KeyLen:    32,
		NonceSize: 12,
		TagSize:   16,
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	cfg := testSealConfig()

	payload, err := Seal([]byte(serviceAccountJSON), []byte("correct horse battery"), cfg)
	require.NoError(t, err)
	require.EqualValues(t, 1, payload.Version)
	assert.Len(t, payload.Salt, 32)
	assert.Len(t, payload.Nonce, 12)
	assert.Len(t, payload.AuthTag, 16)
	assert.NotContains(t, string(payload.Ciphertext), "service_account")

	creds, err := Open(payload, []byte("correct horse battery"), cfg)
	require.NoError(t, err)
	assert.Equal(t, serviceAccountJSON, string(creds.Data()))
}

func TestSealOpen_DefaultConfig(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping scrypt with production cost parameters")
	}

	payload, err := Seal([]byte(serviceAccountJSON), []byte("operator-passphrase"), nil)
	require.NoError(t, err)

	creds, err := Open(payload, []byte("operator-passphrase"), nil)
	require.NoError(t, err)
	assert.Equal(t, serviceAccountJSON, string(creds.Data()))
}

func TestOpen_WrongPassphrase(t *testing.T) {
	cfg := testSealConfig()
	payload, err := Seal([]byte(serviceAccountJSON), []byte("right"), cfg)
	require.NoError(t, err)

	_, err = Open(payload, []byte("wrong"), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestOpen_TamperedCiphertext(t *testing.T) {
	cfg := testSealConfig()
	payload, err := Seal([]byte(serviceAccountJSON), []byte("passphrase"), cfg)
	require.NoError(t, err)

	payload.Ciphertext[0] ^= 0xFF

	_, err = Open(payload, []byte("passphrase"), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integrity verification failed")
}

func TestOpen_TamperedAuthTag(t *testing.T) {
	cfg := testSealConfig()
	payload, err := Seal([]byte(serviceAccountJSON), []byte("passphrase"), cfg)
	require.NoError(t, err)

	// The integrity hash does not cover the tag, so this must fail in GCM.
	payload.AuthTag[0] ^= 0xFF

	_, err = Open(payload, []byte("passphrase"), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestOpen_UnsupportedVersion(t *testing.T) {
	cfg := testSealConfig()
	payload, err := Seal([]byte(serviceAccountJSON), []byte("passphrase"), cfg)
	require.NoError(t, err)

	payload.Version = 7

	_, err = Open(payload, []byte("passphrase"), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported payload version")
}

func TestSeal_RejectsEmptyInputs(t *testing.T) {
	cfg := testSealConfig()

	_, err := Seal(nil, []byte("passphrase"), cfg)
	assert.Error(t, err)

	_, err = Seal([]byte("data"), nil, cfg)
	assert.Error(t, err)
}

func TestSecureCredentials_Clear(t *testing.T) {
	cfg := testSealConfig()
	payload, err := Seal([]byte(serviceAccountJSON), []byte("passphrase"), cfg)
	require.NoError(t, err)

	creds, err := Open(payload, []byte("passphrase"), cfg)
	require.NoError(t, err)
	require.NotNil(t, creds.Data())

	creds.Clear()
	assert.Nil(t, creds.Data())

	// Clearing twice must not panic.
	creds.Clear()
	assert.Nil(t, creds.Data())
}

func TestSealedFile_RoundTrip(t *testing.T) {
	cfg := testSealConfig()
	payload, err := Seal([]byte(serviceAccountJSON), []byte("passphrase"), cfg)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "credentials.sealed.json")
	require.NoError(t, WriteSealedFile(path, payload))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := ReadSealedFile(path)
	require.NoError(t, err)

	creds, err := Open(loaded, []byte("passphrase"), cfg)
	require.NoError(t, err)
	assert.Equal(t, serviceAccountJSON, string(creds.Data()))
}

func TestLoadCredentialsFile(t *testing.T) {
	t.Run("PlainJSONPassthrough", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "credentials.json")
		require.NoError(t, os.WriteFile(path, []byte(serviceAccountJSON), 0o600))

		raw, err := LoadCredentialsFile(path, "")
		require.NoError(t, err)
		assert.Equal(t, serviceAccountJSON, string(raw))
	})

	t.Run("SealedRequiresPassphrase", func(t *testing.T) {
		payload, err := Seal([]byte(serviceAccountJSON), []byte("passphrase"), nil)
		require.NoError(t, err)

		path := filepath.Join(t.TempDir(), "credentials.sealed.json")
		require.NoError(t, WriteSealedFile(path, payload))

		_, err = LoadCredentialsFile(path, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no passphrase")

		raw, err := LoadCredentialsFile(path, "passphrase")
		require.NoError(t, err)
		assert.Equal(t, serviceAccountJSON, string(raw))
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadCredentialsFile(filepath.Join(t.TempDir(), "nope.json"), "")
		assert.Error(t, err)
	})
}

func TestValidateSealConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SealConfig)
		wantErr bool
	}{
		{name: "Defaults", mutate: func(*SealConfig) {}},
		{name: "WeakN", mutate: func(c *SealConfig) { c.ScryptN = 1024 }, wantErr: true},
		{name: "WeakR", mutate: func(c *SealConfig) { c.ScryptR = 4 }, wantErr: true},
		{name: "ZeroP", mutate: func(c *SealConfig) { c.ScryptP = 0 }, wantErr: true},
		{name: "ShortKey", mutate: func(c *SealConfig) { c.KeyLen = 16 }, wantErr: true},
		{name: "OddNonce", mutate: func(c *SealConfig) { c.NonceSize = 16 }, wantErr: true},
		{name: "OddTag", mutate: func(c *SealConfig) { c.TagSize = 12 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSealConfig()
			tt.mutate(cfg)
			err := ValidateSealConfig(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("Nil", func(t *testing.T) {
		assert.Error(t, ValidateSealConfig(nil))
	})
}
