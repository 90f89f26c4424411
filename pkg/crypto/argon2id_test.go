package crypto_test

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/epw80/studyhall/pkg/config"
	"github.com/epw80/studyhall/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	hasher := crypto.NewArgon2idHasher(1, 15*1024, 32, 16, 1)

	hash, err := hasher.Hash("supersecretpassword")

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id"), "Hash should start with argon2id prefix")
	assert.NotContains(t, hash, "supersecretpassword")
}

func TestCompare(t *testing.T) {
	hasher := crypto.NewArgon2idHasher(1, 15*1024, 32, 16, 1)
	password := "room-password"

	hash, err := hasher.Hash(password)
	require.NoError(t, err)

	match, err := hasher.Compare(hash, password)
	assert.NoError(t, err)
	assert.True(t, match)

	match, err = hasher.Compare(hash, "wrong_password")
	assert.NoError(t, err)
	assert.False(t, match)

	match, err = hasher.Compare("invalid-hash-string", password)
	assert.ErrorIs(t, err, crypto.ErrMalformedHash)
	assert.False(t, match)
}

func TestFromConfig(t *testing.T) {
	c := config.Argon2Config{Memory: 12 * 1024, Iterations: 2, Parallelism: 2, SaltLength: 16, KeyLength: 32}

	hash, err := crypto.FromConfig(c).Hash("test_param_check")
	require.NoError(t, err)

	// $argon2id$v=19$m=12288,t=2,p=2$salt$key
	parts := strings.Split(hash, "$")
	require.Len(t, parts, 6)
	assert.Equal(t, fmt.Sprintf("m=%d,t=%d,p=%d", c.Memory, c.Iterations, c.Parallelism), parts[3])

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	require.NoError(t, err)
	assert.Len(t, salt, int(c.SaltLength))

	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	require.NoError(t, err)
	assert.Len(t, key, int(c.KeyLength))
}
