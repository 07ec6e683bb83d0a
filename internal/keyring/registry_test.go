package keyring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caretrust-systems/securecore/internal/models"
	"github.com/caretrust-systems/securecore/internal/repository"
)

const testMasterSecret = "test-master-secret-for-unit-tests"

func newTestRegistry(t *testing.T) (*Registry, *repository.InMemoryRepository) {
	t.Helper()
	repo := repository.NewInMemoryRepository()
	reg, err := NewRegistry(repo, testMasterSecret, nil)
	require.NoError(t, err)
	return reg, repo
}

func TestNewRegistry_EmptySecret(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	_, err := NewRegistry(repo, "", nil)
	assert.ErrorIs(t, err, ErrMasterSecretMissing)
}

func TestCreateKey_Idempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.CreateKey(ctx, "phi-data", models.PurposePHI)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := reg.CreateKey(ctx, "phi-data", models.PurposePHI)
	require.NoError(t, err)
	assert.Equal(t, first, second, "repeated creation should return the existing key id")
}

func TestActiveKey_UnwrapsMaterial(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.CreateKey(ctx, "phi-data", models.PurposePHI)
	require.NoError(t, err)

	material, err := reg.ActiveKey(ctx, models.PurposePHI)
	require.NoError(t, err)
	assert.Equal(t, "phi-data", material.Name)
	assert.Equal(t, 1, material.Version)
	assert.Len(t, material.Bytes, 32)
}

func TestActiveKey_UnknownPurpose(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.ActiveKey(context.Background(), models.PurposePII)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRotateKey(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.CreateKey(ctx, "pii-data", models.PurposePII)
	require.NoError(t, err)

	before, err := reg.ActiveKey(ctx, models.PurposePII)
	require.NoError(t, err)

	version, err := reg.RotateKey(ctx, "pii-data")
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	after, err := reg.ActiveKey(ctx, models.PurposePII)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Version)
	assert.NotEqual(t, before.Bytes, after.Bytes, "rotation must generate fresh material")

	// Prior versions stay resolvable so old ciphertexts keep decrypting.
	old, err := reg.KeyVersion(ctx, "pii-data", 1)
	require.NoError(t, err)
	assert.Equal(t, before.Bytes, old.Bytes)
}

func TestRotateKey_Unknown(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.RotateKey(context.Background(), "no-such-key")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestUnwrap_WrongMasterSecret(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewInMemoryRepository()

	reg, err := NewRegistry(repo, testMasterSecret, nil)
	require.NoError(t, err)
	_, err = reg.CreateKey(ctx, "phi-data", models.PurposePHI)
	require.NoError(t, err)

	// A registry built on a different master secret must refuse to unwrap
	// the stored material rather than yield garbage.
	other, err := NewRegistry(repo, "a-different-master-secret", nil)
	require.NoError(t, err)

	_, err = other.ActiveKey(ctx, models.PurposePHI)
	assert.ErrorIs(t, err, ErrUnwrapFailed)
}

func TestMasterKey_WrapUnwrapRoundTrip(t *testing.T) {
	mk, err := newMasterKey(testMasterSecret)
	require.NoError(t, err)

	material := []byte("0123456789abcdef0123456789abcdef")
	wrapped, err := mk.wrap(material)
	require.NoError(t, err)
	assert.NotEqual(t, material, wrapped)

	unwrapped, err := mk.unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, material, unwrapped)
}

func TestMasterKey_UnwrapTruncated(t *testing.T) {
	mk, err := newMasterKey(testMasterSecret)
	require.NoError(t, err)

	_, err = mk.unwrap([]byte("short"))
	assert.ErrorIs(t, err, ErrUnwrapFailed)
}
