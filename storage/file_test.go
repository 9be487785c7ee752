package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, testLogger())
	require.NoError(t, err)
	assert.True(t, backend.Available(context.Background()))
	assert.Equal(t, "file://"+dir, backend.LocationURI())

	data := []byte(`{"type":"kyc_completed","subject_id":"user-1"}`)
	id, err := backend.Store(context.Background(), data, interfaces.NamespaceAuditEvents)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(data), id)
	assert.FileExists(t, filepath.Join(dir, "audit", id.String()))

	fetched, err := backend.Fetch(context.Background(), id, interfaces.NamespaceAuditEvents)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)

	// Namespaces are separate.
	_, err = backend.Fetch(context.Background(), id, interfaces.NamespaceMintReceipts)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, os.RemoveAll(dir))
	assert.False(t, backend.Available(context.Background()))
}

func TestFactory(t *testing.T) {
	factory := NewStorageBackendFactory(testLogger(), "")
	dir := t.TempDir()

	t.Run("file", func(t *testing.T) {
		locs, err := ParseLocations([]string{"file://" + dir})
		require.NoError(t, err)
		backend, err := factory.StorageBackendFor(locs[0])
		require.NoError(t, err)
		assert.IsType(t, &FileBackend{}, backend)
	})

	t.Run("s3", func(t *testing.T) {
		locs, err := ParseLocations([]string{"s3://AKIA:secret@archive-bucket/identity?region=eu-west-1&endpoint=http://localhost:9000"})
		require.NoError(t, err)
		backend, err := factory.StorageBackendFor(locs[0])
		require.NoError(t, err)
		assert.Equal(t, "s3-archive-bucket", backend.Name())
	})

	t.Run("ipfs", func(t *testing.T) {
		locs, err := ParseLocations([]string{"ipfs://localhost:5001/archive?timeout=5s"})
		require.NoError(t, err)
		backend, err := factory.StorageBackendFor(locs[0])
		require.NoError(t, err)
		assert.Equal(t, "ipfs-localhost-5001", backend.Name())
	})

	t.Run("vault requires a token", func(t *testing.T) {
		locs, err := ParseLocations([]string{"vault://vault.internal:8200/secret/identity"})
		require.NoError(t, err)
		_, err = factory.StorageBackendFor(locs[0])
		assert.ErrorIs(t, err, interfaces.ErrConfiguration)

		withToken := NewStorageBackendFactory(testLogger(), "s.token")
		backend, err := withToken.StorageBackendFor(locs[0])
		require.NoError(t, err)
		assert.Equal(t, "vault-secret-identity", backend.Name())
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := ParseLocations([]string{"github://owner/repo"})
		assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
	})

	t.Run("multi", func(t *testing.T) {
		locs, err := ParseLocations([]string{"file://" + dir, "file://" + filepath.Join(dir, "mirror")})
		require.NoError(t, err)
		backend, err := factory.CreateMultiBackend(locs)
		require.NoError(t, err)
		assert.Equal(t, "multi-storage", backend.Name())

		data := []byte("receipt")
		id, err := backend.Store(context.Background(), data, interfaces.NamespaceMintReceipts)
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(dir, "mirror", "receipts", id.String()))
	})

	t.Run("single location is not wrapped", func(t *testing.T) {
		locs, err := ParseLocations([]string{"file://" + dir})
		require.NoError(t, err)
		backend, err := factory.CreateMultiBackend(locs)
		require.NoError(t, err)
		assert.IsType(t, &FileBackend{}, backend)
	})
}
