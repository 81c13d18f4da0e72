package firmware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/apsgrid/otaserver/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (Store, string) {
	t.Helper()

	dir := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := NewStore(dir, repository.NewMemoryRepository(), logger)
	require.NoError(t, err)
	return store, dir
}

func TestUploadComputesChecksumAndStoresFile(t *testing.T) {
	store, dir := newTestStore(t)
	payload := []byte("firmware-image-bytes")

	fw, err := store.Upload(context.Background(), bytes.NewReader(payload), "app.bin", "1.0.0", "first release")
	require.NoError(t, err)

	assert.Equal(t, "v1.0.0", fw.Version)
	assert.Equal(t, "default_v1.0.0.ino.bin", fw.Filename)
	assert.Equal(t, int64(len(payload)), fw.Size)

	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), fw.Checksum)

	stored, err := os.ReadFile(filepath.Join(dir, fw.Filename))
	require.NoError(t, err)
	assert.Equal(t, payload, stored)
}

func TestUploadRejectsExistingVersion(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Upload(context.Background(), bytes.NewReader([]byte("a")), "app.bin", "v1.0.0", "")
	require.NoError(t, err)

	_, err = store.Upload(context.Background(), bytes.NewReader([]byte("b")), "app.bin", "1.0.0", "")
	assert.ErrorIs(t, err, ErrVersionExists)
}

func TestUploadRejectsBadExtensionAndVersion(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Upload(context.Background(), bytes.NewReader([]byte("a")), "app.exe", "v1.0.0", "")
	assert.ErrorIs(t, err, ErrInvalidExtension)

	_, err = store.Upload(context.Background(), bytes.NewReader([]byte("a")), "app.bin", "not-a-version", "")
	assert.Error(t, err)
}

func TestUploadRejectsOversizedImage(t *testing.T) {
	store, _ := newTestStore(t)

	oversized := io.LimitReader(zeroReader{}, MaxFirmwareSize+1)
	_, err := store.Upload(context.Background(), oversized, "app.bin", "v1.0.0", "")
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestStreamReturnsStoredBytes(t *testing.T) {
	store, _ := newTestStore(t)
	payload := []byte("stream-me")

	_, err := store.Upload(context.Background(), bytes.NewReader(payload), "app.bin", "v1.0.0", "")
	require.NoError(t, err)

	fw, reader, err := store.Stream(context.Background(), "v1.0.0")
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, int64(len(payload)), fw.Size)
}

func TestStreamFileRejectsTraversal(t *testing.T) {
	store, dir := newTestStore(t)

	// A file outside the store root must stay unreachable
	secret := filepath.Join(filepath.Dir(dir), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("nope"), 0o600))

	for _, name := range []string{
		"../secret.txt",
		"..%2Fsecret.txt",
		"foo/../../secret.txt",
	} {
		_, _, err := store.StreamFile(name)
		assert.Error(t, err, "path %q", name)
	}
}

func TestDiffIdenticalImages(t *testing.T) {
	store, _ := newTestStore(t)
	payload := []byte("identical-content")

	_, err := store.Upload(context.Background(), bytes.NewReader(payload), "a.bin", "v1.0.0", "")
	require.NoError(t, err)
	_, err = store.Upload(context.Background(), bytes.NewReader(payload), "b.bin", "v1.0.1", "")
	require.NoError(t, err)

	diff, err := store.Diff(context.Background(), "v1.0.0", "v1.0.1")
	require.NoError(t, err)

	assert.Zero(t, diff.SizeDiff)
	assert.Empty(t, diff.Regions)
	assert.Zero(t, diff.ChangedBytes)
}

func TestDiffAppendedSuffix(t *testing.T) {
	store, _ := newTestStore(t)
	base := []byte("common-prefix")
	suffix := []byte("-extra")

	_, err := store.Upload(context.Background(), bytes.NewReader(base), "a.bin", "v1.0.0", "")
	require.NoError(t, err)
	_, err = store.Upload(context.Background(), bytes.NewReader(append(append([]byte{}, base...), suffix...)), "b.bin", "v1.1.0", "")
	require.NoError(t, err)

	diff, err := store.Diff(context.Background(), "v1.0.0", "v1.1.0")
	require.NoError(t, err)

	assert.Equal(t, int64(len(suffix)), diff.SizeDiff)
	assert.Equal(t, int64(len(suffix)), diff.AddedBytes)
	require.Len(t, diff.Regions, 1)
	assert.Equal(t, "added", diff.Regions[0].Type)
	assert.Equal(t, int64(len(base)), diff.Regions[0].Offset)
	assert.Equal(t, int64(len(suffix)), diff.Regions[0].Length)
}

func TestDiffChangedRegionsAndRemovedTail(t *testing.T) {
	store, _ := newTestStore(t)

	a := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	b := []byte{1, 9, 9, 4, 5, 6} // two changed bytes, two removed

	_, err := store.Upload(context.Background(), bytes.NewReader(a), "a.bin", "v1.0.0", "")
	require.NoError(t, err)
	_, err = store.Upload(context.Background(), bytes.NewReader(b), "b.bin", "v2.0.0", "")
	require.NoError(t, err)

	diff, err := store.Diff(context.Background(), "v1.0.0", "v2.0.0")
	require.NoError(t, err)

	assert.Equal(t, int64(-2), diff.SizeDiff)
	assert.Equal(t, int64(2), diff.RemovedBytes)
	assert.Equal(t, int64(2), diff.ChangedBytes)
	require.Len(t, diff.Regions, 2)

	assert.Equal(t, DiffRegion{Type: "changed", Offset: 1, Length: 2}, diff.Regions[0])
	assert.Equal(t, DiffRegion{Type: "removed", Offset: 6, Length: 2}, diff.Regions[1])
}

func TestDeleteRemovesRecordAndFile(t *testing.T) {
	store, dir := newTestStore(t)

	fw, err := store.Upload(context.Background(), bytes.NewReader([]byte("bye")), "a.bin", "v1.0.0", "")
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), "v1.0.0"))

	_, err = store.Get(context.Background(), "v1.0.0")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = os.Stat(filepath.Join(dir, fw.Filename))
	assert.True(t, os.IsNotExist(err))
}
