package firmware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"
	"github.com/apsgrid/otaserver/internal/utils"

	"github.com/sirupsen/logrus"
)

// MaxFirmwareSize caps uploaded images at 16 MiB
const MaxFirmwareSize = 16 << 20

var (
	// ErrVersionExists is returned when uploading a version that is already stored
	ErrVersionExists = errors.New("firmware version already exists")
	// ErrFileTooLarge is returned when an upload exceeds MaxFirmwareSize
	ErrFileTooLarge = fmt.Errorf("firmware exceeds maximum size of %d bytes", MaxFirmwareSize)
	// ErrInvalidExtension is returned for uploads that are not .bin or .hex
	ErrInvalidExtension = errors.New("firmware must be a .bin or .hex file")
	// ErrPathTraversal is returned when a resolved path escapes the store root
	ErrPathTraversal = errors.New("firmware path escapes storage root")
	// ErrNotFound is returned when no firmware matches the request
	ErrNotFound = errors.New("firmware not found")
)

// maxDiffRegions caps the region list returned by Diff
const maxDiffRegions = 100

// DiffRegion is one contiguous run of differing bytes between two images
type DiffRegion struct {
	Type   string `json:"type"` // changed, added, removed
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// DiffResult summarizes a byte-level comparison of two firmware images
type DiffResult struct {
	VersionA     string       `json:"versionA"`
	VersionB     string       `json:"versionB"`
	SizeDiff     int64        `json:"sizeDiff"`
	AddedBytes   int64        `json:"addedBytes"`
	RemovedBytes int64        `json:"removedBytes"`
	ChangedBytes int64        `json:"changedBytes"`
	Regions      []DiffRegion `json:"changedRegions"`
	Truncated    bool         `json:"truncated"`
}

// Store manages firmware images on disk and their database records
type Store interface {
	Upload(ctx context.Context, r io.Reader, filename, version, releaseNotes string) (*models.Firmware, error)
	Get(ctx context.Context, version string) (*models.Firmware, error)
	GetByID(ctx context.Context, id uint) (*models.Firmware, error)
	List(ctx context.Context) ([]*models.Firmware, error)
	Stream(ctx context.Context, version string) (*models.Firmware, io.ReadCloser, error)
	StreamFile(filename string) (io.ReadCloser, int64, error)
	Diff(ctx context.Context, versionA, versionB string) (*DiffResult, error)
	Delete(ctx context.Context, version string) error
	CountDownload(ctx context.Context, version string) error
}

type store struct {
	root   string
	repo   repository.Repository
	logger *logrus.Logger
}

// NewStore creates a firmware store rooted at dir, creating it if needed
func NewStore(dir string, repo repository.Repository, logger *logrus.Logger) (Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &store{
		root:   abs,
		repo:   repo,
		logger: logger,
	}, nil
}

// storedFilename is the on-disk name for a firmware version
func storedFilename(version string) string {
	return fmt.Sprintf("default_%s.ino.bin", version)
}

// resolve joins name onto the store root and rejects anything that
// escapes it.
func (s *store) resolve(name string) (string, error) {
	path := filepath.Join(s.root, filepath.Clean("/"+name))
	if path != s.root && !strings.HasPrefix(path, s.root+string(os.PathSeparator)) {
		return "", ErrPathTraversal
	}
	return path, nil
}

// Upload stages the image to a temporary file, hashes it, then moves it
// into place and creates the record. The temp file is removed on any
// failure.
func (s *store) Upload(ctx context.Context, r io.Reader, filename, version, releaseNotes string) (*models.Firmware, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != ".bin" && ext != ".hex" {
		return nil, ErrInvalidExtension
	}

	version, err := utils.NormalizeVersion(version)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.FindFirmwareByVersion(ctx, version); err == nil {
		return nil, ErrVersionExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to stage upload: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(r, MaxFirmwareSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write upload: %w", err)
	}
	if size > MaxFirmwareSize {
		return nil, ErrFileTooLarge
	}

	finalName := storedFilename(version)
	finalPath, err := s.resolve(finalName)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("failed to store firmware: %w", err)
	}

	fw := &models.Firmware{
		Version:      version,
		Filename:     finalName,
		Size:         size,
		Checksum:     hex.EncodeToString(hasher.Sum(nil)),
		ReleaseNotes: releaseNotes,
	}
	if err := s.repo.CreateFirmware(ctx, fw); err != nil {
		os.Remove(finalPath)
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"version":  version,
		"size":     size,
		"checksum": fw.Checksum,
	}).Info("Firmware uploaded")

	return fw, nil
}

func (s *store) Get(ctx context.Context, version string) (*models.Firmware, error) {
	fw, err := s.repo.FindFirmwareByVersion(ctx, version)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return fw, err
}

func (s *store) GetByID(ctx context.Context, id uint) (*models.Firmware, error) {
	fw, err := s.repo.FindFirmwareByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return fw, err
}

func (s *store) List(ctx context.Context) ([]*models.Firmware, error) {
	return s.repo.ListFirmwares(ctx)
}

// Stream opens a read stream for the stored image of a version. Callers
// own the returned reader.
func (s *store) Stream(ctx context.Context, version string) (*models.Firmware, io.ReadCloser, error) {
	fw, err := s.Get(ctx, version)
	if err != nil {
		return nil, nil, err
	}

	path, err := s.resolve(fw.Filename)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	return fw, f, nil
}

// StreamFile opens a raw file from the store root by filename, guarded
// against traversal. Used by the direct download endpoint.
func (s *store) StreamFile(filename string) (io.ReadCloser, int64, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return nil, 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	if info.IsDir() {
		return nil, 0, ErrNotFound
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Diff scans two stored images byte-for-byte, emitting contiguous
// changed regions over the shared prefix and a single added or removed
// region for the tail. The region list is capped at maxDiffRegions.
func (s *store) Diff(ctx context.Context, versionA, versionB string) (*DiffResult, error) {
	a, err := s.readImage(ctx, versionA)
	if err != nil {
		return nil, err
	}
	b, err := s.readImage(ctx, versionB)
	if err != nil {
		return nil, err
	}

	result := &DiffResult{
		VersionA: versionA,
		VersionB: versionB,
		SizeDiff: int64(len(b)) - int64(len(a)),
	}

	shared := len(a)
	if len(b) < shared {
		shared = len(b)
	}

	regionStart := int64(-1)
	for i := 0; i < shared; i++ {
		if a[i] != b[i] {
			result.ChangedBytes++
			if regionStart < 0 {
				regionStart = int64(i)
			}
			continue
		}
		if regionStart >= 0 {
			result.appendRegion("changed", regionStart, int64(i)-regionStart)
			regionStart = -1
		}
	}
	if regionStart >= 0 {
		result.appendRegion("changed", regionStart, int64(shared)-regionStart)
	}

	switch {
	case len(b) > len(a):
		result.AddedBytes = int64(len(b) - len(a))
		result.appendRegion("added", int64(shared), result.AddedBytes)
	case len(a) > len(b):
		result.RemovedBytes = int64(len(a) - len(b))
		result.appendRegion("removed", int64(shared), result.RemovedBytes)
	}

	return result, nil
}

func (r *DiffResult) appendRegion(kind string, offset, length int64) {
	if len(r.Regions) >= maxDiffRegions {
		r.Truncated = true
		return
	}
	r.Regions = append(r.Regions, DiffRegion{Type: kind, Offset: offset, Length: length})
}

func (s *store) readImage(ctx context.Context, version string) ([]byte, error) {
	_, rc, err := s.Stream(ctx, version)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// CountDownload bumps the version's download counter
func (s *store) CountDownload(ctx context.Context, version string) error {
	return s.repo.IncrementDownloadCount(ctx, version)
}

// Delete removes the database record first, then the on-disk file. An
// orphaned file is preferable to a record pointing at nothing.
func (s *store) Delete(ctx context.Context, version string) error {
	fw, err := s.Get(ctx, version)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteFirmware(ctx, version); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	path, err := s.resolve(fw.Filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.WithError(err).WithField("version", version).
			Warn("Failed to remove firmware file after record deletion")
	}

	s.logger.WithField("version", version).Info("Firmware deleted")
	return nil
}
