package volumeio

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"dicomseg/internal/models"
	"dicomseg/pkg/nifti"
)

// ArtifactName is the fixed file name of the converted volume.
const ArtifactName = "ct.nii.gz"

// ArtifactPath returns the canonical artifact location under outputDir.
func ArtifactPath(outputDir string) string {
	return filepath.Join(outputDir, ArtifactName)
}

// WriteVolume encodes vol as gzip compressed NIfTI at ArtifactPath(destDir).
// Data is written to a temporary file in destDir and renamed into place, so
// the canonical path never holds a partial file.
func WriteVolume(ctx context.Context, vol *models.Volume, destDir string) (string, error) {
	staged, err := StageVolume(ctx, vol, destDir)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		DiscardStaged(staged)
		return "", err
	}
	return CommitStaged(staged, destDir)
}

// StageVolume encodes vol into a temporary file in destDir and returns its
// path. The file only becomes the artifact through CommitStaged; callers that
// abandon it must call DiscardStaged.
func StageVolume(ctx context.Context, vol *models.Volume, destDir string) (string, error) {
	tmp, err := os.CreateTemp(destDir, ".ct-*.nii.gz.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	tmpPath := tmp.Name()
	staged := false
	defer func() {
		if !staged {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	bw := bufio.NewWriterSize(tmp, 1<<20)
	zw, err := gzip.NewWriterLevel(bw, gzip.DefaultCompression)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := nifti.Encode(zw, vol); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := bw.Flush(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	staged = true
	return tmpPath, nil
}

// CommitStaged renames a file produced by StageVolume to ArtifactPath(destDir).
func CommitStaged(stagedPath, destDir string) (string, error) {
	dest := ArtifactPath(destDir)
	if err := os.Rename(stagedPath, dest); err != nil {
		DiscardStaged(stagedPath)
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return dest, nil
}

// DiscardStaged removes a staged file that will not be committed.
func DiscardStaged(stagedPath string) {
	if stagedPath != "" {
		os.Remove(stagedPath)
	}
}

// ArtifactReady reports whether a non-empty artifact exists under outputDir.
func ArtifactReady(outputDir string) bool {
	info, err := os.Stat(ArtifactPath(outputDir))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// RemoveArtifact deletes a stale artifact. A missing file is not an error.
func RemoveArtifact(outputDir string) error {
	err := os.Remove(ArtifactPath(outputDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
