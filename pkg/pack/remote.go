package pack

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
)

// Remote stores packages on another host.
type Remote interface {
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error
	DownloadFile(ctx context.Context, remotePath string, localPath string) error
}

// Publish uploads the package at pkgPath into remoteDir and returns its remote path.
func Publish(ctx context.Context, remote Remote, pkgPath, remoteDir string) (string, error) {
	target := path.Join(remoteDir, filepath.Base(pkgPath))
	if err := remote.UploadFile(ctx, pkgPath, target, 0o600); err != nil {
		return "", fmt.Errorf("failed to publish package: %w", err)
	}
	return target, nil
}

// Fetch downloads a remote package into localDir and returns its local path.
func Fetch(ctx context.Context, remote Remote, remotePath, localDir string) (string, error) {
	target := filepath.Join(localDir, path.Base(remotePath))
	if err := remote.DownloadFile(ctx, remotePath, target); err != nil {
		return "", fmt.Errorf("failed to fetch package: %w", err)
	}
	return target, nil
}
