package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

// partSuffix marks uploads in progress on the remote host.
const partSuffix = ".part"

// UploadFile copies a local file to remotePath. The file is written next to
// its target and renamed into place once complete; a mode of zero keeps the
// server default. Temporary failures are retried on a fresh session.
func (c *SSHClient) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error {
	start := time.Now()

	var written int64
	err := retry(ctx, c.config.Attempts, c.config.RetryDelay, func() error {
		var err error
		written, err = c.upload(ctx, localPath, remotePath, os.FileMode(mode))
		if IsTemporary(err) {
			c.logger.Debug().Err(err).Str("remote", remotePath).Msg("Upload failed, retrying")
			c.resetSession()
		}
		return err
	})
	if err != nil {
		return err
	}

	c.logger.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("File uploaded")
	return nil
}

func (c *SSHClient) upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) (int64, error) {
	fail := func(msg string, err error, temporary bool) (int64, error) {
		return 0, &TransportError{Op: OpUpload, Path: remotePath, Err: fmt.Errorf("%s: %w", msg, err), Temporary: temporary}
	}

	local, err := os.Open(localPath)
	if err != nil {
		return fail("failed to open local file", err, false)
	}
	defer local.Close()

	session, err := c.session()
	if err != nil {
		return 0, err
	}

	if err := session.MkdirAll(path.Dir(remotePath)); err != nil {
		return fail("failed to create remote directory", err, false)
	}

	partPath := remotePath + partSuffix
	remote, err := session.Create(partPath)
	if err != nil {
		return fail("failed to create remote file", err, true)
	}

	n, err := io.Copy(remote, &contextReader{ctx: ctx, r: local})
	if closeErr := remote.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = session.Remove(partPath)
		return fail("failed to copy file", err, ctx.Err() == nil)
	}

	if mode != 0 {
		if err := session.Chmod(partPath, mode); err != nil {
			c.logger.Warn().Err(err).Str("remote", remotePath).Msg("Failed to set file permissions")
		}
	}
	if err := session.PosixRename(partPath, remotePath); err != nil {
		_ = session.Remove(partPath)
		return fail("failed to move remote file into place", err, false)
	}
	return n, nil
}

// DownloadFile copies remotePath to localPath, replacing the local file
// atomically. Temporary failures are retried on a fresh session.
func (c *SSHClient) DownloadFile(ctx context.Context, remotePath string, localPath string) error {
	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &TransportError{Op: OpDownload, Path: remotePath, Err: fmt.Errorf("failed to create local directory: %w", err)}
	}

	var read int64
	err := retry(ctx, c.config.Attempts, c.config.RetryDelay, func() error {
		var err error
		read, err = c.download(ctx, remotePath, localPath)
		if IsTemporary(err) {
			c.logger.Debug().Err(err).Str("remote", remotePath).Msg("Download failed, retrying")
			c.resetSession()
		}
		return err
	})
	if err != nil {
		return err
	}

	c.logger.Info().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", read).
		Dur("duration", time.Since(start)).
		Msg("File downloaded")
	return nil
}

func (c *SSHClient) download(ctx context.Context, remotePath, localPath string) (int64, error) {
	session, err := c.session()
	if err != nil {
		return 0, err
	}

	remote, err := session.Open(remotePath)
	if err != nil {
		return 0, &TransportError{
			Op:        OpDownload,
			Path:      remotePath,
			Err:       fmt.Errorf("failed to open remote file: %w", err),
			Temporary: !errors.Is(err, os.ErrNotExist) && !errors.Is(err, os.ErrPermission),
		}
	}
	defer remote.Close()

	counter := &countingReader{r: &contextReader{ctx: ctx, r: remote}}
	if err := atomic.WriteFile(localPath, counter); err != nil {
		return 0, &TransportError{
			Op:        OpDownload,
			Path:      remotePath,
			Err:       fmt.Errorf("failed to copy file: %w", err),
			Temporary: ctx.Err() == nil,
		}
	}
	return counter.n, nil
}

// List returns the regular files of a remote directory whose names end in
// suffix, newest first. An empty suffix matches every file.
func (c *SSHClient) List(ctx context.Context, dir, suffix string) ([]RemoteFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := c.session()
	if err != nil {
		return nil, err
	}

	entries, err := session.ReadDir(dir)
	if err != nil {
		return nil, &TransportError{Op: OpList, Path: dir, Err: err}
	}

	files := make([]RemoteFile, 0, len(entries))
	for _, entry := range entries {
		if !entry.Mode().IsRegular() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		files = append(files, RemoteFile{
			Name:    entry.Name(),
			Path:    path.Join(dir, entry.Name()),
			Size:    entry.Size(),
			ModTime: entry.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.After(files[j].ModTime)
		}
		return files[i].Name > files[j].Name
	})
	return files, nil
}

// contextReader fails reads once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += int64(n)
	return n, err
}
