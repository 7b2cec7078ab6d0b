// Package engine performs file-transfer operations against peripherals:
// single-file upload and download with chunked progress accounting, and
// recursive directory upload, download and deletion composed from the
// single-file operations and tree traversal.
package engine

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ftpbridge/ftpwire"
	"github.com/opd-ai/ftpbridge/listing"
	"github.com/opd-ai/ftpbridge/session"
)

// ErrLocalFileNotFound indicates the local source of an upload is missing.
var ErrLocalFileNotFound = errors.New("local file not found")

// ErrRemoteFileNotFound indicates the peripheral reports the remote path
// does not exist.
var ErrRemoteFileNotFound = errors.New("remote file not found")

// ErrRemoteDelete indicates a remote deletion failed. Partial deletions are
// not rolled back; the error names the first sub-path that could not be
// removed.
var ErrRemoteDelete = errors.New("remote deletion failed")

// DefaultChunkSize is the upload chunk size when none is configured.
const DefaultChunkSize = 32 * 1024

// Engine executes transfer operations over sessions acquired by the caller.
type Engine struct {
	chunkSize int
}

// New creates a transfer engine. chunkSize bounds how many bytes move
// between consecutive progress records on uploads.
func New(chunkSize int) *Engine {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Engine{chunkSize: chunkSize}
}

// UploadFile streams a local file to the peripheral in fixed-size chunks,
// reporting progress after each chunk.
func (e *Engine) UploadFile(s session.Session, localPath, remotePath string, cb ProgressFunc) error {
	info, err := os.Stat(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrLocalFileNotFound, localPath)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrLocalFileNotFound, localPath)
	}

	tr := newTracker(filepath.Base(localPath), info.Size(), cb)
	return e.uploadTracked(s, localPath, remotePath, tr)
}

// uploadTracked runs one tracked upload. The source is reopened and the
// tracker restarted when the session layer replays the transfer.
func (e *Engine) uploadTracked(s session.Session, localPath, remotePath string, tr *tracker) error {
	logrus.WithFields(logrus.Fields{
		"function":    "uploadTracked",
		"local_path":  localPath,
		"remote_path": remotePath,
	}).Info("Uploading file")

	src := func() (io.ReadCloser, error) {
		f, err := os.Open(localPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrLocalFileNotFound, localPath)
			}
			return nil, err
		}
		tr.restart()
		return &progressReader{f: f, chunk: e.chunkSize, tr: tr}, nil
	}

	if err := s.Store(remotePath, src); err != nil {
		return err
	}
	tr.finish()
	return nil
}

// DownloadFile streams a remote file into a local path, creating parent
// directories as needed.
func (e *Engine) DownloadFile(s session.Session, remotePath, localPath string, cb ProgressFunc) error {
	total := e.remoteSize(s, remotePath)
	tr := newTracker(path.Base(ftpwire.NormalizePath(remotePath)), total, cb)
	return e.downloadTracked(s, remotePath, localPath, tr)
}

func (e *Engine) downloadTracked(s session.Session, remotePath, localPath string, tr *tracker) error {
	logrus.WithFields(logrus.Fields{
		"function":    "downloadTracked",
		"remote_path": remotePath,
		"local_path":  localPath,
	}).Info("Downloading file")

	if dir := filepath.Dir(localPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	dst := func() (io.WriteCloser, error) {
		f, err := os.Create(localPath)
		if err != nil {
			return nil, err
		}
		tr.restart()
		return &progressWriter{f: f, tr: tr}, nil
	}

	if err := s.Retrieve(remotePath, dst); err != nil {
		// The sink truncates before the transfer starts, so whatever sits at
		// localPath now is partial data.
		if rmErr := os.Remove(localPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logrus.WithFields(logrus.Fields{
				"function":   "downloadTracked",
				"local_path": localPath,
				"error":      rmErr.Error(),
			}).Debug("Failed to remove partial download")
		}
		if ftpwire.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrRemoteFileNotFound, remotePath)
		}
		return err
	}
	tr.finish()
	return nil
}

// remoteSize asks the peripheral for a file's size so downloads can report
// percentages. Servers without the SIZE extension leave the total unknown.
func (e *Engine) remoteSize(s session.Session, remotePath string) int64 {
	size, err := s.Size(remotePath)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "remoteSize",
			"remote_path": remotePath,
			"error":       err.Error(),
		}).Debug("SIZE unavailable, download progress will be terminal-only")
		return 0
	}
	return size
}

// localFile is one enumerated upload source.
type localFile struct {
	abs  string
	rel  string
	size int64
}

// UploadDirectory uploads a local tree depth-first, creating each remote
// directory before uploading its files. The file set is fixed at
// enumeration time. The first failure aborts remaining transfers.
func (e *Engine) UploadDirectory(s session.Session, localDir, remoteDir string, cb ProgressFunc) error {
	dirs, files, err := enumerateLocal(localDir)
	if err != nil {
		return err
	}

	remoteBase := ftpwire.NormalizePath(remoteDir)
	e.makeRemoteDir(s, remoteBase)
	for _, rel := range dirs {
		e.makeRemoteDir(s, ftpwire.JoinRemote(remoteBase, rel))
	}

	logrus.WithFields(logrus.Fields{
		"function":    "UploadDirectory",
		"local_dir":   localDir,
		"remote_dir":  remoteBase,
		"total_files": len(files),
	}).Info("Uploading directory")

	for i, f := range files {
		tr := newTracker(f.rel, f.size, cb).withContext(i+1, len(files))
		if err := e.uploadTracked(s, f.abs, ftpwire.JoinRemote(remoteBase, f.rel), tr); err != nil {
			return fmt.Errorf("upload of %s failed after %d of %d files: %w", f.rel, i, len(files), err)
		}
	}
	return nil
}

// enumerateLocal walks a local tree depth-first, splitting directories from
// files. Files added concurrently on disk after enumeration are not picked
// up.
func enumerateLocal(localDir string) (dirs []string, files []localFile, err error) {
	walkErr := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(localDir, p)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			dirs = append(dirs, rel)
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		files = append(files, localFile{abs: p, rel: rel, size: info.Size()})
		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrLocalFileNotFound, localDir)
		}
		return nil, nil, walkErr
	}
	return dirs, files, nil
}

// makeRemoteDir creates one remote directory, tolerating servers that
// reject MKD on an existing path.
func (e *Engine) makeRemoteDir(s session.Session, dir string) {
	if dir == "" || dir == "." || dir == "/" {
		return
	}
	if err := s.MakeDir(dir); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "makeRemoteDir",
			"dir":      dir,
			"error":    err.Error(),
		}).Debug("MKD rejected, assuming directory exists")
	}
}

// remoteFile is one enumerated download source.
type remoteFile struct {
	path string
	rel  string
	size int64
}

// DownloadDirectory downloads a remote tree depth-first, driving the
// enumeration from the remote listing service one directory level at a
// time.
func (e *Engine) DownloadDirectory(s session.Session, remoteDir, localDir string, cb ProgressFunc) error {
	files, err := enumerateRemote(s, ftpwire.NormalizePath(remoteDir), "")
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "DownloadDirectory",
		"remote_dir":  remoteDir,
		"local_dir":   localDir,
		"total_files": len(files),
	}).Info("Downloading directory")

	for i, f := range files {
		local := filepath.Join(localDir, filepath.FromSlash(f.rel))
		tr := newTracker(f.rel, f.size, cb).withContext(i+1, len(files))
		if err := e.downloadTracked(s, f.path, local, tr); err != nil {
			return fmt.Errorf("download of %s failed after %d of %d files: %w", f.rel, i, len(files), err)
		}
	}
	return nil
}

func enumerateRemote(s session.Session, dir, rel string) ([]remoteFile, error) {
	entries, err := listing.ListRemote(s, dir, true)
	if err != nil {
		return nil, err
	}

	var files []remoteFile
	for _, entry := range entries {
		entryRel := entry.Name
		if rel != "" {
			entryRel = rel + "/" + entry.Name
		}
		if entry.IsDir {
			sub, err := enumerateRemote(s, entry.Path, entryRel)
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
			continue
		}
		files = append(files, remoteFile{path: entry.Path, rel: entryRel, size: entry.Size})
	}
	return files, nil
}

// DeleteRemotePath deletes a remote file, or a remote directory tree
// recursively: every file first, then the emptied subdirectories bottom-up,
// finally the path itself. Deletion is not transactional; partial deletions
// are not rolled back.
func (e *Engine) DeleteRemotePath(s session.Session, remotePath string) error {
	p := ftpwire.NormalizePath(remotePath)
	if p == "" || p == "/" {
		return fmt.Errorf("%w: refusing to delete %q", ErrRemoteDelete, remotePath)
	}

	// Try the path as a plain file first.
	if err := s.Delete(p); err == nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeleteRemotePath",
			"path":     p,
		}).Info("Deleted remote file")
		return nil
	}

	return e.deleteDirectory(s, p)
}

func (e *Engine) deleteDirectory(s session.Session, dir string) error {
	entries, err := listing.ListRemote(s, dir, true)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRemoteDelete, dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir {
			continue
		}
		if err := s.Delete(entry.Path); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrRemoteDelete, entry.Path, err)
		}
	}
	for _, entry := range entries {
		if !entry.IsDir {
			continue
		}
		if err := e.deleteDirectory(s, entry.Path); err != nil {
			return err
		}
	}

	if err := s.RemoveDir(dir); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRemoteDelete, dir, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "deleteDirectory",
		"dir":      dir,
	}).Info("Removed remote directory")
	return nil
}

// progressReader caps reads at the chunk size and reports each chunk.
type progressReader struct {
	f     *os.File
	chunk int
	tr    *tracker
}

func (r *progressReader) Read(p []byte) (int, error) {
	if len(p) > r.chunk {
		p = p[:r.chunk]
	}
	n, err := r.f.Read(p)
	if n > 0 {
		r.tr.add(n)
	}
	return n, err
}

func (r *progressReader) Close() error { return r.f.Close() }

// progressWriter reports each write of an incoming transfer.
type progressWriter struct {
	f  *os.File
	tr *tracker
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if n > 0 {
		w.tr.add(n)
	}
	return n, err
}

func (w *progressWriter) Close() error { return w.f.Close() }
