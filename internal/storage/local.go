package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const tempMarker = ".tmp."

// LocalStorage implements Adapter on the local filesystem. Writes land in a
// temporary file and are renamed into place, so readers never observe a
// partially written object.
type LocalStorage struct {
	basePath string
	// guards rename and remove so a concurrent Delete cannot race a Store's final move
	mutex sync.Mutex
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create storage directory")
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local storage initialized")
	return &LocalStorage{basePath: basePath}, nil
}

// SupportsStreaming implements Streamer
func (ls *LocalStorage) SupportsStreaming() bool { return true }

// resolve maps a key onto the filesystem, refusing keys that escape the base path
func (ls *LocalStorage) resolve(key string) (string, error) {
	cleaned := filepath.Clean("/" + filepath.FromSlash(key))
	fullPath := filepath.Join(ls.basePath, cleaned)

	rel, err := filepath.Rel(ls.basePath, fullPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, key)
	}
	return fullPath, nil
}

// Store saves content with an atomic rename and logs its checksum
func (ls *LocalStorage) Store(ctx context.Context, path string, content io.Reader, contentType string) error {
	startTime := time.Now()

	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath, err := ls.resolve(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Error().Err(err).Str("path", path).Str("dir", dir).Msg("failed to create directory")
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, filepath.Base(fullPath)+tempMarker+"*")
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to create temporary file")
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tempPath := tempFile.Name()

	defer func() {
		tempFile.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	bytesWritten, err := io.Copy(io.MultiWriter(tempFile, hasher), &contextReader{ctx: ctx, r: content})
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to write content to temporary file")
		return fmt.Errorf("failed to write content: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to sync temporary file")
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	tempFile.Close()

	ls.mutex.Lock()
	err = os.Rename(tempPath, fullPath)
	ls.mutex.Unlock()
	if err != nil {
		log.Error().Err(err).Str("path", path).Str("temp_path", tempPath).Msg("failed to move temporary file to final location")
		return fmt.Errorf("failed to move file to final location: %w", err)
	}

	log.Debug().
		Str("path", path).
		Str("content_type", contentType).
		Int64("bytes_written", bytesWritten).
		Str("checksum", hex.EncodeToString(hasher.Sum(nil))).
		Dur("duration", time.Since(startTime)).
		Msg("file stored successfully")

	return nil
}

// Retrieve opens the object for streaming. The caller closes the reader.
func (ls *LocalStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, _, err := ls.open(path)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// RetrieveRange opens the object and seeks to the start of rng
func (ls *LocalStorage) RetrieveRange(ctx context.Context, path string, rng *ByteRange) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, info, err := ls.open(path)
	if err != nil {
		return nil, err
	}

	total := info.Size()
	obj := &Object{Body: file, Size: total, TotalSize: total, ContentType: "application/octet-stream"}
	if rng == nil {
		return obj, nil
	}

	resolved, err := rng.Resolve(total)
	if err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(resolved.Start, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek %s: %w", path, err)
	}

	obj.Body = newLimitedReadCloser(file, resolved.Length())
	obj.Size = resolved.Length()
	obj.Range = resolved
	return obj, nil
}

func (ls *LocalStorage) open(path string) (*os.File, os.FileInfo, error) {
	fullPath, err := ls.resolve(path)
	if err != nil {
		return nil, nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("file not found")
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to open file")
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		file.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return file, info, nil
}

// Delete removes the object. Deleting a missing object is not an error.
func (ls *LocalStorage) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath, err := ls.resolve(path)
	if err != nil {
		return err
	}

	ls.mutex.Lock()
	err = os.Remove(fullPath)
	ls.mutex.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("file already deleted or does not exist")
			return nil
		}
		log.Error().Err(err).Str("path", path).Msg("failed to delete file")
		return fmt.Errorf("failed to delete file: %w", err)
	}

	log.Debug().Str("path", path).Msg("file deleted successfully")
	return nil
}

// Exists checks if content exists at the given path
func (ls *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := ls.Stat(ctx, path)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetSize returns the size of content at the given path
func (ls *LocalStorage) GetSize(ctx context.Context, path string) (int64, error) {
	info, err := ls.Stat(ctx, path)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// Stat returns size and modification time
func (ls *LocalStorage) Stat(ctx context.Context, path string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath, err := ls.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to get file info")
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	return &ObjectInfo{Key: path, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// List returns keys under prefix, slash-separated and relative to the base path.
// In-flight temporary files are skipped.
func (ls *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	startTime := time.Now()

	root, err := ls.resolve(prefix)
	if err != nil {
		return nil, err
	}
	// a prefix that is not a directory filters the entries of its parent
	if info, statErr := os.Stat(root); statErr != nil || !info.IsDir() {
		root = filepath.Dir(root)
	}
	wantPrefix := strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+prefix)), "/")
	if wantPrefix != "" && strings.HasSuffix(prefix, "/") {
		wantPrefix += "/"
	}

	var paths []string
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				log.Debug().Err(err).Str("path", path).Msg("skipping inaccessible path")
				return filepath.SkipDir
			}
			return err
		}

		if info.IsDir() || strings.Contains(info.Name(), tempMarker) {
			return nil
		}

		relPath, err := filepath.Rel(ls.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(relPath)
		if strings.HasPrefix(key, wantPrefix) {
			paths = append(paths, key)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("prefix", prefix).Msg("failed to list files")
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	log.Debug().
		Str("prefix", prefix).
		Int("count", len(paths)).
		Dur("duration", time.Since(startTime)).
		Msg("files listed successfully")

	return paths, nil
}

// contextReader stops a copy once the context is cancelled
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
