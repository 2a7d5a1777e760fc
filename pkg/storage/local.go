package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Local stores objects on the node filesystem under a base directory. Keys map
// 1:1 to relative paths; URLs are {publicBaseURL}/{key} served by the static
// file route. Writes go through a temp file and rename so readers never see a
// partial object.
type Local struct {
	base          string
	publicBaseURL string
}

// NewLocal creates a local provider rooted at base. The directory is created
// if missing.
func NewLocal(base, publicBaseURL string) (*Local, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}
	return &Local{base: abs, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

// Kind returns the provider tag.
func (l *Local) Kind() string { return "local" }

// StableURLs reports that local URLs may be persisted.
func (l *Local) StableURLs() bool { return true }

// Root returns the absolute base directory, for the static file route.
func (l *Local) Root() string { return l.base }

// abs resolves key under base and rejects traversal outside it.
func (l *Local) abs(key string) (string, error) {
	p := filepath.Join(l.base, filepath.FromSlash(key))
	if p != l.base && !strings.HasPrefix(p, l.base+string(filepath.Separator)) {
		return "", opErr("local", "resolve", key, ErrPermission)
	}
	return p, nil
}

// Test writes and removes a probe file under the base directory.
func (l *Local) Test(ctx context.Context) Status {
	start := time.Now()
	probe := filepath.Join(l.base, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return Status{OK: false, Latency: time.Since(start), Error: err.Error()}
	}
	_ = os.Remove(probe)
	return Status{OK: true, Latency: time.Since(start)}
}

// Upload copies localPath to key atomically and returns the public URL.
func (l *Local) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	dst, err := l.abs(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", opErr("local", "upload", key, err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", opErr("local", "upload", key, fmt.Errorf("%w: source %s", ErrNotFound, localPath))
		}
		return "", opErr("local", "upload", key, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", opErr("local", "upload", key, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", opErr("local", "upload", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", opErr("local", "upload", key, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", opErr("local", "upload", key, err)
	}
	return l.url(key), nil
}

// Download copies key into localPath.
func (l *Local) Download(ctx context.Context, key, localPath string) error {
	src, err := l.abs(key)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return opErr("local", "download", key, ErrNotFound)
		}
		return opErr("local", "download", key, err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return opErr("local", "download", key, err)
	}
	out, err := os.Create(localPath)
	if err != nil {
		return opErr("local", "download", key, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return opErr("local", "download", key, err)
	}
	return nil
}

// Delete removes the object at key.
func (l *Local) Delete(ctx context.Context, key string) error {
	p, err := l.abs(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return opErr("local", "delete", key, ErrNotFound)
		}
		return opErr("local", "delete", key, err)
	}
	return nil
}

// List returns entries under folder.
func (l *Local) List(ctx context.Context, folder string, recursive bool) ([]Entry, error) {
	root, err := l.abs(folder)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, opErr("local", "list", folder, ErrNotFound)
		}
		return nil, opErr("local", "list", folder, err)
	}
	if !info.IsDir() {
		return nil, opErr("local", "list", folder, fmt.Errorf("%w: not a folder", ErrNotFound))
	}

	var entries []Entry
	if !recursive {
		dirents, err := os.ReadDir(root)
		if err != nil {
			return nil, opErr("local", "list", folder, err)
		}
		for _, d := range dirents {
			fi, err := d.Info()
			if err != nil {
				continue
			}
			entries = append(entries, Entry{
				Key:        joinKey(folder, d.Name()),
				Name:       d.Name(),
				Size:       fi.Size(),
				IsDir:      d.IsDir(),
				ModifiedAt: fi.ModTime().UTC(),
			})
		}
		return entries, nil
	}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(l.base, p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, Entry{
			Key:        filepath.ToSlash(rel),
			Name:       d.Name(),
			Size:       fi.Size(),
			IsDir:      d.IsDir(),
			ModifiedAt: fi.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, opErr("local", "list", folder, err)
	}
	return entries, nil
}

// CreateFolder creates the folder and its parents.
func (l *Local) CreateFolder(ctx context.Context, path string) error {
	p, err := l.abs(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return opErr("local", "create_folder", path, err)
	}
	return nil
}

// Usage sums file sizes under path.
func (l *Local) Usage(ctx context.Context, path string) (Usage, error) {
	root, err := l.abs(path)
	if err != nil {
		return Usage{}, err
	}
	var used int64
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		used += fi.Size()
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Usage{}, nil
		}
		return Usage{}, opErr("local", "usage", path, err)
	}
	return Usage{UsedBytes: used}, nil
}

// ResolveURL returns the static-route URL for key.
func (l *Local) ResolveURL(ctx context.Context, key string) (string, error) {
	return l.url(key), nil
}

func (l *Local) url(key string) string {
	return l.publicBaseURL + "/" + strings.TrimLeft(key, "/")
}
