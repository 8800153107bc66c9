package walk

import (
	"context"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

// Entry is a regular file found by FS.
type Entry interface {
	// Path is the file path prefixed with the name of the filesystem.
	Path() string
	// RelPath is the slash separated path inside the filesystem.
	RelPath() string
	Stat() (fs.FileInfo, error)
}

// Root is a convenience wrapper around FS for os.Root. See FS for details.
func Root(ctx context.Context, root *os.Root, skipDir ...func(fs.DirEntry) bool) iter.Seq2[Entry, error] {
	return FS(ctx, root.FS(), root.Name(), skipDir...)
}

// FS recursively walks the filesystem rooted at root and return a handle for every regular file found.
// Or an error if file information retrieval fails.
// Each Entry's Path() is prefixed with name of a filesystem. In most cases it'll be an absolute
// path to the file. It does not follow symlinks. Directories for which skipDir
// returns true are not entered.
func FS(ctx context.Context, root fs.FS, name string, skipDir ...func(fs.DirEntry) bool) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err == nil && d.IsDir() {
				if path != "." {
					for _, skip := range skipDir {
						if skip(d) {
							return fs.SkipDir
						}
					}
				}
				return nil
			}
			var entry = fsEntry{
				abspath: filepath.Join(name, filepath.FromSlash(path)),
				path:    path,
			}
			var yieldErr error
			if err != nil {
				yieldErr = err
			} else {
				info, err := d.Info()
				if err != nil {
					entry.infoErr = err
					yieldErr = err
				} else {
					if !info.Mode().IsRegular() {
						return nil
					}
					entry.info = info
					yieldErr = nil
				}
			}

			if !yield(entry, yieldErr) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

type fsEntry struct {
	abspath string
	path    string
	info    fs.FileInfo
	infoErr error
}

// returns the absolute path to the file
func (e fsEntry) Path() string {
	return e.abspath
}

func (e fsEntry) RelPath() string {
	return e.path
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
