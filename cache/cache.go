// Package cache hands out package download directories keyed by the hash of
// the manifest that is installed into them.
//
// Stages share the root. Two stages preparing the same key at the same time
// both get the same directory; the worst outcome is that both download.
package cache

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/dustin/go-humanize"
)

var keyRe = regexp.MustCompile(`^[a-f0-9]{16,128}$`)

type Dir struct {
	Root string
}

func New(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}
	return &Dir{Root: abs}, nil
}

type Entry struct {
	Key  string
	Path string
	// Hit is true when the directory already had content
	Hit  bool
	Size uint64
}

func (e Entry) HumanSize() string {
	return humanize.Bytes(e.Size)
}

func (d *Dir) Prepare(key string) (Entry, error) {
	if !keyRe.MatchString(key) {
		return Entry{}, fmt.Errorf("invalid cache key %q", key)
	}

	path := filepath.Join(d.Root, key[:2], key)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Entry{}, fmt.Errorf("creating cache entry: %w", err)
	}

	size, files, err := usage(path)
	if err != nil {
		return Entry{}, err
	}

	return Entry{
		Key:  key,
		Path: path,
		Hit:  files > 0,
		Size: size,
	}, nil
}

func usage(root string) (uint64, int, error) {
	var size uint64
	var files int
	err := filepath.WalkDir(root, func(_ string, de fs.DirEntry, err error) error {
		if err != nil {
			// entries can vanish while another stage is writing
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if de.Type().IsRegular() {
			info, err := de.Info()
			if err != nil {
				return nil
			}
			size += uint64(info.Size())
			files++
		}
		return nil
	})
	return size, files, err
}
