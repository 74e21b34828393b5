package vfs

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// tempPrefix marks in-flight upload files and archive artifacts so listings
// skip them and the sweeper can find abandoned ones.
const tempPrefix = ".shardfs-"

// Root is one node's private storage directory.
type Root struct {
	dir      string
	resolver Resolver
}

// OpenRoot creates dir if needed and returns a Root over it.
func OpenRoot(dir, marker string, strict bool) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("root %s: %w", dir, err)
	}
	if err := EnsureDir(abs); err != nil {
		return nil, err
	}
	return &Root{
		dir:      abs,
		resolver: Resolver{Marker: marker, Root: abs, Strict: strict},
	}, nil
}

// Dir returns the absolute root directory.
func (r *Root) Dir() string { return r.dir }

// Resolve translates a virtual path using this root.
func (r *Root) Resolve(virtualPath string) (string, error) {
	return r.resolver.Resolve(virtualPath)
}

// PendingFile is an upload in progress. Bytes are written to a temp file in
// the destination directory; Commit renames it over the destination, Abort
// removes it. A reader of the destination never observes a partial upload.
type PendingFile struct {
	f       *os.File
	dest    string
	written int64
}

// Create prepares an atomic write of name inside localDir, creating missing
// ancestor directories.
func (r *Root) Create(localDir, name string) (*PendingFile, error) {
	if err := EnsureDir(localDir); err != nil {
		return nil, err
	}
	tmp := filepath.Join(localDir, tempPrefix+uuid.NewString()+".part")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", name, err)
	}
	return &PendingFile{f: f, dest: filepath.Join(localDir, name)}, nil
}

func (p *PendingFile) Write(b []byte) (int, error) {
	n, err := p.f.Write(b)
	p.written += int64(n)
	return n, err
}

// Dest returns the final path of the file.
func (p *PendingFile) Dest() string { return p.dest }

// Written returns the number of bytes written so far.
func (p *PendingFile) Written() int64 { return p.written }

// Commit flushes the temp file and renames it over the destination. The last
// committed upload to a destination wins.
func (p *PendingFile) Commit() error {
	tmp := p.f.Name()
	if err := p.f.Sync(); err != nil {
		p.f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", p.dest, err)
	}
	if err := p.f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", p.dest, err)
	}
	if err := os.Rename(tmp, p.dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into %s: %w", p.dest, err)
	}
	return nil
}

// Abort discards the temp file. The destination is left untouched.
func (p *PendingFile) Abort() {
	p.f.Close()
	os.Remove(p.f.Name())
}

// Open opens a regular file for reading and returns its size.
func (r *Root) Open(localPath string) (*os.File, int64, error) {
	fi, err := os.Stat(localPath)
	if err != nil || !fi.Mode().IsRegular() {
		return nil, 0, fmt.Errorf("%s: %w", localPath, ErrNotFound)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", localPath, err)
	}
	return f, fi.Size(), nil
}

// Remove deletes a regular file. Directories are never removed.
func (r *Root) Remove(localPath string) error {
	fi, err := os.Stat(localPath)
	if err != nil || fi.IsDir() {
		return fmt.Errorf("%s: %w", localPath, ErrNotFound)
	}
	if err := os.Remove(localPath); err != nil {
		return fmt.Errorf("remove %s: %w", localPath, err)
	}
	return nil
}

// List walks localDir recursively and returns the base name of every regular
// file whose name ends in ext (every file when ext is empty), sorted with
// SortNames. A localDir that is not a directory returns ErrNotFound.
func (r *Root) List(localDir, ext string) ([]string, error) {
	fi, err := os.Stat(localDir)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%s: %w", localDir, ErrNotFound)
	}
	var names []string
	err = filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !matches(d.Name(), ext) {
			return nil
		}
		names = append(names, d.Name())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", localDir, err)
	}
	SortNames(names)
	return names, nil
}

// SortNames sorts names case-insensitively in ascending order. Names equal
// under case folding keep a bytewise order so the result is deterministic.
func SortNames(names []string) {
	sort.Slice(names, func(i, j int) bool {
		a, b := strings.ToLower(names[i]), strings.ToLower(names[j])
		if a != b {
			return a < b
		}
		return names[i] < names[j]
	})
}

// Match returns the root-relative, slash-separated paths of every regular
// file under the root whose name ends in ext, in lexical walk order.
func (r *Root) Match(ext string) ([]string, error) {
	var rels []string
	err := filepath.WalkDir(r.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !matches(d.Name(), ext) {
			return nil
		}
		rel, err := filepath.Rel(r.dir, p)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", r.dir, err)
	}
	return rels, nil
}

func matches(name, ext string) bool {
	if strings.HasPrefix(name, tempPrefix) {
		return false
	}
	return ext == "" || strings.HasSuffix(name, ext)
}

// WriteTar writes a tar stream containing rels (paths relative to the root)
// to w. Entries keep their relative paths; owner fields are cleared so the
// same tree produces the same archive on every node.
func (r *Root) WriteTar(w io.Writer, rels []string) error {
	tw := tar.NewWriter(w)
	for _, rel := range rels {
		if err := r.addTarEntry(tw, rel); err != nil {
			return err
		}
	}
	return tw.Close()
}

func (r *Root) addTarEntry(tw *tar.Writer, rel string) error {
	p := filepath.Join(r.dir, filepath.FromSlash(rel))
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("archive %s: %w", rel, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("archive %s: %w", rel, err)
	}
	hdr, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return fmt.Errorf("archive %s: %w", rel, err)
	}
	hdr.Name = rel
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""
	hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archive %s: %w", rel, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive %s: %w", rel, err)
	}
	return nil
}

// Artifact is a temporary file under the root that is deleted on Close.
type Artifact struct {
	*os.File
	size int64
}

// Size returns the artifact's length once it has been sealed.
func (a *Artifact) Size() int64 { return a.size }

// Close closes and deletes the artifact.
func (a *Artifact) Close() error {
	err := a.File.Close()
	if rmErr := os.Remove(a.Name()); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

// BuildArchive writes a tar of rels into a temporary artifact and rewinds it
// for reading. The caller must Close the artifact, which deletes it.
func (r *Root) BuildArchive(rels []string) (*Artifact, error) {
	f, err := os.CreateTemp(r.dir, tempPrefix+"*.tar")
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	a := &Artifact{File: f}
	if err := r.WriteTar(f, rels); err != nil {
		a.Close()
		return nil, err
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("archive size: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		a.Close()
		return nil, fmt.Errorf("rewind archive: %w", err)
	}
	a.size = size
	return a, nil
}

// SweepTemp deletes upload temps and archive artifacts older than ttl that
// were left behind by crashed or disconnected transfers. It returns the
// number of files removed.
func (r *Root) SweepTemp(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	removed := 0
	err := filepath.WalkDir(r.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if fi.ModTime().Before(cutoff) {
			if err := os.Remove(p); err == nil {
				removed++
			}
		}
		return nil
	})
	return removed, err
}
