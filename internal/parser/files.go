package parser

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/zeebo/blake3"
)

// statFile resolves symlinks under dir/name and returns the file with its
// size and md5. A missing file is reported as os.ErrNotExist.
func statFile(dir, name string) (File, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, name)
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return File{}, err
	}
	info, err := os.Stat(real)
	if err != nil {
		return File{}, err
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}
	sum, err := md5File(real)
	if err != nil {
		return File{}, err
	}
	return File{
		Name: filepath.Base(path),
		Path: real,
		Size: info.Size(),
		MD5:  sum,
	}, nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Fingerprint computes the BLAKE3 digest of a manifest's samples. The
// digest depends only on sample name, project, file name, size and md5, so
// the same package staged twice yields the same fingerprint.
func Fingerprint(samples []Sample) string {
	type entry struct{ sample, project, name, size, md5 string }
	var entries []entry
	for _, s := range samples {
		for _, f := range s.Files {
			entries = append(entries, entry{s.Name, s.ProjectID, f.Name, strconv.FormatInt(f.Size, 10), f.MD5})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].sample != entries[j].sample {
			return entries[i].sample < entries[j].sample
		}
		return entries[i].name < entries[j].name
	})

	h := blake3.New()
	for _, e := range entries {
		for _, field := range []string{e.sample, e.project, e.name, e.size, e.md5} {
			_, _ = io.WriteString(h, field)
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
