package ytdlp

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// zipDir packs the regular files of src (not recursive) into dest.
func zipDir(src, dest string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !isPartial(e.Name()) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return os.ErrNotExist
	}
	sort.Strings(names)

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)
	for _, name := range names {
		if err := addFile(zw, filepath.Join(src, name), name); err != nil {
			zw.Close()
			out.Close()
			os.Remove(dest)
			return err
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// Media is already compressed.
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
