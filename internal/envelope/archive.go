package envelope

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
)

// ArchiveName is the file name given to multi-file bundles.
const ArchiveName = "archive.zip"

// File is one entry of a multi-file bundle.
type File struct {
	Name string
	Data []byte
}

// Archive bundles files into a zip container so several files travel as one
// transfer. Entry names are sanitized.
func Archive(files []File) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(SanitizeFileName(f.Name))
		if err != nil {
			return nil, fmt.Errorf("envelope: archive %s: %w", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, fmt.Errorf("envelope: archive %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unarchive reverses Archive.
func Unarchive(data []byte) ([]File, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("envelope: open archive: %w", err)
	}
	files := make([]File, 0, len(zr.File))
	for _, zf := range zr.File {
		rc, err := zf.Open()
		if err != nil {
			return nil, err
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, File{Name: zf.Name, Data: b})
	}
	return files, nil
}
