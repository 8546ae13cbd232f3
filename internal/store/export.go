package store

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ExportRun streams a zip of run.json, events.ndjson, and artifacts/.
func (s *Store) ExportRun(runID string, w io.Writer) error {
	dir := s.runDir(runID)
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	defer zw.Close()

	for _, f := range []string{s.runPath(runID), s.runEventsPath(runID)} {
		if err := addZipFile(zw, f, filepath.Base(f)); err != nil {
			return err
		}
	}
	addZipDir(zw, dir, filepath.Join(dir, "artifacts"))
	return nil
}

// ExportSession streams a zip of session.json, events.ndjson,
// attachments/, and artifacts/.
func (s *Store) ExportSession(sessionID string, w io.Writer) error {
	dir := s.sessionDir(sessionID)
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	defer zw.Close()

	for _, f := range []string{s.sessionPath(sessionID), s.sessionEventsPath(sessionID)} {
		if err := addZipFile(zw, f, filepath.Base(f)); err != nil {
			return err
		}
	}
	addZipDir(zw, dir, filepath.Join(dir, "attachments"))
	addZipDir(zw, dir, filepath.Join(dir, "artifacts"))
	return nil
}

func addZipFile(zw *zip.Writer, absPath, zipPath string) error {
	info, err := os.Stat(absPath)
	if err != nil {
		return err
	}
	h, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	h.Name = filepath.ToSlash(zipPath)
	h.Method = zip.Deflate
	h.Modified = time.Now()

	fw, err := zw.CreateHeader(h)
	if err != nil {
		return err
	}
	f, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(fw, f)
	return err
}

// addZipDir adds every regular file under subdir with names relative to
// base. Missing subdirs and unreadable files are skipped.
func addZipDir(zw *zip.Writer, base, subdir string) {
	if _, err := os.Stat(subdir); err != nil {
		return
	}
	_ = filepath.WalkDir(subdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(base, path)
		_ = addZipFile(zw, path, filepath.ToSlash(rel))
		return nil
	})
}
