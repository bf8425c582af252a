package repo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/localmesh/orgateway/apierr"
)

// resolveDocPath canonicalizes filename against the uploads root and
// verifies the result stays inside it. A path that escapes the root fails
// as not-found, never as forbidden.
func (r *Repository) resolveDocPath(filename string) (string, error) {
	if filename == "" {
		return "", apierr.NotFound(apierr.DocumentNotFound, "document", filename)
	}
	p := filepath.Clean(filepath.Join(r.uploadsDir, filename))
	if p != r.uploadsDir && !strings.HasPrefix(p, r.uploadsDir+string(filepath.Separator)) {
		return "", apierr.NotFound(apierr.DocumentNotFound, "document", filename)
	}
	return p, nil
}

// SaveDocument writes an uploaded blob under the uploads root and records
// its metadata row. The stored filename is the flattened base name, so a
// client-supplied path can never place a file outside the root.
func (r *Repository) SaveDocument(filename string, content io.Reader) (Document, error) {
	if filename == "" {
		return Document{}, apierr.New(apierr.MissingFilename, "upload is missing a filename")
	}
	name := filepath.Base(filepath.Clean(filename))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return Document{}, apierr.New(apierr.MissingFilename, "upload is missing a filename")
	}

	path, err := r.resolveDocPath(name)
	if err != nil {
		return Document{}, err
	}
	if err := os.MkdirAll(r.uploadsDir, 0o755); err != nil {
		return Document{}, apierr.New(apierr.FileSaveFailed, "could not create uploads directory").Wrap(err)
	}

	f, err := os.Create(path)
	if err != nil {
		return Document{}, apierr.New(apierr.FileSaveFailed, "could not save "+name).Wrap(err)
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		os.Remove(path)
		return Document{}, apierr.New(apierr.FileSaveFailed, "could not save "+name).Wrap(err)
	}
	if err := f.Close(); err != nil {
		return Document{}, apierr.New(apierr.FileSaveFailed, "could not save "+name).Wrap(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Document{}, apierr.New(apierr.FileSaveFailed, "could not stat "+name).Wrap(err)
	}
	doc := Document{Filename: name, Size: info.Size(), Mtime: info.ModTime().UTC()}

	_, err = r.store.DB.Exec(
		`INSERT INTO documents (filename, size, mtime) VALUES (?, ?, ?)
		 ON CONFLICT(filename) DO UPDATE SET size=excluded.size, mtime=excluded.mtime`,
		doc.Filename, doc.Size, doc.Mtime.Format(timeLayout),
	)
	if err != nil {
		return Document{}, fmt.Errorf("record document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns the recorded upload metadata, sorted by filename.
func (r *Repository) ListDocuments() ([]Document, error) {
	rows, err := r.store.DB.Query(`SELECT filename, size, mtime FROM documents ORDER BY filename`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		var mtime string
		if err := rows.Scan(&d.Filename, &d.Size, &mtime); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.Mtime, _ = time.Parse(timeLayout, mtime)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReadDocument returns a stored blob's content and metadata. Any failure
// to resolve or read collapses to not-found.
func (r *Repository) ReadDocument(filename string) ([]byte, Document, error) {
	path, err := r.resolveDocPath(filename)
	if err != nil {
		return nil, Document{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Document{}, apierr.NotFound(apierr.DocumentNotFound, "document", filename)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, Document{}, apierr.NotFound(apierr.DocumentNotFound, "document", filename)
	}
	return data, Document{Filename: filepath.Base(path), Size: info.Size(), Mtime: info.ModTime().UTC()}, nil
}

// DeleteDocument removes the blob and its metadata row.
func (r *Repository) DeleteDocument(filename string) error {
	path, err := r.resolveDocPath(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apierr.NotFound(apierr.DocumentNotFound, "document", filename)
		}
		return apierr.New(apierr.FileDeleteFailed, "could not delete "+filename).Wrap(err)
	}
	if _, err := r.store.DB.Exec(`DELETE FROM documents WHERE filename = ?`, filepath.Base(path)); err != nil {
		return fmt.Errorf("unrecord document: %w", err)
	}
	return nil
}
