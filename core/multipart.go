package core

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
)

// FileSource is the closed set of ways to supply file content for a
// multipart upload: FilePath, FileBytes, or FileReader.
type FileSource interface {
	// resolve normalizes the source to one canonical (filename, bytes,
	// content-type) triple before encoding.
	resolve() (filename string, data []byte, contentType string, err error)
}

// FilePath reads the named file fully at encode time. The content type is
// inferred from the extension.
type FilePath string

func (p FilePath) resolve() (string, []byte, string, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return "", nil, "", fmt.Errorf("%w: reading upload %q: %v", ErrInvalidRequest, string(p), err)
	}
	return filepath.Base(string(p)), data, contentTypeForPath(string(p)), nil
}

// FileBytes supplies in-memory file content verbatim.
type FileBytes struct {
	Name        string
	Data        []byte
	ContentType string // defaults to application/octet-stream
}

func (b FileBytes) resolve() (string, []byte, string, error) {
	ct := b.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return b.Name, b.Data, ct, nil
}

// FileReader drains an open handle at encode time.
type FileReader struct {
	Name        string
	Reader      io.Reader
	ContentType string // defaults to application/octet-stream
}

func (r FileReader) resolve() (string, []byte, string, error) {
	if r.Reader == nil {
		return "", nil, "", fmt.Errorf("%w: nil reader for upload %q", ErrInvalidRequest, r.Name)
	}
	data, err := io.ReadAll(r.Reader)
	if err != nil {
		return "", nil, "", fmt.Errorf("%w: reading upload %q: %v", ErrInvalidRequest, r.Name, err)
	}
	return r.Name, data, r.ContentType, nil
}

// contentTypeForPath infers an image content type from the file extension,
// falling back to application/octet-stream.
func contentTypeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

type formField struct {
	name  string
	value string
}

type formFile struct {
	field  string
	source FileSource
}

// Form accumulates scalar fields and file parts for a multipart request.
// Parts are encoded in insertion order, fields before files.
type Form struct {
	fields []formField
	files  []formFile
}

// NewForm returns an empty Form.
func NewForm() *Form {
	return &Form{}
}

// AddField appends a scalar field.
func (f *Form) AddField(name, value string) *Form {
	f.fields = append(f.fields, formField{name: name, value: value})
	return f
}

// AddFile appends a file part supplied by src.
func (f *Form) AddFile(field string, src FileSource) *Form {
	f.files = append(f.files, formFile{field: field, source: src})
	return f
}

// encode builds the multipart body and its boundary content type.
func (f *Form) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, field := range f.fields {
		if err := w.WriteField(field.name, field.value); err != nil {
			return nil, "", fmt.Errorf("writing field %q: %w", field.name, err)
		}
	}

	for _, file := range f.files {
		filename, data, contentType, err := file.source.resolve()
		if err != nil {
			return nil, "", err
		}
		part, err := createFormFile(w, file.field, filename, contentType)
		if err != nil {
			return nil, "", fmt.Errorf("creating part %q: %w", file.field, err)
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", fmt.Errorf("writing part %q: %w", file.field, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// createFormFile is multipart.Writer.CreateFormFile with an explicit part
// content type instead of the hardwired octet-stream.
func createFormFile(w *multipart.Writer, field, filename, contentType string) (io.Writer, error) {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return w.CreatePart(h)
}
