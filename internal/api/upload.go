package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"

	"github.com/petervdpas/roomchat/internal/proto"
)

// maxUploadBytes caps a single attachment.
const maxUploadBytes = 25 << 20

// FileMetadata describes one uploaded file.
type FileMetadata struct {
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
	DisplayOrder int    `json:"displayOrder,omitempty"`
}

// Media converts the upload result into a message attachment.
func (f FileMetadata) Media() proto.MessageMedia {
	return proto.MessageMedia{
		MediaURL:     f.URL,
		MediaName:    f.Name,
		MediaSize:    f.Size,
		MimeType:     f.ContentType,
		DisplayOrder: f.DisplayOrder,
	}
}

// UploadFiles posts the given local files as multipart field "files".
func (c *Client) UploadFiles(ctx context.Context, paths ...string) ([]FileMetadata, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range paths {
		if err := addFilePart(mw, p); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out []FileMetadata
	if err := c.do(ctx, http.MethodPost, "/chat/api/v1/media/upload", &buf, mw.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].DisplayOrder == 0 {
			out[i].DisplayOrder = i
		}
	}
	return out, nil
}

func addFilePart(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("api: upload: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("api: upload: %w", err)
	}
	if st.Size() > maxUploadBytes {
		return fmt.Errorf("api: upload: %s exceeds %d bytes", filepath.Base(path), maxUploadBytes)
	}

	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, filepath.Base(path)))
	h.Set("Content-Type", ct)

	w, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
