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
	"path/filepath"

	"teamwire/internal/domain"
)

// UploadFile posts a multipart form with the fields file and workspaceId.
// The caller enforces the size limit before calling.
func (c *Client) UploadFile(ctx context.Context, name string, r io.Reader) (*domain.FileDescriptor, error) {
	var body bytes.Buffer
	mp := multipart.NewWriter(&body)

	if c.workspaceID != "" {
		if err := mp.WriteField("workspaceId", c.workspaceID); err != nil {
			return nil, fmt.Errorf("write field: %w", err)
		}
	}

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(name)))
	header.Set("Content-Type", contentType)
	part, err := mp.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create part: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if err := mp.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/files", &body, mp.FormDataContentType())
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	var fd domain.FileDescriptor
	if err := c.send(ctx, req, &fd); err != nil {
		return nil, fmt.Errorf("upload %s: %w", filepath.Base(name), err)
	}
	if fd.MimeType == "" {
		fd.MimeType = contentType
	}
	return &fd, nil
}
