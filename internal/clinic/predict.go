package clinic

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/h2non/filetype"

	"xray-chatbot/internal/core"
	"xray-chatbot/pkg"
)

const predictPath = "/predict"

// Predict uploads the image as the multipart field "file".
func (c *Client) Predict(ctx context.Context, upload core.Upload) (*pkg.Prediction, error) {
	filename := upload.Filename
	if filename == "" {
		filename = "xray"
	}
	contentType := "application/octet-stream"
	if kind, err := filetype.Match(upload.Data); err == nil && kind.MIME.Value != "" {
		contentType = kind.MIME.Value
		if filename == "xray" {
			filename += "." + kind.Extension
		}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(upload.Data); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(predictPath), &body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", predictPath, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.do(req, predictPath)
	if err != nil {
		return nil, err
	}
	var out pkg.Prediction
	if err := decodeJSON(resp, predictPath, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
