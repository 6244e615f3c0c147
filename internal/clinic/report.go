package clinic

import (
	"context"
	"fmt"
	"io"

	"xray-chatbot/pkg"
)

const reportPath = "/generate_report"

// Generate asks the backend to render the session summary and returns the
// document bytes.
func (c *Client) Generate(ctx context.Context, req pkg.ReportRequest) (*pkg.Document, error) {
	resp, err := c.postJSON(ctx, reportPath, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", reportPath, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/pdf"
	}
	return &pkg.Document{Data: data, ContentType: contentType}, nil
}
