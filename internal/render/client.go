// Package render talks to the external PDF rendering service. The signing
// core only hashes what comes back; it never parses PDF bytes.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"esign-workflow/internal/domain"
)

// Renderer produces the PDF of a version with the given field values burned in.
type Renderer interface {
	Render(ctx context.Context, version *domain.Version, fields []domain.Field) ([]byte, error)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type renderField struct {
	ID         string  `json:"id"`
	FieldType  string  `json:"field_type"`
	PageNumber int     `json:"page_number"`
	XPct       float64 `json:"x_pct"`
	YPct       float64 `json:"y_pct"`
	WidthPct   float64 `json:"width_pct"`
	HeightPct  float64 `json:"height_pct"`
	Value      *string `json:"value"`
}

type RenderRequest struct {
	DocumentID string        `json:"document_id"`
	VersionID  string        `json:"version_id"`
	Fields     []renderField `json:"fields"`
}

func NewRenderRequest(version *domain.Version, fields []domain.Field) RenderRequest {
	req := RenderRequest{
		DocumentID: version.DocumentID,
		VersionID:  version.ID,
		Fields:     make([]renderField, 0, len(fields)),
	}
	for _, f := range fields {
		req.Fields = append(req.Fields, renderField{
			ID:         f.ID,
			FieldType:  string(f.FieldType),
			PageNumber: f.PageNumber,
			XPct:       f.XPct,
			YPct:       f.YPct,
			WidthPct:   f.WidthPct,
			HeightPct:  f.HeightPct,
			Value:      f.Value,
		})
	}
	return req
}

// Render posts the layout and values and returns the PDF bytes.
func (c *Client) Render(ctx context.Context, version *domain.Version, fields []domain.Field) ([]byte, error) {
	url := fmt.Sprintf("%s/internal/versions/%s/render", c.baseURL, version.ID)

	body, err := json.Marshal(NewRenderRequest(version, fields))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf(
			"render service error: status=%d body=%s",
			resp.StatusCode,
			string(b),
		)
	}

	pdf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(pdf) == 0 {
		return nil, fmt.Errorf("render service returned an empty document for version %s", version.ID)
	}
	return pdf, nil
}
