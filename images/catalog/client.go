package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/xenstack/vdisk/images"
	"github.com/xenstack/vdisk/utils"
)

// metadata response headers.
const (
	headerSize       = "X-Image-Meta-Size"
	headerDiskFormat = "X-Image-Meta-Disk_format"
	headerChecksum   = "X-Image-Meta-Checksum"
	headerOSType     = "X-Image-Meta-Property-Os_type"
)

// Client is the default images.Catalog implementation over the catalog's
// HTTP API. Metadata comes from response headers, the payload from the
// response body.
type Client struct {
	endpoint string
	hc       *http.Client
}

// NewClient creates a catalog client for the given base URL.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		// No overall timeout: image payloads are large and download time
		// is bounded by the caller's context.
		hc: &http.Client{},
	}
}

func (c *Client) imageURL(id string) string {
	return fmt.Sprintf("%s/v1/images/%s", c.endpoint, id)
}

// GetMeta implements images.Catalog.
func (c *Client) GetMeta(ctx context.Context, id string) (*images.ImageMeta, error) {
	return utils.DoWithRetry(ctx, func() (*images.ImageMeta, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.imageURL(id), nil)
		if err != nil {
			return nil, fmt.Errorf("build metadata request for image %s: %w", id, err)
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("image %s metadata: %w", id, err)
		}
		defer resp.Body.Close() //nolint:errcheck
		if resp.StatusCode != http.StatusOK {
			return nil, &utils.APIError{
				Code:    resp.StatusCode,
				Message: fmt.Sprintf("image %s metadata → %d", id, resp.StatusCode),
			}
		}
		return metaFromHeaders(id, resp.Header)
	})
}

// GetStream implements images.Catalog. The caller owns the returned body.
func (c *Client) GetStream(ctx context.Context, id string) (io.ReadCloser, *images.ImageMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.imageURL(id), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build download request for image %s: %w", id, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("download image %s: %w", id, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close() //nolint:errcheck
		return nil, nil, &utils.APIError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("download image %s → %d", id, resp.StatusCode),
		}
	}
	meta, err := metaFromHeaders(id, resp.Header)
	if err != nil {
		resp.Body.Close() //nolint:errcheck
		return nil, nil, err
	}
	return resp.Body, meta, nil
}

func metaFromHeaders(id string, h http.Header) (*images.ImageMeta, error) {
	sizeStr := h.Get(headerSize)
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("image %s: bad size header %q: %w", id, sizeStr, err)
	}
	return &images.ImageMeta{
		ID:         id,
		Size:       size,
		DiskFormat: strings.ToLower(h.Get(headerDiskFormat)),
		Checksum:   h.Get(headerChecksum),
		OSType:     h.Get(headerOSType),
	}, nil
}

var _ images.Catalog = (*Client)(nil)
