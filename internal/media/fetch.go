package media

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Image is a downloaded image and its sniffed MIME type.
type Image struct {
	Data     []byte
	MIMEType string
}

// FetchImage downloads rawURL and checks the body is an image no larger than
// maxBytes. The type is sniffed from the bytes; the Content-Type header is
// only trusted when sniffing is inconclusive.
func FetchImage(ctx context.Context, client *http.Client, rawURL string, maxBytes int64) (Image, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = MaxImageBytes
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSpace(rawURL), nil)
	if err != nil {
		return Image{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Image{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	data, err := ReadAllWithLimit(resp.Body, maxBytes)
	if err != nil {
		return Image{}, err
	}
	mimeType := mimetype.Detect(data).String()
	if !strings.HasPrefix(mimeType, "image/") {
		header := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
		if !strings.HasPrefix(header, "image/") || !strings.HasPrefix(mimeType, "application/octet-stream") {
			return Image{}, fmt.Errorf("%w: %s", ErrNotImage, mimeType)
		}
		mimeType = header
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return Image{Data: data, MIMEType: mimeType}, nil
}
