// Package media downloads reply images for channels that upload bytes
// rather than forwarding a URL.
package media

import (
	"fmt"
	"io"
)

// MaxImageBytes is the largest image a channel will upload.
const MaxImageBytes int64 = 16 << 20

// ReadAllWithLimit reads from r and rejects payloads larger than maxBytes.
func ReadAllWithLimit(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be greater than 0")
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}
