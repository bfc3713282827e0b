package types

import (
	"fmt"
	"net/url"
	"strings"
)

// Request is a thin URL + unique-key value object, used to log which page a
// pool allocation was made for without coupling the pool to the HTTP
// challenge-solving request/response shapes.
type Request struct {
	URL       string
	UniqueKey string
	Method    string
}

// NewRequest normalizes rawURL (lower-cased scheme/host, no trailing slash)
// into a Request with a stable UniqueKey, defaulting Method to GET.
func NewRequest(rawURL string) (Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return Request{}, ErrInvalidURL
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	return Request{
		URL:       rawURL,
		UniqueKey: parsed.String(),
		Method:    "GET",
	}, nil
}
