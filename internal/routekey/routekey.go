// Package routekey extracts the routing key from the leading bytes of a new
// connection. The balancer routes on the Host header of the first HTTP/1.x
// request; nothing past the header block is inspected.
package routekey

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrIncomplete means the header block has not been fully received yet.
	ErrIncomplete = errors.New("routekey: header block incomplete")
	// ErrNoHost means the request carries no Host header.
	ErrNoHost = errors.New("routekey: no host in request")
	// ErrMalformed means the leading bytes are not an HTTP/1.x request.
	ErrMalformed = errors.New("routekey: malformed request")
)

// Extractor derives a routing key from buffered client bytes.
type Extractor interface {
	Extract(data []byte) (string, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(data []byte) (string, error)

func (f ExtractorFunc) Extract(data []byte) (string, error) {
	return f(data)
}

// HTTPHost is the Extractor used for host-routed listeners.
var HTTPHost Extractor = ExtractorFunc(FromHTTP)

// FromHTTP returns the lower-cased Host of the first request in data.
func FromHTTP(data []byte) (string, error) {
	end := headerEnd(data)
	if end < 0 {
		if looksLikeRequest(data) {
			return "", ErrIncomplete
		}
		return "", ErrMalformed
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data[:end])))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return "", ErrIncomplete
		}
		return "", errors.Join(ErrMalformed, err)
	}

	host := strings.ToLower(strings.TrimSpace(req.Host))
	if host == "" {
		return "", ErrNoHost
	}

	return host, nil
}

// headerEnd returns the offset just past the blank line closing the header
// block, or -1. Lines may end in CRLF or a bare LF, as net/http accepts both.
func headerEnd(data []byte) int {
	end := -1
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		end = i + 4
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 && (end < 0 || i+2 < end) {
		end = i + 2
	}
	if i := bytes.Index(data, []byte("\n\r\n")); i >= 0 && (end < 0 || i+3 < end) {
		end = i + 3
	}
	return end
}

// looksLikeRequest reports whether data could be the start of an HTTP
// request line, so partial input is not rejected prematurely.
func looksLikeRequest(data []byte) bool {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
		return bytes.Contains(line, []byte(" HTTP/1."))
	}

	for _, c := range line {
		if c < 0x20 && c != '\r' && c != '\t' {
			return false
		}
		if c >= 0x7f {
			return false
		}
	}
	return true
}
