package container

import (
	"sync"

	"github.com/gutierrez-soarch/hybridserver/internal/wire"
)

// ResponseBuilder is the capability a handler is handed to construct
// a response value. It is single-use per request cycle: repeated
// Write* calls overwrite the body rather than append.
type ResponseBuilder struct {
	mu          sync.Mutex
	status      int
	contentType string
	headers     wire.Header
	body        []byte
}

func newResponseBuilder() *ResponseBuilder {
	return &ResponseBuilder{
		status:      200,
		contentType: "text/plain; charset=utf-8",
		headers:     wire.Header{},
	}
}

// SetStatus sets the response status code.
func (b *ResponseBuilder) SetStatus(code int) *ResponseBuilder {
	b.mu.Lock()
	b.status = code
	b.mu.Unlock()
	return b
}

// SetContentType sets the Content-Type header.
func (b *ResponseBuilder) SetContentType(contentType string) *ResponseBuilder {
	b.mu.Lock()
	b.contentType = contentType
	b.mu.Unlock()
	return b
}

// SetHeader sets an arbitrary response header.
func (b *ResponseBuilder) SetHeader(name, value string) *ResponseBuilder {
	b.mu.Lock()
	b.headers.Set(name, value)
	b.mu.Unlock()
	return b
}

// WriteBytes sets the response body, overwriting any prior write.
func (b *ResponseBuilder) WriteBytes(p []byte) *ResponseBuilder {
	b.mu.Lock()
	b.body = p
	b.mu.Unlock()
	return b
}

// WriteString sets the response body from a UTF-8 string.
func (b *ResponseBuilder) WriteString(s string) *ResponseBuilder {
	return b.WriteBytes([]byte(s))
}

// SendJSON sets Content-Type to application/json and writes payload
// (already-serialized JSON) as the body.
func (b *ResponseBuilder) SendJSON(payload string) *ResponseBuilder {
	b.SetContentType("application/json")
	return b.WriteBytes([]byte(payload))
}

// SendHTML sets Content-Type to text/html and writes html as the body.
func (b *ResponseBuilder) SendHTML(html string) *ResponseBuilder {
	b.SetContentType("text/html; charset=utf-8")
	return b.WriteBytes([]byte(html))
}

// SendError sets status and a short plain-text body describing the
// error.
func (b *ResponseBuilder) SendError(status int, text string) *ResponseBuilder {
	b.SetStatus(status)
	b.SetContentType("text/plain; charset=utf-8")
	return b.WriteBytes([]byte(text))
}

// Build materializes a wire.Response from the builder's current state.
func (b *ResponseBuilder) Build(version wire.Version) wire.Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	return wire.NewResponse(version, b.status, b.contentType, b.body, b.headers)
}
