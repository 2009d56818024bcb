package security

import (
	"net/http"

	"github.com/noah-isme/lookscan-api/internal/common"
)

// CodeBodyTooLarge is the error code returned with 413 responses.
const CodeBodyTooLarge = "PAYLOAD_TOO_LARGE"

// BodyLimit enforces a maximum request payload size. Declared oversize bodies are
// rejected up front; undeclared ones fail on read once the limit is crossed.
type BodyLimit struct {
	Max int64
}

// Middleware rejects requests exceeding the configured limit with HTTP 413.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			common.JSONError(w, http.StatusRequestEntityTooLarge, CodeBodyTooLarge, "request entity too large", nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, b.Max)
		next.ServeHTTP(w, r)
	})
}
