// Package correlation carries request correlation ids through contexts and
// HTTP headers.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header used to propagate correlation ids.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted correlation ids.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx carrying id. Invalid ids leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	id, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// ID returns the correlation id on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// FromRequest returns the caller supplied correlation id, generating one when
// the header is absent or unusable.
func FromRequest(r *http.Request) string {
	if r != nil {
		if id, ok := Normalize(r.Header.Get(Header)); ok {
			return id
		}
	}
	return Generate()
}

// Normalize trims id and accepts it only when it is non-empty, short enough
// and printable ASCII.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a fresh time-ordered (UUIDv7) id.
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
