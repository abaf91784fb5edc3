package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pkt.systems/jpact"

	"pkt.systems/markd/api"
	"pkt.systems/markd/internal/core"
	"pkt.systems/markd/internal/realtime"
	"pkt.systems/markd/internal/store"
)

// HeaderUser names the requester when no bearer token is sent.
const HeaderUser = "X-Markd-User"

const maxBodyBytes = 16 << 20

func errorResponse(f core.Failure) api.ErrorResponse {
	return api.ErrorResponse{ErrorCode: f.Code, Detail: f.Detail}
}

func badRequest(code, detail string) error {
	return core.Failure{Code: code, Detail: detail, HTTPStatus: http.StatusBadRequest}
}

// requester resolves the calling identity from the bearer token, falling
// back to the X-Markd-User header.
func requester(r *http.Request) (string, error) {
	if realtime.BearerToken(r) != "" {
		user, err := realtime.IdentityFromRequest(r)
		if err != nil {
			return "", core.Failure{Code: "unauthenticated", Detail: err.Error(), HTTPStatus: http.StatusUnauthorized, Err: err}
		}
		return user, nil
	}
	if user := strings.TrimSpace(r.Header.Get(HeaderUser)); user != "" {
		return user, nil
	}
	return "", core.Failure{
		Code:       "unauthenticated",
		Detail:     "bearer token or " + HeaderUser + " header required",
		HTTPStatus: http.StatusUnauthorized,
		Err:        core.ErrUnauthenticated,
	}
}

// recordKey builds a store key from path segments, rejecting segments that
// contain the key delimiter.
func recordKey(segments ...string) (store.Key, error) {
	for _, seg := range segments {
		if seg == "" {
			return "", badRequest("invalid_key", "empty key segment")
		}
		if strings.Contains(seg, store.Delimiter) {
			return "", badRequest("invalid_key", fmt.Sprintf("key segment %q contains %q", seg, store.Delimiter))
		}
	}
	return store.NewKey(segments...), nil
}

func decodeJSONBody(body io.Reader, dst any) error {
	if body == nil {
		return badRequest("invalid_body", "request body required")
	}
	compact, err := jpact.CompactToBuffer(body, maxBodyBytes)
	if err != nil {
		return badRequest("invalid_body", err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(compact))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("invalid_body", "request body required")
		}
		return badRequest("invalid_body", err.Error())
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		return badRequest("invalid_body", "unexpected trailing JSON value")
	}
	return nil
}
