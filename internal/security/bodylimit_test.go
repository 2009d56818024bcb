package security

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBodyLimit(t *testing.T) {
	cases := []struct {
		name          string
		body          string
		contentLength int64
		wantStatus    int
		wantReadErr   bool
	}{
		{name: "within limit", body: `{"a":1}`, contentLength: 7, wantStatus: http.StatusOK},
		{name: "declared oversize", body: `{"checkoutId":"x"}`, contentLength: 18, wantStatus: http.StatusRequestEntityTooLarge},
		{name: "chunked oversize", body: `{"checkoutId":"x"}`, contentLength: -1, wantStatus: http.StatusOK, wantReadErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var readErr error
			var read string
			handler := BodyLimit{Max: 10}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				data, err := io.ReadAll(r.Body)
				read, readErr = string(data), err
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodPost, "/api/v1/verify-payment", strings.NewReader(tc.body))
			req.ContentLength = tc.contentLength
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			require.Equal(t, tc.wantStatus, rr.Code)
			switch {
			case tc.wantStatus == http.StatusRequestEntityTooLarge:
				var body map[string]any
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
				require.Equal(t, CodeBodyTooLarge, body["code"])
			case tc.wantReadErr:
				var maxErr *http.MaxBytesError
				require.True(t, errors.As(readErr, &maxErr), "got %v", readErr)
			default:
				require.NoError(t, readErr)
				require.Equal(t, tc.body, read)
			}
		})
	}
}

func TestBodyLimitDisabled(t *testing.T) {
	handler := BodyLimit{}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Len(t, data, 4096)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 4096))))
}
