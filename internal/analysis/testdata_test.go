package analysis_test

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/require"
)

const validAnalysis = `{"overallScore":4.5,"predictedAge":27,"bodyFat":"medium","skinType":"oily",` +
	`"facialScores":[{"region":"Eye Area","score":5,"description":"d"}],` +
	`"sections":[{"title":"Skin Type Identification","content":"c"},{"title":"Actionable Advice","content":"c"},` +
	`{"title":"Actual Guidance","content":"c"},{"title":"Improvement Potential","content":"c"}]}`

type filePart struct {
	field       string
	contentType string
	data        []byte
}

func multipartRequest(t *testing.T, files []filePart, values map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range values {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s.bin"`, f.field, f.field))
		h.Set("Content-Type", f.contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func twoPhotos() []filePart {
	return []filePart{
		{field: "frontPhoto", contentType: "image/jpeg", data: []byte("front-bytes")},
		{field: "sidePhoto", contentType: "image/png", data: []byte("side-bytes")},
	}
}
