// Package analysis implements the credential-gated analysis gateway: it validates
// the uploaded photos, makes a single structured-output call to the vision model
// and returns the model's JSON document unchanged.
package analysis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/lookscan-api/internal/common"
	"github.com/noah-isme/lookscan-api/internal/lock"
	"github.com/noah-isme/lookscan-api/internal/obs"
	"github.com/noah-isme/lookscan-api/internal/resilience"
	"github.com/noah-isme/lookscan-api/internal/session"
)

// Upload constraints.
const (
	FieldFrontPhoto = "frontPhoto"
	FieldSidePhoto  = "sidePhoto"

	DefaultMaxFileSize = 10 << 20

	// WarningHeader is set on responses served without credential checks.
	WarningHeader = "X-Session-Warning"
)

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// Authorizer validates and consumes session credentials.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (session.Record, error)
	MarkUsed(ctx context.Context, token string) error
	WithSessionLock(ctx context.Context, token string, fn func(context.Context) error) error
}

// Handler serves POST /analyze.
type Handler struct {
	// Sessions is nil when no credential store is configured; requests then run
	// unauthenticated and carry WarningHeader.
	Sessions  Authorizer
	SingleUse bool
	Analyzer  Analyzer
	// Timeout bounds the provider call. It is not tied to the client connection.
	Timeout     time.Duration
	MaxFileSize int64
	// MaxRequestSize bounds the whole multipart stream. It defaults to room for
	// two oversize photos so the per-file check can still name the field.
	MaxRequestSize int64
	Logger         zerolog.Logger
}

type response struct {
	Analysis json.RawMessage `json:"analysis"`
}

// Analyze handles one analysis request.
func (h Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	if h.Analyzer == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "analysis unavailable", nil)
		return
	}
	if h.Sessions == nil {
		h.Logger.Warn().Msg("credential store not configured, serving analysis without a session check")
		w.Header().Set(WarningHeader, "credential store not configured - development mode")
		h.finish(w, "dev", func() (json.RawMessage, error) { return h.perform(w, r) })
		return
	}

	token := strings.TrimSpace(r.Header.Get(obs.SessionTokenHeader))
	if token == "" {
		obs.Count(obs.AnalysisTotal, "forbidden")
		common.WriteError(w, common.PaymentRequired("Invalid or expired session. Please complete payment.", nil))
		return
	}
	logger := h.Logger.With().Str("session_ref", common.ShortDigest(token)).Logger()

	if !h.SingleUse {
		h.finish(w, "success", func() (json.RawMessage, error) {
			if err := h.authorize(r.Context(), token); err != nil {
				return nil, err
			}
			return h.perform(w, r)
		})
		return
	}

	h.finish(w, "success", func() (json.RawMessage, error) {
		var out json.RawMessage
		err := h.Sessions.WithSessionLock(r.Context(), token, func(ctx context.Context) error {
			if err := h.authorize(ctx, token); err != nil {
				return err
			}
			analysis, err := h.perform(w, r)
			if err != nil {
				return err
			}
			if err := h.Sessions.MarkUsed(context.WithoutCancel(ctx), token); err != nil {
				logger.Error().Err(err).Msg("mark session used")
			}
			out = analysis
			return nil
		})
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, common.NewAppError("SESSION_BUSY", "An analysis for this session is already in progress.", http.StatusConflict, err)
		}
		return out, err
	})
}

func (h Handler) finish(w http.ResponseWriter, successLabel string, run func() (json.RawMessage, error)) {
	analysis, err := run()
	if err != nil {
		label, appErr := h.classify(err)
		obs.Count(obs.AnalysisTotal, label)
		common.WriteError(w, appErr)
		return
	}
	obs.Count(obs.AnalysisTotal, successLabel)
	common.JSON(w, http.StatusOK, response{Analysis: analysis})
}

func (h Handler) authorize(ctx context.Context, token string) error {
	_, err := h.Sessions.Authorize(ctx, token)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrInvalidSession):
		return common.PaymentRequired("Invalid or expired session. Please complete payment.", err)
	case errors.Is(err, session.ErrSessionUsed):
		return common.PaymentRequired("This session has already been used. Please complete payment.", err)
	default:
		return common.NewAppError(common.CodeStoreUnavailable, "Session store unavailable. Please retry.", http.StatusServiceUnavailable, err)
	}
}

// perform validates the upload and makes exactly one provider call.
func (h Handler) perform(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	req, err := h.readUpload(w, r)
	if err != nil {
		return nil, err
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()

	analysis, err := h.Analyzer.Analyze(ctx, req)
	if err != nil {
		return nil, upstreamFailure(err)
	}
	return analysis, nil
}

func (h Handler) readUpload(w http.ResponseWriter, r *http.Request) (Request, error) {
	maxFile := h.MaxFileSize
	if maxFile <= 0 {
		maxFile = DefaultMaxFileSize
	}
	maxRequest := h.MaxRequestSize
	if maxRequest <= 0 {
		maxRequest = 4*maxFile + 1<<20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequest)
	if err := r.ParseMultipartForm(maxFile); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return Request{}, tooLarge("request", maxFile)
		}
		return Request{}, common.ValidationError("Expected a multipart/form-data body.")
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	front, err := pickFile(r.MultipartForm, FieldFrontPhoto, "No front photo provided")
	if err != nil {
		return Request{}, err
	}
	side, err := pickFile(r.MultipartForm, FieldSidePhoto, "No side profile photo provided")
	if err != nil {
		return Request{}, err
	}
	// Both sizes are checked before either type.
	for _, f := range []struct {
		field string
		fh    *multipart.FileHeader
	}{{FieldFrontPhoto, front}, {FieldSidePhoto, side}} {
		if f.fh.Size > maxFile {
			return Request{}, tooLarge(f.field, maxFile)
		}
	}
	frontURL, err := dataURL(FieldFrontPhoto, front, maxFile)
	if err != nil {
		return Request{}, err
	}
	sideURL, err := dataURL(FieldSidePhoto, side, maxFile)
	if err != nil {
		return Request{}, err
	}
	return Request{
		FrontImageURL: frontURL,
		SideImageURL:  sideURL,
		Height:        formValue(r.MultipartForm, "height"),
		Weight:        formValue(r.MultipartForm, "weight"),
		Language:      OutputLanguage(formValue(r.MultipartForm, "language")),
	}, nil
}

func pickFile(form *multipart.Form, field, message string) (*multipart.FileHeader, error) {
	files := form.File[field]
	if len(files) == 0 || files[0] == nil {
		err := common.ValidationError(fmt.Sprintf("%s: %s must be an image file.", message, field))
		err.Details = map[string]string{"field": field, "constraint": "required"}
		return nil, err
	}
	return files[0], nil
}

// dataURL checks the type, then encodes the file as a base64 data URL.
func dataURL(field string, fh *multipart.FileHeader, maxFile int64) (string, error) {
	contentType := strings.TrimSpace(fh.Header.Get("Content-Type"))
	if !allowedTypes[contentType] {
		err := common.ValidationError(fmt.Sprintf("%s: Invalid file type. Allowed: JPEG, PNG, WebP, GIF", field))
		err.Details = map[string]string{"field": field, "constraint": "content_type"}
		return "", err
	}
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", field, err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(io.LimitReader(f, maxFile+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", field, err)
	}
	if int64(len(data)) > maxFile {
		return "", tooLarge(field, maxFile)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func tooLarge(field string, maxFile int64) *common.AppError {
	err := common.ValidationError(fmt.Sprintf("%s: File too large. Maximum size is %dMB per photo.", field, maxFile>>20))
	err.Details = map[string]any{"field": field, "constraint": "max_size", "limit": maxFile}
	return err
}

func formValue(form *multipart.Form, key string) string {
	if vals := form.Value[key]; len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

type upstreamErr struct{ err error }

func (u upstreamErr) Error() string { return u.err.Error() }
func (u upstreamErr) Unwrap() error { return u.err }

func upstreamFailure(err error) error {
	return upstreamErr{err: err}
}

func (h Handler) classify(err error) (string, error) {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case common.CodePaymentRequired:
			return "forbidden", appErr
		case common.CodeValidationFailed:
			return "invalid", appErr
		case common.CodeStoreUnavailable:
			h.Logger.Error().Err(appErr.Err).Msg("authorize session")
			return "store_error", appErr
		case "SESSION_BUSY":
			return "busy", appErr
		}
		return "error", appErr
	}

	var up upstreamErr
	if !errors.As(err, &up) {
		h.Logger.Error().Err(err).Msg("analysis failed")
		return "error", err
	}
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		h.Logger.Error().Int("upstream_status", statusErr.StatusCode).Str("body", statusErr.Body).Msg("analysis provider error")
		return "upstream_error", common.UpstreamError("analysis provider error", http.StatusInternalServerError, statusErr.StatusCode, statusErr.Body, err)
	case errors.Is(err, ErrNoContent), errors.Is(err, ErrRefused), errors.Is(err, ErrInvalidJSON), errors.Is(err, ErrSchemaMismatch):
		h.Logger.Error().Err(err).Msg("analysis provider returned unusable output")
		return "bad_output", common.UpstreamError("analysis provider returned an unusable response", http.StatusBadGateway, 0, "", err)
	case errors.Is(err, resilience.ErrOpenCircuit):
		h.Logger.Warn().Msg("analysis provider circuit open")
		return "circuit_open", common.UpstreamError("analysis provider temporarily unavailable", http.StatusServiceUnavailable, 0, "", err)
	case errors.Is(err, context.DeadlineExceeded):
		h.Logger.Error().Err(err).Msg("analysis provider timed out")
		return "timeout", common.UpstreamError("analysis timed out", http.StatusGatewayTimeout, 0, "", err)
	default:
		h.Logger.Error().Err(err).Msg("analysis provider unreachable")
		return "upstream_error", common.UpstreamError("analysis provider unreachable", http.StatusBadGateway, 0, "", err)
	}
}
