package routes

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/cairn/internal/auth"
	"github.com/lgulliver/cairn/internal/coord"
	"github.com/lgulliver/cairn/internal/registry"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/rs/zerolog/log"
)

// Distribution error codes
const (
	codeBlobUnknown       = "BLOB_UNKNOWN"
	codeBlobUploadUnknown = "BLOB_UPLOAD_UNKNOWN"
	codeDigestInvalid     = "DIGEST_INVALID"
	codeManifestInvalid   = "MANIFEST_INVALID"
	codeManifestUnknown   = "MANIFEST_UNKNOWN"
	codeNameInvalid       = "NAME_INVALID"
	codeNameUnknown       = "NAME_UNKNOWN"
	codeRangeInvalid      = "RANGE_INVALID"
	codeUnauthorized      = "UNAUTHORIZED"
	codeDenied            = "DENIED"
	codeUnsupported       = "UNSUPPORTED"
	codeUnavailable       = "UNAVAILABLE"
	codeUnknown           = "UNKNOWN"
)

// statusFor maps a service error to an HTTP status and distribution code.
// notFound is the code to use for missing content in the calling context.
func statusFor(err error, notFound string) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, registry.ErrUploadUnknown):
		return http.StatusNotFound, codeBlobUploadUnknown
	case errors.Is(err, registry.ErrNotFound), storage.IsNotFound(err):
		return http.StatusNotFound, notFound
	case errors.Is(err, registry.ErrInvalidDigest):
		return http.StatusBadRequest, codeDigestInvalid
	case errors.Is(err, registry.ErrManifestInvalid):
		return http.StatusBadRequest, codeManifestInvalid
	case errors.Is(err, registry.ErrInvalidRequest), errors.Is(err, auth.ErrInvalidScope):
		return http.StatusBadRequest, codeNameInvalid
	case errors.Is(err, storage.ErrInvalidRange):
		return http.StatusRequestedRangeNotSatisfiable, codeRangeInvalid
	case errors.Is(err, registry.ErrUnauthorized), errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, codeUnauthorized
	case errors.Is(err, registry.ErrForbidden), errors.Is(err, auth.ErrUserDisabled),
		errors.Is(err, registry.ErrFeatureNotEnabled), errors.Is(err, storage.ErrReadOnly):
		return http.StatusForbidden, codeDenied
	case errors.Is(err, registry.ErrUnsupported), errors.Is(err, registry.ErrWrongRepositoryType):
		return http.StatusMethodNotAllowed, codeUnsupported
	case errors.Is(err, coord.ErrLockNotAcquired):
		return http.StatusConflict, codeUnavailable
	case errors.Is(err, registry.ErrStoreNotReady):
		return http.StatusServiceUnavailable, codeUnavailable
	default:
		return http.StatusInternalServerError, codeUnknown
	}
}

type ociError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

type ociErrors struct {
	Errors []ociError `json:"errors"`
}

func writeOCIError(c *gin.Context, status int, code, message string, detail interface{}) {
	c.AbortWithStatusJSON(status, ociErrors{Errors: []ociError{{Code: code, Message: message, Detail: detail}}})
}

// abortOCI writes err in the distribution error envelope
func abortOCI(c *gin.Context, err error, notFound string) {
	status, code := statusFor(err, notFound)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("registry request failed")
		writeOCIError(c, status, code, "internal error", nil)
		return
	}
	writeOCIError(c, status, code, err.Error(), nil)
}

// abortAPI writes err as an APIResponse
func abortAPI(c *gin.Context, err error) {
	status, _ := statusFor(err, "")
	message := err.Error()
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, types.APIResponse{Success: false, Error: message})
}

// abortResult writes a failed dispatch result
func abortResult(c *gin.Context, res registry.Result) {
	status, _ := statusFor(res.Reason, "")
	if res.Reason == nil {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, types.APIResponse{Success: false, Error: res.Message})
}
