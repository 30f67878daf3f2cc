package routes

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/cairn/cmd/api-gateway/middleware"
	"github.com/lgulliver/cairn/internal/auth"
	"github.com/lgulliver/cairn/internal/registry"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"
)

// maxManifestSize bounds manifest bodies read into memory
const maxManifestSize = 4 << 20

type ociKind int

const (
	ociTags ociKind = iota
	ociManifest
	ociBlob
	ociUploadStart
	ociUpload
)

// ociPath is a parsed /v2/<name>/... request path. The first segment of name
// selects the repository; the rest is the image.
type ociPath struct {
	kind       ociKind
	name       string
	repository string
	image      string
	reference  string
}

func parseOCIPath(path string) (*ociPath, bool) {
	var p ociPath
	switch {
	case strings.HasSuffix(path, "/tags/list"):
		p.kind, p.name = ociTags, strings.TrimSuffix(path, "/tags/list")
	case strings.HasSuffix(path, "/blobs/uploads"):
		p.kind, p.name = ociUploadStart, strings.TrimSuffix(path, "/blobs/uploads")
	case strings.Contains(path, "/blobs/uploads/"):
		i := strings.LastIndex(path, "/blobs/uploads/")
		p.kind, p.name, p.reference = ociUpload, path[:i], path[i+len("/blobs/uploads/"):]
	case strings.Contains(path, "/manifests/"):
		i := strings.LastIndex(path, "/manifests/")
		p.kind, p.name, p.reference = ociManifest, path[:i], path[i+len("/manifests/"):]
	case strings.Contains(path, "/blobs/"):
		i := strings.LastIndex(path, "/blobs/")
		p.kind, p.name, p.reference = ociBlob, path[:i], path[i+len("/blobs/"):]
	default:
		return nil, false
	}
	if p.kind != ociTags && p.kind != ociUploadStart && (p.reference == "" || strings.Contains(p.reference, "/")) {
		return nil, false
	}
	p.repository, p.image, _ = strings.Cut(p.name, "/")
	return &p, true
}

// action returns the scope action method needs on p, or false when the
// method is not allowed
func (p *ociPath) action(method string) (string, bool) {
	switch p.kind {
	case ociTags:
		return auth.ActionPull, method == http.MethodGet
	case ociManifest:
		switch method {
		case http.MethodGet, http.MethodHead:
			return auth.ActionPull, true
		case http.MethodPut:
			return auth.ActionPush, true
		case http.MethodDelete:
			return auth.ActionPush, true
		}
	case ociBlob:
		switch method {
		case http.MethodGet, http.MethodHead:
			return auth.ActionPull, true
		case http.MethodDelete:
			return auth.ActionPush, true
		}
	case ociUploadStart:
		return auth.ActionPush, method == http.MethodPost
	case ociUpload:
		switch method {
		case http.MethodPatch, http.MethodPut, http.MethodGet, http.MethodDelete:
			return auth.ActionPush, true
		}
	}
	return "", false
}

type ociHandler struct {
	registry  *registry.Service
	auth      *auth.Service
	publicURL string
}

// OCIRoutes serves the container registry protocol under /v2/
func OCIRoutes(router *gin.Engine, registryService *registry.Service, authService *auth.Service, publicURL string) {
	h := &ociHandler{registry: registryService, auth: authService, publicURL: strings.TrimRight(publicURL, "/")}
	router.Any("/v2/*path", h.serve)
}

func (h *ociHandler) serve(c *gin.Context) {
	c.Header("Docker-Distribution-API-Version", "registry/2.0")
	path := strings.Trim(c.Param("path"), "/")

	switch path {
	case "":
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			writeOCIError(c, http.StatusMethodNotAllowed, codeUnsupported, "method not allowed", nil)
			return
		}
		h.base(c)
		return
	case "token":
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodPost {
			writeOCIError(c, http.StatusMethodNotAllowed, codeUnsupported, "method not allowed", nil)
			return
		}
		handleToken(h.auth)(c)
		return
	}

	p, ok := parseOCIPath(path)
	if !ok {
		writeOCIError(c, http.StatusNotFound, codeNameUnknown, "unknown registry path", path)
		return
	}
	action, ok := p.action(c.Request.Method)
	if !ok {
		writeOCIError(c, http.StatusMethodNotAllowed, codeUnsupported, fmt.Sprintf("%s not allowed here", c.Request.Method), nil)
		return
	}
	if p.image == "" {
		writeOCIError(c, http.StatusBadRequest, codeNameInvalid, "name must be <repository>/<image>", p.name)
		return
	}
	if !h.authorize(c, p, action) {
		return
	}

	switch p.kind {
	case ociTags:
		h.listTags(c, p)
	case ociManifest:
		h.manifest(c, p)
	case ociBlob:
		h.blob(c, p)
	case ociUploadStart:
		h.startUpload(c, p)
	case ociUpload:
		h.upload(c, p)
	}
}

func (h *ociHandler) authorize(c *gin.Context, p *ociPath, action string) bool {
	scope := auth.RepositoryScope(p.name, action)
	req := middleware.AuthRequest(c, h.auth.AuthDisabled(c.Request.Context(), p.repository), scope)
	decision := h.auth.Authorize(req)
	if decision.Allowed {
		middleware.SetSubject(c, decision.Subject)
		return true
	}
	if decision.Status == http.StatusForbidden {
		writeOCIError(c, http.StatusForbidden, codeDenied, "requested access to the resource is denied", decision.Missing)
		return false
	}
	c.Header("WWW-Authenticate", decision.Challenge)
	writeOCIError(c, http.StatusUnauthorized, codeUnauthorized, "authentication required", []auth.Access{scope})
	return false
}

// base answers the version check. Clients expect a challenge here before
// they know which scopes to request.
func (h *ociHandler) base(c *gin.Context) {
	decision := h.auth.Authorize(middleware.AuthRequest(c, false))
	if !decision.Allowed {
		c.Header("WWW-Authenticate", decision.Challenge)
		writeOCIError(c, http.StatusUnauthorized, codeUnauthorized, "authentication required", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *ociHandler) location(format string, args ...interface{}) string {
	return h.publicURL + fmt.Sprintf(format, args...)
}

func (h *ociHandler) listTags(c *gin.Context, p *ociPath) {
	tags, err := h.registry.ListTags(c.Request.Context(), p.repository, p.image)
	if err != nil {
		abortOCI(c, err, codeNameUnknown)
		return
	}
	sort.Strings(tags)

	// n/last pagination over the sorted list
	if last := c.Query("last"); last != "" {
		i := sort.SearchStrings(tags, last)
		if i < len(tags) && tags[i] == last {
			i++
		}
		tags = tags[i:]
	}
	if n, err := strconv.Atoi(c.Query("n")); err == nil && n >= 0 && n < len(tags) {
		tags = tags[:n]
		if n > 0 {
			c.Header("Link", fmt.Sprintf(`<%s?n=%d&last=%s>; rel="next"`, h.location("/v2/%s/tags/list", p.name), n, tags[n-1]))
		}
	}
	c.JSON(http.StatusOK, gin.H{"name": p.name, "tags": tags})
}

func (h *ociHandler) manifest(c *gin.Context, p *ociPath) {
	ctx := c.Request.Context()
	switch c.Request.Method {
	case http.MethodPut:
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxManifestSize+1))
		if err != nil {
			abortOCI(c, err, codeManifestUnknown)
			return
		}
		if len(payload) > maxManifestSize {
			writeOCIError(c, http.StatusRequestEntityTooLarge, codeManifestInvalid, "manifest too large", nil)
			return
		}
		desc, err := h.registry.PutManifest(ctx, p.repository, p.image, p.reference, c.ContentType(), payload)
		if err != nil {
			abortOCI(c, err, codeNameUnknown)
			return
		}
		c.Header("Location", h.location("/v2/%s/manifests/%s", p.name, desc.Digest))
		c.Header("Docker-Content-Digest", desc.Digest.String())
		c.Status(http.StatusCreated)

	case http.MethodDelete:
		if err := h.registry.DeleteManifest(ctx, p.repository, p.image, p.reference); err != nil {
			abortOCI(c, err, codeManifestUnknown)
			return
		}
		c.Status(http.StatusAccepted)

	default:
		m, servedBy, err := h.registry.GetManifest(ctx, p.repository, p.image, p.reference)
		if err != nil {
			abortOCI(c, err, codeManifestUnknown)
			return
		}
		c.Header("X-Cairn-Repository", servedBy)
		h.serveBytes(c, m.Payload, m.Descriptor.MediaType, m.Descriptor.Digest)
	}
}

// serveBytes writes an in-memory body, honouring a Range header
func (h *ociHandler) serveBytes(c *gin.Context, payload []byte, contentType string, dgst digest.Digest) {
	rng, err := storage.ParseRange(c.GetHeader("Range"))
	if err == nil {
		rng, err = rng.Resolve(int64(len(payload)))
	}
	if err != nil {
		c.Header("Content-Range", fmt.Sprintf("bytes */%d", len(payload)))
		abortOCI(c, err, codeManifestUnknown)
		return
	}

	status := http.StatusOK
	body := payload
	if rng != nil {
		status = http.StatusPartialContent
		body = payload[rng.Start : rng.End+1]
		c.Header("Content-Range", rng.ContentRange(int64(len(payload))))
	}
	c.Header("Docker-Content-Digest", dgst.String())
	c.Header("Content-Type", contentType)
	c.Header("Content-Length", strconv.Itoa(len(body)))
	c.Status(status)
	if c.Request.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(c.Writer, bytes.NewReader(body)); err != nil {
		log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("client went away")
	}
}

func (h *ociHandler) blob(c *gin.Context, p *ociPath) {
	ctx := c.Request.Context()
	dgst, err := digest.Parse(p.reference)
	if err != nil {
		writeOCIError(c, http.StatusBadRequest, codeDigestInvalid, "invalid digest", p.reference)
		return
	}

	switch c.Request.Method {
	case http.MethodDelete:
		if err := h.registry.DeleteBlob(ctx, p.repository, p.image, dgst); err != nil {
			abortOCI(c, err, codeBlobUnknown)
			return
		}
		c.Status(http.StatusAccepted)

	case http.MethodHead:
		desc, err := h.registry.StatBlob(ctx, p.repository, p.image, dgst)
		if err != nil {
			abortOCI(c, err, codeBlobUnknown)
			return
		}
		status := http.StatusOK
		length := desc.Size
		rng, err := storage.ParseRange(c.GetHeader("Range"))
		if err == nil {
			rng, err = rng.Resolve(desc.Size)
		}
		if err != nil {
			c.Header("Content-Range", fmt.Sprintf("bytes */%d", desc.Size))
			abortOCI(c, err, codeBlobUnknown)
			return
		}
		if rng != nil {
			status = http.StatusPartialContent
			length = rng.Length()
			c.Header("Content-Range", rng.ContentRange(desc.Size))
		}
		c.Header("Accept-Ranges", "bytes")
		c.Header("Docker-Content-Digest", dgst.String())
		c.Header("Content-Type", desc.MediaType)
		c.Header("Content-Length", strconv.FormatInt(length, 10))
		c.Status(status)

	default:
		rng, err := storage.ParseRange(c.GetHeader("Range"))
		if err != nil {
			abortOCI(c, err, codeBlobUnknown)
			return
		}
		res, err := h.registry.Download(ctx, p.repository, &registry.DownloadRequest{Package: p.image, Version: dgst.String(), Range: rng})
		if err != nil {
			abortOCI(c, err, codeBlobUnknown)
			return
		}
		if !res.OK {
			abortOCI(c, fmt.Errorf("%s: %w", res.Message, res.Reason), codeBlobUnknown)
			return
		}
		streamDownload(c, res.Download, dgst.String())
	}
}

// streamDownload copies a download to the client with range headers
func streamDownload(c *gin.Context, dl *registry.Download, dgst string) {
	defer dl.Body.Close()

	status := http.StatusOK
	if dl.Range != nil {
		status = http.StatusPartialContent
		c.Header("Content-Range", dl.Range.ContentRange(dl.TotalSize))
	}
	contentType := dl.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if dgst == "" {
		dgst = dl.Digest
	}
	if dgst != "" {
		c.Header("Docker-Content-Digest", dgst)
	}
	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Type", contentType)
	c.Header("Content-Length", strconv.FormatInt(dl.Size, 10))
	c.Status(status)
	if _, err := io.Copy(c.Writer, dl.Body); err != nil {
		log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("client went away")
	}
}

// progress renders the Range header of an upload session
func progress(session *registry.UploadSession) string {
	if session.Offset == 0 {
		return "0-0"
	}
	return fmt.Sprintf("0-%d", session.Offset-1)
}

func (h *ociHandler) sessionHeaders(c *gin.Context, p *ociPath, session *registry.UploadSession) {
	c.Header("Location", h.location("/v2/%s/blobs/uploads/%s", p.name, session.ID))
	c.Header("Docker-Upload-UUID", session.ID)
	c.Header("Range", progress(session))
	c.Header("Content-Length", "0")
}

func (h *ociHandler) blobCreated(c *gin.Context, p *ociPath, dgst digest.Digest) {
	c.Header("Location", h.location("/v2/%s/blobs/%s", p.name, dgst))
	c.Header("Docker-Content-Digest", dgst.String())
	c.Header("Content-Length", "0")
	c.Status(http.StatusCreated)
}

func (h *ociHandler) startUpload(c *gin.Context, p *ociPath) {
	ctx := c.Request.Context()

	// a digest parameter turns the POST into a single-step upload
	if raw := c.Query("digest"); raw != "" {
		dgst, err := digest.Parse(raw)
		if err != nil {
			writeOCIError(c, http.StatusBadRequest, codeDigestInvalid, "invalid digest", raw)
			return
		}
		desc, err := h.registry.FinalizeUpload(ctx, p.repository, p.image, "", dgst, c.Request.Body)
		if err != nil {
			abortOCI(c, err, codeNameUnknown)
			return
		}
		h.blobCreated(c, p, desc.Digest)
		return
	}

	session, err := h.registry.InitiateUpload(ctx, p.repository, p.image)
	if err != nil {
		abortOCI(c, err, codeNameUnknown)
		return
	}
	h.sessionHeaders(c, p, session)
	c.Status(http.StatusAccepted)
}

func (h *ociHandler) upload(c *gin.Context, p *ociPath) {
	ctx := c.Request.Context()
	id := p.reference

	switch c.Request.Method {
	case http.MethodPatch:
		if cr := c.GetHeader("Content-Range"); cr != "" {
			status, err := h.registry.UploadStatus(ctx, p.repository, id)
			if err != nil {
				abortOCI(c, err, codeBlobUploadUnknown)
				return
			}
			start, _, _ := strings.Cut(strings.TrimPrefix(cr, "bytes "), "-")
			if offset, err := strconv.ParseInt(start, 10, 64); err != nil || offset != status.Offset {
				c.Header("Range", progress(status))
				writeOCIError(c, http.StatusRequestedRangeNotSatisfiable, codeRangeInvalid, "chunk out of order", cr)
				return
			}
		}
		session, err := h.registry.AppendUpload(ctx, p.repository, id, c.Request.Body)
		if err != nil {
			abortOCI(c, err, codeBlobUploadUnknown)
			return
		}
		h.sessionHeaders(c, p, session)
		c.Status(http.StatusAccepted)

	case http.MethodPut:
		raw := c.Query("digest")
		dgst, err := digest.Parse(raw)
		if err != nil {
			writeOCIError(c, http.StatusBadRequest, codeDigestInvalid, "digest parameter required", raw)
			return
		}
		desc, err := h.registry.FinalizeUpload(ctx, p.repository, p.image, id, dgst, c.Request.Body)
		if err != nil {
			abortOCI(c, err, codeBlobUploadUnknown)
			return
		}
		h.blobCreated(c, p, desc.Digest)

	case http.MethodGet:
		session, err := h.registry.UploadStatus(ctx, p.repository, id)
		if err != nil {
			abortOCI(c, err, codeBlobUploadUnknown)
			return
		}
		h.sessionHeaders(c, p, session)
		c.Status(http.StatusNoContent)

	case http.MethodDelete:
		if err := h.registry.CancelUpload(ctx, p.repository, id); err != nil {
			abortOCI(c, err, codeBlobUploadUnknown)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// handleToken issues registry tokens. Basic credentials are verified against
// the user table; without them the caller is anonymous.
func handleToken(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var user *types.User
		if username, password, ok := c.Request.BasicAuth(); ok {
			u, err := authService.Login(ctx, username, password)
			if err != nil {
				log.Info().Err(err).Str("username", username).Msg("token request rejected")
				c.Header("WWW-Authenticate", `Basic realm="cairn"`)
				abortOCI(c, err, codeUnauthorized)
				return
			}
			user = u
		}

		scopes, err := auth.ParseScopes(c.QueryArray("scope"))
		if err != nil {
			abortOCI(c, err, codeNameInvalid)
			return
		}
		token, err := authService.IssueToken(ctx, user, scopes)
		if err != nil {
			abortOCI(c, err, codeUnknown)
			return
		}
		c.JSON(http.StatusOK, token)
	}
}
