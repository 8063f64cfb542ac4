package software

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/abduss/pkgvault/internal/auth"
)

const uploadOffsetHeader = "X-Upload-Offset"

// RegisterRoutes mounts package hosting endpoints under the provided
// authenticated router group.
func RegisterRoutes(group *gin.RouterGroup, service *Service) {
	handler := &httpHandler{service: service}

	group.POST("/software-packages", handler.uploadPackage)
	group.GET("/software-packages", handler.listPackages)
	group.GET("/software-packages/:packageID", handler.getPackage)
	group.GET("/software-packages/:packageID/versions", handler.listVersions)
	group.GET("/software-packages/:packageID/versions/:versionID/download", handler.downloadVersion)
	group.DELETE("/software-packages/:packageID", handler.deletePackage)

	group.POST("/uploads", handler.initUpload)
	group.GET("/uploads/:uploadID", handler.uploadStatus)
	group.PATCH("/uploads/:uploadID", handler.appendUpload)
	group.POST("/uploads/:uploadID/complete", handler.completeUpload)
	group.DELETE("/uploads/:uploadID", handler.cancelUpload)
}

// RegisterAdminRoutes mounts the admin dashboard endpoints. The group must
// already carry the admin middleware.
func RegisterAdminRoutes(group *gin.RouterGroup, service *Service) {
	handler := &httpHandler{service: service}
	group.GET("/summary", handler.adminSummary)
	group.GET("/packages", handler.adminListPackages)
}

type httpHandler struct {
	service *Service
}

type initUploadRequest struct {
	Name        string  `json:"name" binding:"required,max=150"`
	Description string  `json:"description" binding:"required"`
	Category    string  `json:"category" binding:"required,max=80"`
	Language    string  `json:"language" binding:"required,max=80"`
	Version     string  `json:"version" binding:"omitempty,max=64"`
	FileName    string  `json:"file_name" binding:"required,max=255"`
	ContentType *string `json:"content_type" binding:"omitempty,max=120"`
	IsPublic    *bool   `json:"is_public"`
	SizeBytes   int64   `json:"size_bytes" binding:"omitempty,min=1"`
}

func (r initUploadRequest) draft() PackageDraft {
	version := r.Version
	if strings.TrimSpace(version) == "" {
		version = "v1.0.0"
	}
	isPublic := true
	if r.IsPublic != nil {
		isPublic = *r.IsPublic
	}
	return PackageDraft{
		Name:        r.Name,
		Description: r.Description,
		Category:    r.Category,
		Language:    r.Language,
		Version:     version,
		FileName:    r.FileName,
		ContentType: r.ContentType,
		IsPublic:    isPublic,
	}
}

func (h *httpHandler) initUpload(c *gin.Context) {
	userID, _, ok := auth.RequireUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req initUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	draft := req.draft()
	draft.OwnerID = userID

	result, err := h.service.InitUpload(c.Request.Context(), draft, req.SizeBytes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *httpHandler) appendUpload(c *gin.Context) {
	userID, _, ok := auth.RequireUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	offsetHeader := c.GetHeader(uploadOffsetHeader)
	if offsetHeader == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": uploadOffsetHeader + " header is required"})
		return
	}
	offset, err := strconv.ParseInt(offsetHeader, 10, 64)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + uploadOffsetHeader + " header"})
		return
	}

	result, err := h.service.AppendUpload(c.Request.Context(), c.Param("uploadID"), userID, offset, c.Request.Body)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header(uploadOffsetHeader, strconv.FormatInt(result.Offset, 10))
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) completeUpload(c *gin.Context) {
	userID, _, ok := auth.RequireUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	version, err := h.service.CompleteUpload(c.Request.Context(), c.Param("uploadID"), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, version)
}

func (h *httpHandler) cancelUpload(c *gin.Context) {
	userID, _, ok := auth.RequireUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := h.service.CancelUpload(c.Request.Context(), c.Param("uploadID"), userID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type uploadStatusResponse struct {
	UploadID      string       `json:"upload_id"`
	Status        UploadStatus `json:"status"`
	Offset        int64        `json:"offset"`
	MaxSizeBytes  int64        `json:"max_size_bytes"`
	ErrorMessage  *string      `json:"error_message,omitempty"`
	FileVersionID *int64       `json:"file_version_id,omitempty"`
}

func (h *httpHandler) uploadStatus(c *gin.Context) {
	userID, _, ok := auth.RequireUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	session, err := h.service.UploadStatus(c.Request.Context(), c.Param("uploadID"), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, uploadStatusResponse{
		UploadID:      session.ID,
		Status:        session.Status,
		Offset:        session.BytesReceived,
		MaxSizeBytes:  session.MaxSizeBytes,
		ErrorMessage:  session.ErrorMessage,
		FileVersionID: session.CompletedVersionID,
	})
}

func (h *httpHandler) uploadPackage(c *gin.Context) {
	userID, _, ok := auth.RequireUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}

	version := c.PostForm("version")
	if strings.TrimSpace(version) == "" {
		version = "v1.0.0"
	}
	isPublic := true
	if raw := c.PostForm("is_public"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid is_public value"})
			return
		}
		isPublic = parsed
	}

	var contentType *string
	if ct := fileHeader.Header.Get("Content-Type"); ct != "" {
		contentType = &ct
	}

	draft := PackageDraft{
		OwnerID:     userID,
		Name:        c.PostForm("name"),
		Description: c.PostForm("description"),
		Category:    c.PostForm("category"),
		Language:    c.PostForm("language"),
		Version:     version,
		FileName:    fileHeader.Filename,
		ContentType: contentType,
		IsPublic:    isPublic,
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read uploaded file"})
		return
	}
	defer src.Close()

	result, err := h.service.UploadSingle(c.Request.Context(), draft, src, fileHeader.Size)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *httpHandler) listPackages(c *gin.Context) {
	if _, ok := auth.CurrentUser(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	packages, err := h.service.ListPackages(c.Request.Context(), offset, limit, c.Query("language"))
	if err != nil {
		respondError(c, err)
		return
	}
	if packages == nil {
		packages = []Package{}
	}
	c.JSON(http.StatusOK, gin.H{"packages": packages})
}

func (h *httpHandler) getPackage(c *gin.Context) {
	if _, ok := auth.CurrentUser(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	packageID, err := strconv.ParseInt(c.Param("packageID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid package id"})
		return
	}

	pkg, err := h.service.GetPackage(c.Request.Context(), packageID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pkg)
}

func (h *httpHandler) listVersions(c *gin.Context) {
	if _, ok := auth.CurrentUser(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	packageID, err := strconv.ParseInt(c.Param("packageID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid package id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	versions, err := h.service.ListVersions(c.Request.Context(), packageID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if versions == nil {
		versions = []FileVersion{}
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

func (h *httpHandler) downloadVersion(c *gin.Context) {
	if _, ok := auth.CurrentUser(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	packageID, err := strconv.ParseInt(c.Param("packageID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid package id"})
		return
	}
	versionID, err := strconv.ParseInt(c.Param("versionID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version id"})
		return
	}

	ticket, err := h.service.IssueDownloadTicket(c.Request.Context(), packageID, versionID)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	span := byteRange{Start: 0, End: ticket.SizeBytes - 1}
	if rangeHeader := c.GetHeader("Range"); rangeHeader != "" {
		span, err = parseRangeHeader(rangeHeader, ticket.SizeBytes)
		if err != nil {
			if errors.Is(err, errRangeUnsatisfied) {
				c.Header("Content-Range", fmt.Sprintf("bytes */%d", ticket.SizeBytes))
				c.JSON(http.StatusRequestedRangeNotSatisfiable, gin.H{"error": "range not satisfiable"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed range header"})
			return
		}
		status = http.StatusPartialContent
	}

	reader, err := h.service.OpenBlob(c.Request.Context(), ticket.StorageKey, span.Start, span.End)
	if err != nil {
		respondError(c, err)
		return
	}
	defer reader.Close()

	contentType := "application/octet-stream"
	if ticket.ContentType != nil && *ticket.ContentType != "" {
		contentType = *ticket.ContentType
	}

	c.Header("Accept-Ranges", "bytes")
	c.Header("ETag", fmt.Sprintf("%q", ticket.Checksum))
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ticket.FileName))
	c.Header("Content-Length", strconv.FormatInt(span.Length(), 10))
	if status == http.StatusPartialContent {
		c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", span.Start, span.End, ticket.SizeBytes))
	}

	c.Status(status)
	if _, err := io.Copy(c.Writer, reader); err != nil {
		// Headers are already written, nothing sensible can be sent.
		c.Abort()
	}
}

func (h *httpHandler) deletePackage(c *gin.Context) {
	userID, _, ok := auth.RequireUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	packageID, err := strconv.ParseInt(c.Param("packageID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid package id"})
		return
	}

	if err := h.service.DeletePackage(c.Request.Context(), packageID, userID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) adminSummary(c *gin.Context) {
	summary, err := h.service.AdminSummary(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) adminListPackages(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	onlyPrivate, _ := strconv.ParseBool(c.DefaultQuery("only_private", "false"))

	items, err := h.service.AdminListPackages(c.Request.Context(), offset, limit, c.Query("owner"), onlyPrivate)
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []AdminPackageItem{}
	}
	c.JSON(http.StatusOK, gin.H{"packages": items})
}

// respondError maps service sentinels onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrPackageNotFound),
		errors.Is(err, ErrVersionNotFound),
		errors.Is(err, ErrUploadNotFound),
		errors.Is(err, ErrBlobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrOffsetMismatch),
		errors.Is(err, ErrUploadNotWritable),
		errors.Is(err, ErrUploadCompleted),
		errors.Is(err, ErrUploadFinalizing),
		errors.Is(err, ErrVersionExists),
		errors.Is(err, ErrBlobConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrPrivatePackage):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrQuotaExceeded):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, ErrExternal):
		c.JSON(http.StatusBadGateway, gin.H{"error": "external service failed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
