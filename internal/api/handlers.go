package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vita-cdss/cdss-core/internal/domain"
	"github.com/vita-cdss/cdss-core/internal/middleware"
	"github.com/vita-cdss/cdss-core/internal/service"
)

var acceptedBodyTypes = map[string]bool{
	"":                         true,
	"application/dicom":        true,
	"application/zip":          true,
	"application/octet-stream": true,
}

// handleAnalyze runs the imaging pipeline on an uploaded container
func (s *Server) handleAnalyze(c *gin.Context) {
	data, err := s.readContainer(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	refs := parseModelRefs(c.Query("models"))
	if len(refs) == 0 && c.ContentType() == "multipart/form-data" {
		refs = parseModelRefs(c.PostForm("models"))
	}

	report, err := s.analysis.Analyze(c.Request.Context(), service.AnalysisRequest{
		Data:   data,
		Models: refs,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// readContainer accepts a multipart "file" field or a raw body
func (s *Server) readContainer(c *gin.Context) ([]byte, error) {
	limit := s.configManager.GetServerConfig().MaxUploadBytes
	if limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}

	mediaType, _, _ := mime.ParseMediaType(c.ContentType())
	var (
		data []byte
		err  error
	)
	switch {
	case mediaType == "multipart/form-data":
		header, ferr := c.FormFile("file")
		if ferr != nil {
			if tooLarge(ferr) {
				return nil, ferr
			}
			return nil, domain.NewError(domain.ErrCodeInvalidInput, `multipart upload requires a "file" field`)
		}
		f, ferr := header.Open()
		if ferr != nil {
			return nil, fmt.Errorf("opening upload: %w", ferr)
		}
		defer f.Close()
		data, err = io.ReadAll(f)
	case acceptedBodyTypes[mediaType]:
		data, err = io.ReadAll(c.Request.Body)
	default:
		return nil, domain.NewError(domain.ErrCodeInvalidInput, fmt.Sprintf("unsupported content type %q", mediaType))
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, domain.NewError(domain.ErrCodeInvalidInput, "empty upload")
	}
	return data, nil
}

func parseModelRefs(raw string) []string {
	var refs []string
	for _, ref := range strings.Split(raw, ",") {
		if ref = strings.TrimSpace(ref); ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}

type modelView struct {
	ID          string                `json:"id"`
	Version     string                `json:"version"`
	Description string                `json:"description,omitempty"`
	Input       domain.InputContract  `json:"input"`
	Output      domain.OutputContract `json:"output"`
	Timeout     string                `json:"timeout"`
}

func newModelView(d domain.ModelDescriptor) modelView {
	return modelView{
		ID:          d.ID,
		Version:     d.Version,
		Description: d.Description,
		Input:       d.Input,
		Output:      d.Output,
		Timeout:     d.Timeout.String(),
	}
}

// handleListModels lists every registered model version
func (s *Server) handleListModels(c *gin.Context) {
	entries := s.analysis.Registry().All()
	views := make([]modelView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newModelView(e.Descriptor))
	}
	c.JSON(http.StatusOK, gin.H{
		"models": views,
		"count":  len(views),
	})
}

// handleGetModel returns the versions registered under one id
func (s *Server) handleGetModel(c *gin.Context) {
	id := c.Param("id")
	versions := s.analysis.Registry().Versions(id)
	if len(versions) == 0 {
		s.respondError(c, domain.WrapError(domain.ErrCodeModelNotFound, "model not found", fmt.Errorf("id %s", id)))
		return
	}
	latest, err := s.analysis.Registry().Lookup(id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	views := make([]modelView, 0, len(versions))
	for _, d := range versions {
		views = append(views, newModelView(d))
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       id,
		"latest":   latest.Descriptor.Version,
		"versions": views,
	})
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// statusFor maps an error code to its HTTP status
func statusFor(code string) int {
	switch code {
	case domain.ErrCodeMalformedContainer, domain.ErrCodeTruncatedData, domain.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case domain.ErrCodeUnsupportedTransferSyntax:
		return http.StatusUnsupportedMediaType
	case domain.ErrCodeMissingRequiredField, domain.ErrCodeNoApplicableModels:
		return http.StatusUnprocessableEntity
	case domain.ErrCodeModelNotFound:
		return http.StatusNotFound
	case domain.ErrCodeAuthentication:
		return http.StatusUnauthorized
	case domain.ErrCodeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the JSON error envelope. Internal failures are logged
// and reported without their cause.
func (s *Server) respondError(c *gin.Context, err error) {
	if tooLarge(err) {
		middleware.Abort(c, http.StatusRequestEntityTooLarge, domain.ErrCodeInvalidInput, "upload exceeds the size limit")
		return
	}

	var cerr *domain.CDSSError
	if !errors.As(err, &cerr) {
		s.logger.WithError(err).WithField("correlation_id", c.GetString(middleware.CorrelationIDKey)).Error("Unhandled request error")
		middleware.Abort(c, http.StatusInternalServerError, domain.ErrCodeInternal, "internal error")
		return
	}

	status := statusFor(cerr.Code)
	message := cerr.Error()
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).WithField("correlation_id", c.GetString(middleware.CorrelationIDKey)).Error("Request failed")
		message = cerr.Message
	}

	body := gin.H{
		"code":    cerr.Code,
		"message": message,
	}
	if cerr.Field != "" {
		body["field"] = cerr.Field
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":          body,
		"correlation_id": c.GetString(middleware.CorrelationIDKey),
	})
}
