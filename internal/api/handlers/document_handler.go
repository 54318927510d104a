package handlers

import (
	"io"
	"mime/multipart"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/contract-insights/backend/internal/apperr"
	"github.com/contract-insights/backend/internal/contracts"
	"github.com/contract-insights/backend/internal/ingestion"
	"github.com/contract-insights/backend/internal/middleware/auth"
	"github.com/contract-insights/backend/internal/storage/models"
	"github.com/contract-insights/backend/pkg/logger"
)

type DocumentHandler struct {
	service *contracts.Service
}

func NewDocumentHandler(service *contracts.Service) *DocumentHandler {
	return &DocumentHandler{
		service: service,
	}
}

type uploadResult struct {
	Filename   string `json:"filename"`
	DocumentID string `json:"document_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

type statusResponse struct {
	ingestion.Status
	Progress float64 `json:"progress"`
}

// UploadDocument accepts one or more multipart "file" parts. A single file is
// ingested before responding unless async=true; several files are ingested
// as a batch.
func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	userID := auth.UserID(c)

	form, err := c.MultipartForm()
	if err != nil {
		return badRequest(c, "Upload the contract as multipart form data in the \"file\" field.")
	}
	files := form.File["file"]
	if len(files) == 0 {
		return badRequest(c, "No file was uploaded.")
	}

	uploads := make([]contracts.Upload, 0, len(files))
	for _, fh := range files {
		up, err := h.readUpload(fh)
		if err != nil {
			return respondError(c, err)
		}
		uploads = append(uploads, up)
	}

	ctx := c.UserContext()

	if c.QueryBool("async") {
		results := make([]uploadResult, len(uploads))
		for i, up := range uploads {
			results[i] = uploadResult{Filename: up.Filename}
			id, err := h.service.IngestAsync(ctx, userID, up)
			if err != nil {
				results[i].Error = apperr.UserMessage(err)
				results[i].Kind = string(apperr.KindOf(err))
				continue
			}
			results[i].DocumentID = id
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"results": results})
	}

	if len(uploads) == 1 {
		up := uploads[0]
		id, err := h.service.Ingest(ctx, userID, up.Data, up.MIMEType, up.Filename)
		if err != nil {
			body := errorBody(err)
			if id != "" {
				body["document_id"] = id
			}
			logger.Warn("Upload failed",
				zap.String("user_id", userID),
				zap.String("filename", up.Filename),
				zap.Error(err),
			)
			return c.Status(apperr.HTTPStatus(err)).JSON(body)
		}
		doc, err := h.service.GetDocument(ctx, userID, id)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(doc)
	}

	outcomes := h.service.IngestBatch(ctx, userID, uploads)
	results := make([]uploadResult, len(outcomes))
	for i, o := range outcomes {
		results[i] = uploadResult{Filename: o.Filename, DocumentID: o.DocumentID}
		if o.Err != nil {
			results[i].Error = apperr.UserMessage(o.Err)
			results[i].Kind = string(apperr.KindOf(o.Err))
		}
	}
	return c.JSON(fiber.Map{"results": results})
}

func (h *DocumentHandler) readUpload(fh *multipart.FileHeader) (contracts.Upload, error) {
	if fh.Size > h.service.MaxBytes() {
		return contracts.Upload{}, apperr.Validation("File %q exceeds the %d MiB upload limit.", fh.Filename, h.service.MaxBytes()>>20)
	}
	f, err := fh.Open()
	if err != nil {
		return contracts.Upload{}, apperr.Validation("File %q could not be read.", fh.Filename)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return contracts.Upload{}, apperr.Validation("File %q could not be read.", fh.Filename)
	}
	return contracts.Upload{
		Filename: fh.Filename,
		MIMEType: fh.Header.Get(fiber.HeaderContentType),
		Data:     data,
	}, nil
}

func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	filter := models.DocumentFilter{
		Status:    models.Status(c.Query("status")),
		RiskLevel: models.RiskLevel(c.Query("risk")),
		Search:    c.Query("search"),
		Limit:     queryLimit(c, 100),
	}
	if filter.RiskLevel != "" && !filter.RiskLevel.Valid() {
		return badRequest(c, "risk must be Low, Medium or High.")
	}

	docs, err := h.service.ListDocuments(c.UserContext(), auth.UserID(c), filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"documents": docs})
}

func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	doc, err := h.service.GetDocument(c.UserContext(), auth.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(doc)
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	if err := h.service.DeleteDocument(c.UserContext(), auth.UserID(c), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *DocumentHandler) GetStatus(c *fiber.Ctx) error {
	st, err := h.service.Status(c.UserContext(), auth.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(statusResponse{Status: st, Progress: st.Progress()})
}

func (h *DocumentHandler) GetInsights(c *fiber.Ctx) error {
	found, err := h.service.GetInsights(c.UserContext(), auth.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"insights": found})
}

func (h *DocumentHandler) Reanalyze(c *fiber.Ctx) error {
	doc, err := h.service.Reanalyze(c.UserContext(), auth.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(doc)
}

func (h *DocumentHandler) Reindex(c *fiber.Ctx) error {
	doc, err := h.service.Reindex(c.UserContext(), auth.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(doc)
}
