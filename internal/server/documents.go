package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/customfields"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/ownership"
	"github.com/papermerge/papermerge-core-sub000/internal/versions"
)

type uploadResponsePayload struct {
	DocumentID string `json:"document_id"`
	NodeID     string `json:"node_id"`
	VersionID  string `json:"version_id"`
	Status     string `json:"processing_status"`
}

type versionPayload struct {
	ID               string     `json:"id"`
	DocumentID       string     `json:"document_id"`
	Number           int        `json:"number"`
	FileName         string     `json:"file_name"`
	Size             int64      `json:"size"`
	PageCount        int        `json:"page_count"`
	Lang             string     `json:"lang"`
	MimeType         string     `json:"mime_type"`
	ShortDescription string     `json:"short_description"`
	IsOriginal       bool       `json:"is_original"`
	SourceVersionID  *string    `json:"source_version_id"`
	CreationReason   string     `json:"creation_reason"`
	ArchivedAt       *time.Time `json:"archived_at"`
	CreatedAt        time.Time  `json:"created_at"`
}

func toVersionPayload(v documents.DocumentVersion) versionPayload {
	return versionPayload{
		ID:               v.ID,
		DocumentID:       v.DocumentID,
		Number:           v.Number,
		FileName:         v.FileName,
		Size:             v.Size,
		PageCount:        v.PageCount,
		Lang:             v.Lang,
		MimeType:         v.MimeType,
		ShortDescription: v.ShortDescription,
		IsOriginal:       v.IsOriginal,
		SourceVersionID:  v.SourceVersionID,
		CreationReason:   string(v.CreationReason),
		ArchivedAt:       v.ArchivedAt,
		CreatedAt:        v.CreatedAt,
	}
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	header, err := c.FormFile("file")
	if err != nil {
		h.writeError(c, apperr.WithField(apperr.New(apperr.KindValidation, opRequest, "file is required"), "file"))
		return
	}
	file, err := header.Open()
	if err != nil {
		h.writeError(c, badRequest(err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(c, badRequest(err))
		return
	}

	owner := ownership.User(c.GetString(userIDContextKey))
	parentID := strings.TrimSpace(c.PostForm("parent_id"))
	if parentID == "" {
		_, inbox, err := h.docs.EnsureHome(c.Request.Context(), owner)
		if err != nil {
			h.writeError(c, err)
			return
		}
		parentID = inbox.ID
	}

	result, err := h.versions.Upload(c.Request.Context(), versions.UploadInput{
		Owner:       owner,
		ParentID:    &parentID,
		Title:       c.PostForm("title"),
		Lang:        c.PostForm("lang"),
		Data:        data,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, uploadResponsePayload{
		DocumentID: result.Document.ID,
		NodeID:     result.Node.ID,
		VersionID:  result.Version.ID,
		Status:     string(result.Document.ProcessingStatus),
	})
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	list, err := h.docs.ListVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]versionPayload, 0, len(list))
	for _, v := range list {
		out = append(out, toVersionPayload(v))
	}
	c.JSON(http.StatusOK, gin.H{"versions": out})
}

type bumpRequestPayload struct {
	PageCount int    `json:"page_count"`
	Reason    string `json:"reason"`
}

func (p bumpRequestPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.PageCount, validation.Required, validation.Min(1)),
		validation.Field(&p.Reason, validation.By(func(any) error {
			if p.Reason != "" && !documents.Reason(p.Reason).Valid() {
				return validation.NewError("validation_reason", "unknown creation reason")
			}
			return nil
		})),
	)
}

func (h *httpHandler) handleBumpVersion(c *gin.Context) {
	var request bumpRequestPayload
	if !h.bind(c, &request) {
		return
	}
	reason := documents.Reason(request.Reason)
	if reason == "" {
		reason = documents.ReasonPageEdit
	}
	created, err := h.versions.BumpVersion(c.Request.Context(), c.Param("id"), request.PageCount, reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toVersionPayload(created))
}

type documentTypeRequestPayload struct {
	DocumentTypeID *string `json:"document_type_id"`
}

func (h *httpHandler) handleAssignDocumentType(c *gin.Context) {
	var request documentTypeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, badRequest(err))
		return
	}
	if err := h.fields.AssignDocumentType(c.Request.Context(), c.Param("id"), request.DocumentTypeID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type customFieldValuePayload struct {
	DocumentID string          `json:"document_id"`
	FieldID    string          `json:"field_id"`
	Value      json.RawMessage `json:"value"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

func toCustomFieldPayload(documentID, fieldID string, value *customfields.CustomFieldValue) (customFieldValuePayload, error) {
	payload := customFieldValuePayload{DocumentID: documentID, FieldID: fieldID, Value: json.RawMessage("null")}
	if value == nil {
		return payload, nil
	}
	stored, err := customfields.DecodeValue(*value)
	if err != nil {
		return payload, err
	}
	raw, err := json.Marshal(stored.Raw)
	if err != nil {
		return payload, apperr.Wrap(apperr.KindInternal, opRequest, err)
	}
	payload.Value = raw
	payload.Metadata = stored.Metadata
	return payload, nil
}

func (h *httpHandler) handleGetCustomField(c *gin.Context) {
	documentID, fieldID := c.Param("id"), c.Param("field_id")
	value, err := h.fields.GetValue(c.Request.Context(), documentID, fieldID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload, err := toCustomFieldPayload(documentID, fieldID, value)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

type setCustomFieldRequestPayload struct {
	Value any `json:"value"`
}

func (h *httpHandler) handleSetCustomField(c *gin.Context) {
	// Numbers stay json.Number so decimal values keep their digits.
	var request setCustomFieldRequestPayload
	decoder := json.NewDecoder(c.Request.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&request); err != nil {
		h.writeError(c, badRequest(err))
		return
	}
	documentID, fieldID := c.Param("id"), c.Param("field_id")
	value, err := h.fields.SetValue(c.Request.Context(), documentID, fieldID, request.Value)
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload, err := toCustomFieldPayload(documentID, fieldID, value)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}
