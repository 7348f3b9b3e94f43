package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/pageops"
)

type documentPayload struct {
	ID               string  `json:"id"`
	ProcessingStatus string  `json:"processing_status"`
	DocumentTypeID   *string `json:"document_type_id"`
	Lang             string  `json:"lang"`
}

func toDocumentPayload(doc documents.Document) documentPayload {
	return documentPayload{
		ID:               doc.ID,
		ProcessingStatus: string(doc.ProcessingStatus),
		DocumentTypeID:   doc.DocumentTypeID,
		Lang:             doc.Lang,
	}
}

func optionalDocument(doc *documents.Document) *documentPayload {
	if doc == nil {
		return nil
	}
	payload := toDocumentPayload(*doc)
	return &payload
}

type pageOpsRequestPayload struct {
	Items []pageops.PageOp `json:"items"`
}

func (p pageOpsRequestPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Items, validation.Required),
	)
}

func (h *httpHandler) handleApplyPageOps(c *gin.Context) {
	var request pageOpsRequestPayload
	if !h.bind(c, &request) {
		return
	}
	created, err := h.pages.ApplyPageOps(c.Request.Context(), request.Items)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toVersionPayload(created))
}

type deletePagesRequestPayload struct {
	PageIDs []string `json:"page_ids"`
}

func (p deletePagesRequestPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.PageIDs, validation.Required),
	)
}

func (h *httpHandler) handleDeletePages(c *gin.Context) {
	var request deletePagesRequestPayload
	if !h.bind(c, &request) {
		return
	}
	created, err := h.pages.DeletePages(c.Request.Context(), request.PageIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toVersionPayload(created))
}

type movePagesRequestPayload struct {
	SourcePageIDs []string `json:"source_page_ids"`
	TargetPageID  string   `json:"target_page_id"`
	MoveStrategy  string   `json:"move_strategy"`
}

func (p movePagesRequestPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.SourcePageIDs, validation.Required),
		validation.Field(&p.TargetPageID, validation.Required),
		validation.Field(&p.MoveStrategy, validation.Required,
			validation.In(string(pageops.MoveMix), string(pageops.MoveReplace))),
	)
}

type movePagesResponsePayload struct {
	Source      *documentPayload `json:"source"`
	Destination documentPayload  `json:"target"`
}

func (h *httpHandler) handleMovePages(c *gin.Context) {
	var request movePagesRequestPayload
	if !h.bind(c, &request) {
		return
	}
	result, err := h.pages.MovePages(c.Request.Context(), request.SourcePageIDs, request.TargetPageID, pageops.MoveStrategy(request.MoveStrategy))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, movePagesResponsePayload{
		Source:      optionalDocument(result.Source),
		Destination: toDocumentPayload(result.Destination),
	})
}

type extractPagesRequestPayload struct {
	SourcePageIDs   []string `json:"source_page_ids"`
	TargetFolderID  string   `json:"target_folder_id"`
	ExtractStrategy string   `json:"strategy"`
	TitleFormat     string   `json:"title_format"`
}

func (p extractPagesRequestPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.SourcePageIDs, validation.Required),
		validation.Field(&p.TargetFolderID, validation.Required),
		validation.Field(&p.ExtractStrategy, validation.Required,
			validation.In(string(pageops.OnePagePerDoc), string(pageops.AllPagesInOneDoc))),
	)
}

type extractPagesResponsePayload struct {
	Source    *documentPayload  `json:"source"`
	Documents []documentPayload `json:"target_docs"`
}

func (h *httpHandler) handleExtractPages(c *gin.Context) {
	var request extractPagesRequestPayload
	if !h.bind(c, &request) {
		return
	}
	result, err := h.pages.ExtractPages(c.Request.Context(), request.SourcePageIDs, request.TargetFolderID,
		pageops.ExtractStrategy(request.ExtractStrategy), request.TitleFormat)
	if err != nil {
		h.writeError(c, err)
		return
	}
	created := make([]documentPayload, 0, len(result.Documents))
	for _, doc := range result.Documents {
		created = append(created, toDocumentPayload(doc))
	}
	c.JSON(http.StatusOK, extractPagesResponsePayload{
		Source:    optionalDocument(result.Source),
		Documents: created,
	})
}

// bind decodes the JSON body and runs its ozzo rules, writing the error
// envelope and returning false when either fails.
func (h *httpHandler) bind(c *gin.Context, request validation.Validatable) bool {
	if err := c.ShouldBindJSON(request); err != nil {
		h.writeError(c, badRequest(err))
		return false
	}
	if err := request.Validate(); err != nil {
		h.writeError(c, badRequest(err))
		return false
	}
	return true
}
