package api

import (
	"net/http"
	"strconv"

	"github.com/wondertwin-ai/twin-directline/internal/apierror"
	"github.com/wondertwin-ai/twin-directline/internal/attachment"
	"github.com/wondertwin-ai/twin-directline/pkg/twincore"
)

// UploadAttachment handles POST /v3/conversations/{conversationID}/attachments.
func (h *Handler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	var req attachment.Upload
	if err := decodeJSON(r, &req, false); err != nil {
		apierror.Write(w, err)
		return
	}
	if _, err := h.lookupConversation(r); err != nil {
		apierror.Write(w, err)
		return
	}
	id, err := h.attachments.Upload(req)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	twincore.JSON(w, http.StatusOK, idResponse{ID: id})
}

// GetAttachmentInfo handles GET /v3/attachments/{attachmentID}.
func (h *Handler) GetAttachmentInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.attachments.Info(param(r, "attachmentID"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	twincore.JSON(w, http.StatusOK, info)
}

// GetAttachmentView handles GET /v3/attachments/{attachmentID}/views/{viewID}.
func (h *Handler) GetAttachmentView(w http.ResponseWriter, r *http.Request) {
	contentType, data, err := h.attachments.View(param(r, "attachmentID"), param(r, "viewID"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
