package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ashureev/formchat/internal/domain"
	"github.com/ashureev/formchat/internal/form"
)

type formResponse struct {
	Form      domain.FormData    `json:"form"`
	Fields    []domain.FormField `json:"fields"`
	Missing   []string           `json:"missing"`
	Completed bool               `json:"completed"`
}

func (h *Handler) formView(fd domain.FormData, completed bool) formResponse {
	missing := fd.Missing()
	if missing == nil {
		missing = []string{}
	}
	return formResponse{
		Form:      fd,
		Fields:    domain.FormFields,
		Missing:   missing,
		Completed: completed,
	}
}

// GetForm returns the draft of step one.
func (h *Handler) GetForm(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	fd, err := h.svc.FormDraft(st)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_, completed := h.svc.CompletedForm(st)
	JSON(w, http.StatusOK, h.formView(fd, completed))
}

// UpdateForm sets fields of the draft from a JSON object of field keys.
func (h *Handler) UpdateForm(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.stream.MaxRequestBodySize)

	var fields map[string]string
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	fd, err := h.svc.UpdateForm(r.Context(), st, fields)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	_, completed := h.svc.CompletedForm(st)
	JSON(w, http.StatusOK, h.formView(fd, completed))
}

// UploadForm extracts the draft from a multipart "file" upload.
func (h *Handler) UploadForm(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	if !h.allow(w, st) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, form.MaxUploadSize+64<<10)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		Error(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, form.MaxUploadSize+1))
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read file")
		return
	}
	if len(data) > form.MaxUploadSize {
		Error(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	fd, err := h.svc.UploadForm(r.Context(), st, header.Filename, data)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.formView(fd, false))
}

// CompleteForm submits the draft and unlocks the chat step.
func (h *Handler) CompleteForm(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	fd, err := h.svc.CompleteForm(r.Context(), st)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.formView(fd, true))
}
