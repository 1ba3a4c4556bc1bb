package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/civistack/benefitflow/stage"
	"github.com/civistack/benefitflow/storage"
	"github.com/civistack/benefitflow/workflow"
	"github.com/civistack/benefitflow/workflow/store"
)

// Error codes of the envelope. Stable; clients switch on them.
const (
	codeInvalidForm       = "INVALID_FORM"
	codeUnauthenticated   = "UNAUTHENTICATED"
	codeForbidden         = "FORBIDDEN"
	codeAppNotFound       = "APP_NOT_FOUND"
	codeInvalidState      = "INVALID_STATE"
	codeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	codeFileTooLarge      = "FILE_TOO_LARGE"
	codeAlreadyRunning    = "ALREADY_RUNNING"
	codeTerminal          = "TERMINAL"
	codeInternal          = "INTERNAL"
)

// partKinds maps multipart part names to document kinds.
var partKinds = map[string]string{
	"bank_statement": store.KindBankStatement,
	"identity_card":  store.KindIdentityCard,
}

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: msg}})
}

// writeEngineError translates engine and store errors into the
// envelope.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var verr workflow.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorBody{
			Code: codeInvalidForm, Message: "form validation failed", Details: verr,
		}})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeAppNotFound, "application not found")
	case errors.Is(err, workflow.ErrNotOwner):
		writeError(w, http.StatusForbidden, codeForbidden, "application not owned by caller")
	case errors.Is(err, workflow.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, codeAlreadyRunning, "processing already running")
	case errors.Is(err, workflow.ErrTerminal):
		writeError(w, http.StatusConflict, codeTerminal, "application already terminal")
	case errors.Is(err, store.ErrInvalidState), errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, codeInvalidState, err.Error())
	default:
		s.logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var form store.FormData
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&form); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidForm, "malformed request body")
		return
	}
	app, err := s.engine.StartApplication(r.Context(), identityFrom(r).OwnerID, form)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"application_id": app.ID,
		"state":          app.State,
		"progress":       app.Progress,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// The size limit applies per file. The body cap leaves room for
	// every allowed part at the limit plus multipart framing, so a file
	// of exactly the limit never trips it.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload*int64(len(partKinds))+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, codeFileTooLarge, "request body exceeds the upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, codeInvalidForm, "malformed multipart body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	var specs []store.DocumentSpec
	for _, part := range []string{"bank_statement", "identity_card"} {
		kind := partKinds[part]
		headers := r.MultipartForm.File[part]
		if len(headers) == 0 {
			continue
		}
		header := headers[0]
		if header.Size > s.maxUpload {
			writeError(w, http.StatusRequestEntityTooLarge, codeFileTooLarge,
				fmt.Sprintf("%s exceeds the %d byte file limit", part, s.maxUpload))
			return
		}
		contentType := header.Header.Get("Content-Type")
		if !stage.SupportedContentType(contentType) {
			writeError(w, http.StatusUnsupportedMediaType, codeUnsupportedFormat,
				"unsupported content type for "+part)
			return
		}
		file, err := header.Open()
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		handle, err := s.blobs.Put(r.Context(), file, storage.Metadata{
			Filename:    header.Filename,
			ContentType: contentType,
		})
		_ = file.Close()
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		specs = append(specs, store.DocumentSpec{
			Kind:          kind,
			Filename:      header.Filename,
			ByteSize:      header.Size,
			ContentType:   contentType,
			StorageHandle: handle,
		})
	}
	if len(specs) == 0 {
		writeError(w, http.StatusBadRequest, codeInvalidForm, "no document parts in request")
		return
	}

	docs, app, err := s.engine.UploadDocuments(r.Context(), identityFrom(r).OwnerID, r.PathValue("id"), specs)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_ids": ids,
		"state":        app.State,
		"progress":     app.Progress,
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ForceRetry bool `json:"force_retry"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidForm, "malformed request body")
			return
		}
	}
	app, estimate, err := s.engine.BeginProcessing(r.Context(), identityFrom(r).OwnerID, r.PathValue("id"), body.ForceRetry)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"state":                        app.State,
		"estimated_completion_seconds": estimate,
		"job_id":                       app.ID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Status(r.Context(), identityFrom(r).OwnerID, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	app, err := s.engine.Cancel(r.Context(), identityFrom(r).OwnerID, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":            app.State,
		"cancel_requested": app.CancelRequested,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !identityFrom(r).Admin {
		writeError(w, http.StatusForbidden, codeForbidden, "reset requires an administrative credential")
		return
	}
	app, err := s.engine.Reset(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": app.State})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), identityFrom(r).OwnerID, r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
