package httpapi

import (
	"context"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/jask/recon/internal/config"
	"github.com/jask/recon/internal/database/repository"
	"github.com/jask/recon/internal/service"
	"github.com/jask/recon/internal/statement"
)

type statementRequest struct {
	Format   string             `json:"format"`
	FileName string             `json:"file_name"`
	Rows     []statement.RawRow `json:"rows"`
}

type actionRequest struct {
	EventID string `json:"event_id"`
	Actor   string `json:"actor"`
	Reason  string `json:"reason"`
	Memo    string `json:"memo"`
}

func (s *Server) format(name string) (config.StatementFormat, error) {
	if name == "" {
		name = s.cfg.Import.DefaultFormat
	}
	f, ok := s.cfg.Format(name)
	if !ok {
		return f, badRequest{msg: "unknown statement format " + name}
	}
	return f, nil
}

// importStatement accepts either a JSON body of rows or a multipart upload
// with a "file" part and an optional "format" field.
func (s *Server) importStatement(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, badRequest{msg: "invalid upload: " + err.Error()})
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, badRequest{msg: "missing file part"})
			return
		}
		defer file.Close()
		f, err := s.format(r.FormValue("format"))
		if err != nil {
			writeError(w, err)
			return
		}
		b, err := s.svc.Importer.ImportFile(r.Context(), accountID, f, header.Filename, file)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, b)
		return
	}

	var req statementRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	f, err := s.format(req.Format)
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range req.Rows {
		if req.Rows[i].Line == 0 {
			req.Rows[i].Line = i + 1
		}
	}
	b, err := s.svc.Importer.Import(r.Context(), service.ImportRequest{
		AccountID: accountID,
		Format:    f,
		FileName:  req.FileName,
		Rows:      req.Rows,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) runMatching(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Matcher.RunMatchingPass(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	if _, err := s.svc.Accounts.Get(r.Context(), accountID); err != nil {
		writeError(w, err)
		return
	}
	sum, err := s.svc.Analytics.Summary(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) batch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	b, err := s.svc.Importer.Batch(r.Context(), vars["batchID"])
	if err == nil && b.AccountID != vars["id"] {
		err = repository.ErrNotFound
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) upsertEvents(w http.ResponseWriter, r *http.Request) {
	var events []service.EventInput
	if err := decode(w, r, &events); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.svc.EventLoader.Upsert(r.Context(), mux.Vars(r)["id"], events)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"upserted": n})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	h, err := s.svc.Exceptions.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) suggestions(w http.ResponseWriter, r *http.Request) {
	h, err := s.svc.Exceptions.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	out := h.Suggestions
	if out == nil {
		out = []repository.Suggestion{}
	}
	writeJSON(w, http.StatusOK, out)
}

// action decodes the common body and requires an actor.
func action(w http.ResponseWriter, r *http.Request) (actionRequest, bool) {
	var req actionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return req, false
	}
	req.Actor = strings.TrimSpace(req.Actor)
	if req.Actor == "" {
		writeError(w, badRequest{msg: "actor required"})
		return req, false
	}
	return req, true
}

func (s *Server) manualMatch(w http.ResponseWriter, r *http.Request) {
	req, ok := action(w, r)
	if !ok {
		return
	}
	m, err := s.svc.Exceptions.ManualMatch(r.Context(), service.ManualMatchRequest{
		TransactionID: mux.Vars(r)["id"],
		EventID:       req.EventID,
		Actor:         req.Actor,
		Reason:        req.Reason,
		Memo:          req.Memo,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) unmatch(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.svc.Exceptions.Unmatch)
}

func (s *Server) dispute(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.svc.Exceptions.MarkDisputed)
}

func (s *Server) ignore(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.svc.Exceptions.Ignore)
}

func (s *Server) reopen(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.svc.Exceptions.Reopen)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	req, ok := action(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.svc.Exceptions.ResolveDispute(r.Context(), id, req.EventID, req.Actor, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	s.writeTransaction(w, r, id)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actor, reason string) error) {
	req, ok := action(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := fn(r.Context(), id, req.Actor, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	s.writeTransaction(w, r, id)
}

func (s *Server) writeTransaction(w http.ResponseWriter, r *http.Request, id string) {
	h, err := s.svc.Exceptions.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Transaction)
}
