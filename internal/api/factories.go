package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/RoninSTi/vibelink/internal/store"
)

type factoryRequest struct {
	Name     string            `json:"name"`
	Location string            `json:"location"`
	Metadata map[string]string `json:"metadata"`
}

func (req *factoryRequest) validate() map[string]string {
	problems := map[string]string{}
	if strings.TrimSpace(req.Name) == "" {
		problems["name"] = "name is required"
	}
	return problems
}

// pageFromQuery reads limit and offset tolerantly: anything unparseable or
// out of range falls back to the defaults instead of failing the request.
func pageFromQuery(r *http.Request) store.Page {
	q := r.URL.Query()
	var p store.Page
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		p.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		p.Offset = v
	}
	return p.Normalized()
}

func (s *Server) createFactory(w http.ResponseWriter, r *http.Request) {
	var req factoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if problems := req.validate(); len(problems) > 0 {
		writeError(w, http.StatusBadRequest, codeValidation, "Invalid factory", problems)
		return
	}

	f := store.Factory{
		Name:     strings.TrimSpace(req.Name),
		Location: strings.TrimSpace(req.Location),
		Metadata: req.Metadata,
	}
	if err := s.store.CreateFactory(&f); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) listFactories(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)
	items, total, err := s.store.ListFactories(page)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       items,
		Pagination: pagination{Total: total, Limit: page.Limit, Offset: page.Offset},
	})
}

func (s *Server) getFactory(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFactory(mux.Vars(r)["id"])
	switch {
	case errors.Is(err, store.ErrFactoryNotFound):
		writeError(w, http.StatusNotFound, codeFactoryNotFound, "Factory not found", nil)
	case err != nil:
		s.internalError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, f)
	}
}

func (s *Server) updateFactory(w http.ResponseWriter, r *http.Request) {
	var req factoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if problems := req.validate(); len(problems) > 0 {
		writeError(w, http.StatusBadRequest, codeValidation, "Invalid factory", problems)
		return
	}

	f, err := s.store.UpdateFactory(mux.Vars(r)["id"], func(cur *store.Factory) error {
		cur.Name = strings.TrimSpace(req.Name)
		cur.Location = strings.TrimSpace(req.Location)
		cur.Metadata = req.Metadata
		return nil
	})
	switch {
	case errors.Is(err, store.ErrFactoryNotFound):
		writeError(w, http.StatusNotFound, codeFactoryNotFound, "Factory not found", nil)
	case err != nil:
		s.internalError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, f)
	}
}

func (s *Server) deleteFactory(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteFactory(mux.Vars(r)["id"])
	switch {
	case errors.Is(err, store.ErrFactoryNotFound):
		writeError(w, http.StatusNotFound, codeFactoryNotFound, "Factory not found", nil)
	case err != nil:
		s.internalError(w, r, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
