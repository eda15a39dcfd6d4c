package api

import (
	"errors"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/RoninSTi/vibelink/internal/secrets"
	"github.com/RoninSTi/vibelink/internal/store"
)

type gatewayRequest struct {
	FactoryID       string            `json:"factory_id"`
	GatewayID       string            `json:"gateway_id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	Email           string            `json:"email"`
	Password        string            `json:"password"`
	Model           string            `json:"model"`
	FirmwareVersion string            `json:"firmware_version"`
	Metadata        map[string]string `json:"metadata"`
}

// validate checks the request shape. The password is required on create but
// optional on update, where absence means "keep the stored credential".
func (req *gatewayRequest) validate(passwordRequired bool) map[string]string {
	problems := map[string]string{}
	if strings.TrimSpace(req.FactoryID) == "" {
		problems["factory_id"] = "factory_id is required"
	}
	if strings.TrimSpace(req.GatewayID) == "" {
		problems["gateway_id"] = "gateway_id is required"
	}
	if strings.TrimSpace(req.Name) == "" {
		problems["name"] = "name is required"
	}

	switch u, err := url.Parse(req.URL); {
	case strings.TrimSpace(req.URL) == "":
		problems["url"] = "url is required"
	case err != nil:
		problems["url"] = "url is not a valid URL"
	case u.Scheme != "ws" && u.Scheme != "wss":
		problems["url"] = "url must use ws:// or wss://"
	case u.Host == "":
		problems["url"] = "url is missing a host"
	}

	if strings.TrimSpace(req.Email) == "" {
		problems["email"] = "email is required"
	} else if _, err := mail.ParseAddress(req.Email); err != nil {
		problems["email"] = "email is not a valid address"
	}

	if passwordRequired && req.Password == "" {
		problems["password"] = "password is required"
	}
	return problems
}

// gatewayResponse is the wire shape for gateway records. The credential blob
// stays out of it entirely.
type gatewayResponse struct {
	ID              string            `json:"id"`
	FactoryID       string            `json:"factory_id"`
	GatewayID       string            `json:"gateway_id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	Email           string            `json:"email"`
	Model           string            `json:"model,omitempty"`
	FirmwareVersion string            `json:"firmware_version,omitempty"`
	LastSeenAt      *time.Time        `json:"last_seen_at,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func toGatewayResponse(g store.Gateway) gatewayResponse {
	return gatewayResponse{
		ID:              g.ID,
		FactoryID:       g.FactoryID,
		GatewayID:       g.GatewayID,
		Name:            g.Name,
		URL:             g.URL,
		Email:           g.Email,
		Model:           g.Model,
		FirmwareVersion: g.FirmwareVersion,
		LastSeenAt:      g.LastSeenAt,
		Metadata:        g.Metadata,
		CreatedAt:       g.CreatedAt,
		UpdatedAt:       g.UpdatedAt,
	}
}

func (s *Server) createGateway(w http.ResponseWriter, r *http.Request) {
	var req gatewayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if problems := req.validate(true); len(problems) > 0 {
		writeError(w, http.StatusBadRequest, codeValidation, "Invalid gateway", problems)
		return
	}

	blob, err := s.codec.Encrypt(req.Password)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	g := store.Gateway{
		FactoryID:       strings.TrimSpace(req.FactoryID),
		GatewayID:       strings.TrimSpace(req.GatewayID),
		Name:            strings.TrimSpace(req.Name),
		URL:             strings.TrimSpace(req.URL),
		Email:           strings.TrimSpace(req.Email),
		Credential:      blob,
		Model:           strings.TrimSpace(req.Model),
		FirmwareVersion: strings.TrimSpace(req.FirmwareVersion),
		Metadata:        req.Metadata,
	}
	err = s.store.CreateGateway(&g)
	switch {
	case errors.Is(err, store.ErrFactoryNotFound):
		writeError(w, http.StatusBadRequest, codeValidation, "Invalid gateway",
			map[string]string{"factory_id": "factory does not exist"})
	case err != nil:
		s.internalError(w, r, err)
	default:
		s.logger.Info().Str("gateway", g.ID).Str("factory", g.FactoryID).Msg("Gateway registered")
		s.notifyCreated(g)
		writeJSON(w, http.StatusCreated, toGatewayResponse(g))
	}
}

func (s *Server) listGateways(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)
	items, total, err := s.store.ListGateways(r.URL.Query().Get("factory_id"), page)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	data := make([]gatewayResponse, 0, len(items))
	for _, g := range items {
		data = append(data, toGatewayResponse(g))
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       data,
		Pagination: pagination{Total: total, Limit: page.Limit, Offset: page.Offset},
	})
}

func (s *Server) getGateway(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GetGateway(mux.Vars(r)["id"])
	switch {
	case errors.Is(err, store.ErrGatewayNotFound):
		writeError(w, http.StatusNotFound, codeGatewayNotFound, "Gateway not found", nil)
	case err != nil:
		s.internalError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, toGatewayResponse(g))
	}
}

func (s *Server) updateGateway(w http.ResponseWriter, r *http.Request) {
	var req gatewayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if problems := req.validate(false); len(problems) > 0 {
		writeError(w, http.StatusBadRequest, codeValidation, "Invalid gateway", problems)
		return
	}

	// Encrypt before the store transaction so the write stays short.
	var blob *secrets.Blob
	if req.Password != "" {
		b, err := s.codec.Encrypt(req.Password)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		blob = &b
	}

	g, err := s.store.UpdateGateway(mux.Vars(r)["id"], func(cur *store.Gateway) error {
		cur.FactoryID = strings.TrimSpace(req.FactoryID)
		cur.GatewayID = strings.TrimSpace(req.GatewayID)
		cur.Name = strings.TrimSpace(req.Name)
		cur.URL = strings.TrimSpace(req.URL)
		cur.Email = strings.TrimSpace(req.Email)
		cur.Model = strings.TrimSpace(req.Model)
		cur.FirmwareVersion = strings.TrimSpace(req.FirmwareVersion)
		cur.Metadata = req.Metadata
		if blob != nil {
			cur.Credential = *blob
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrGatewayNotFound):
		writeError(w, http.StatusNotFound, codeGatewayNotFound, "Gateway not found", nil)
	case errors.Is(err, store.ErrFactoryNotFound):
		writeError(w, http.StatusBadRequest, codeValidation, "Invalid gateway",
			map[string]string{"factory_id": "factory does not exist"})
	case err != nil:
		s.internalError(w, r, err)
	default:
		s.notifyUpdated(g)
		writeJSON(w, http.StatusOK, toGatewayResponse(g))
	}
}

func (s *Server) deleteGateway(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.store.DeleteGateway(id)
	switch {
	case errors.Is(err, store.ErrGatewayNotFound):
		writeError(w, http.StatusNotFound, codeGatewayNotFound, "Gateway not found", nil)
	case err != nil:
		s.internalError(w, r, err)
	default:
		s.notifyDeleted(id)
		w.WriteHeader(http.StatusNoContent)
	}
}
