package devserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"trustlog/internal/transport"
)

// Handler exposes the wire protocol over JSON/HTTP, mirroring what the
// production server speaks so transport.NewHTTPClient can point at it.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/certificates/poll", s.handlePoll)
	r.Post("/certificates/submit", s.handleSubmit)

	return r
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var wire transport.WireGetRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_PROTOCOL", "malformed poll request")
		return
	}
	req, err := transport.DecodeGetRequest(wire)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_PROTOCOL", err.Error())
		return
	}
	s.writeJSON(w, transport.EncodeGetResponse(s.Poll(req)))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var wire transport.WirePostRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_PROTOCOL", "malformed submission")
		return
	}
	resp := s.Submit(transport.PostRequest{Certificate: wire.Certificate})
	s.writeJSON(w, transport.EncodePostResponse(resp))
}

func (s *Server) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode reply", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(transport.WireError{Code: code, Message: message}); err != nil {
		s.logger.Error("encode error reply", "error", err)
	}
}
