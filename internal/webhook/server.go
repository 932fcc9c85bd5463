// Package webhook ingests GitHub webhook deliveries. Deliveries are
// verified against the per-hook secret before anything is parsed, then
// merged through the same store writes the polling actors use.
package webhook

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/realartists/shiphub-sync/internal/models"
	"github.com/realartists/shiphub-sync/internal/store"
)

// maxPayloadBytes bounds a delivery body. GitHub caps payloads at 25MB.
const maxPayloadBytes = 25 << 20

// Server routes webhook deliveries to their hook records. Each hook is
// addressed by the local entity id its registration embedded in the
// callback URL, so the secret lookup never depends on payload content.
type Server struct {
	store   *store.Store
	handler *Handler
	mux     *http.ServeMux
}

// NewServer wires the delivery endpoints.
func NewServer(st *store.Store, handler *Handler) *Server {
	s := &Server{store: st, handler: handler, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /webhooks/repo/{id}", s.serveRepo)
	s.mux.HandleFunc("POST /webhooks/org/{id}", s.serveOrg)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) serveRepo(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(id int64) (*models.Hook, error) {
		return s.store.GetRepoHook(r.Context(), id)
	})
}

func (s *Server) serveOrg(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(id int64) (*models.Hook, error) {
		return s.store.GetOrgHook(r.Context(), id)
	})
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, lookup func(id int64) (*models.Hook, error)) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "malformed hook id", http.StatusNotFound)
		return
	}
	hook, err := lookup(id)
	if err != nil {
		http.Error(w, "hook lookup failed", http.StatusInternalServerError)
		return
	}
	if hook == nil {
		http.Error(w, "no such hook", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "unreadable payload", http.StatusBadRequest)
		return
	}
	// The signature covers the exact raw bytes; verify before parsing
	// anything out of them.
	sig := r.Header.Get(github.SHA1SignatureHeader)
	if err := github.ValidateSignature(sig, body, []byte(hook.Secret)); err != nil {
		http.Error(w, "bad signature", http.StatusBadRequest)
		return
	}

	if err := s.store.TouchHook(r.Context(), hook.ID, time.Now()); err != nil {
		log.Printf("webhook: touch hook %d: %v", hook.ID, err)
	}

	eventType := github.WebHookType(r)
	deliveryID := github.DeliveryID(r)
	if err := s.handler.Dispatch(r.Context(), eventType, deliveryID, body); err != nil {
		var unknown *UnknownActionError
		if errors.As(err, &unknown) {
			log.Printf("webhook: delivery %s: %v", deliveryID, err)
			http.Error(w, unknown.Error(), http.StatusUnprocessableEntity)
			return
		}
		log.Printf("webhook: delivery %s failed: %v", deliveryID, err)
		http.Error(w, "delivery failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
