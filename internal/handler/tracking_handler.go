package handler

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/commsblock-backend/internal/service"
)

// TrackingHandler serves the public click and unsubscribe links found in sent mail.
type TrackingHandler struct {
	Service *service.TrackingService
}

func (h *TrackingHandler) Routes(r chi.Router) {
	r.Get("/c/{token}", h.Click)
	r.Get("/t/c/{token}", h.Click)
	r.Get("/t/u/{token}", h.Unsubscribe)
	// one-click unsubscribe from List-Unsubscribe-Post
	r.Post("/t/u/{token}", h.Unsubscribe)
}

func (h *TrackingHandler) Click(w http.ResponseWriter, r *http.Request) {
	page := h.Service.Click(r.Context(), chi.URLParam(r, "token"), r.URL.Query().Get("url"), r.UserAgent(), clientIP(r))
	writePage(w, r, page)
}

func (h *TrackingHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	page := h.Service.Unsubscribe(r.Context(), chi.URLParam(r, "token"))
	writePage(w, r, page)
}

func writePage(w http.ResponseWriter, r *http.Request, p *service.Page) {
	if p.Location != "" {
		http.Redirect(w, r, p.Location, p.Status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(p.Status)
	w.Write([]byte(p.HTML))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
