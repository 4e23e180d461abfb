package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/SpendGate/internal/adapter/ws"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, hub *ws.Hub) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Pricing
		r.Put("/prices", h.UpsertPrice)
		r.Get("/prices/{provider}/{model}", h.GetPrice)

		// Budget limits
		r.Put("/limits", h.UpsertLimit)
		r.Get("/limits/{scopeType}/{scopeID}/{periodType}", h.GetLimit)

		// Pre-call admission
		r.Post("/check", h.Check)
		r.Post("/estimate", h.Estimate)

		// Post-call usage ingestion
		r.Post("/usage", h.RecordUsage)

		// Budget status
		r.Get("/budgets/{scopeType}/{scopeID}/status", h.BudgetStatus)
	})

	// WebSocket for live cost and alert events
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}
}
