package targetshttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

const (
	defaultAdminRateLimit = 10
	adminRateWindow       = time.Minute
)

// MountRoutes registers the target and scheduler endpoints. Manual scheduler
// triggers are rate limited per client IP.
func (h *Handler) MountRoutes(r chi.Router, adminRateLimit int) {
	if h == nil {
		return
	}
	if adminRateLimit <= 0 {
		adminRateLimit = defaultAdminRateLimit
	}
	limiter := httprate.Limit(adminRateLimit, adminRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Route("/targets", func(r chi.Router) {
		r.Get("/", h.listTargets)
		r.Post("/", h.createTarget)
		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", h.schedulerStatus)
			r.Group(func(gr chi.Router) {
				gr.Use(limiter)
				gr.Post("/rollover", h.rolloverAll)
				gr.Post("/rollover/{period}", h.rolloverPeriod)
				gr.Post("/sweep", h.sweepExpired)
			})
		})
		r.Get("/{id}", h.getTarget)
		r.Post("/{id}/achievements", h.recordAchievement)
	})
}
