package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

type RouterOpts struct {
	EdgeLimiter EdgeLimiter
	RateLimit   int64
	RateWindow  time.Duration

	// Path to the static swagger document; /docs is omitted when empty.
	SwaggerPath string
}

func NewRouter(h *Handler, opts RouterOpts) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h.batches.Stats())
	})

	if opts.SwaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, req, opts.SwaggerPath)
		})
		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.SwaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(Identity)
		r.Use(RateLimit(opts.EdgeLimiter, opts.RateLimit, opts.RateWindow))

		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", h.CreateUpload)
			r.Get("/", h.ListUploads)
			r.Get("/{uploadID}", h.GetUpload)
			r.With(RequireRole(BatchRoles...)).Post("/{uploadID}/validate", h.ValidateUpload)
			r.With(RequireRole(BatchRoles...)).Post("/{uploadID}/retry", h.RetryUpload)
			r.With(RequireRole(BatchRoles...)).Post("/{uploadID}/labels", h.CreateLabels)
			r.Get("/{uploadID}/summary", h.UploadSummary)
		})

		r.Route("/shipments", func(r chi.Router) {
			r.Get("/", h.ListShipments)
			r.Get("/{shipmentID}", h.GetShipment)
			r.Get("/{shipmentID}/label.pdf", h.ShipmentLabelPDF)
			r.Get("/{shipmentID}/invoice.pdf", h.ShipmentInvoicePDF)
			r.Get("/{shipmentID}/track", h.TrackShipment)
			r.Post("/{shipmentID}/cancel", h.CancelShipment)
		})
	})

	return r
}
