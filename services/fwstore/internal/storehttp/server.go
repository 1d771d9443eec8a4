package storehttp

import (
	"errors"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const indexBody = "Nothing here, sorry."

// Options configures the storage server.
type Options struct {
	BaseDir string
	// StrictErrors answers a missing upload with 400 JSON instead of a redirect.
	StrictErrors   bool
	MaxUploadBytes int64

	UploadRatePerMinute int
	AllowedOrigins      []string

	Logger    *log.Logger
	Metrics   *Metrics
	Gatherer  prometheus.Gatherer
	Notifiers []Notifier

	// Ready reports whether optional listeners (TFTP) are up. Nil means always ready.
	Ready func() bool
}

// Server stores uploaded artifacts under BaseDir and serves them back.
type Server struct {
	opts   Options
	base   string
	logger *log.Logger
	now    func() time.Time
}

// New validates opts and returns a Server.
func New(opts Options) (*Server, error) {
	if opts.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}
	base, err := filepath.Abs(opts.BaseDir)
	if err != nil {
		return nil, err
	}
	if opts.MaxUploadBytes < 0 {
		return nil, errors.New("max upload bytes must not be negative")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{opts: opts, base: base, logger: logger, now: time.Now}, nil
}

// Routes constructs the chi router for uploads, downloads and operational endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.GetHead)

	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			ExposedHeaders: []string{"Content-Length", "Last-Modified"},
			MaxAge:         int((10 * time.Minute).Seconds()),
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(indexBody))
	})

	r.Group(func(r chi.Router) {
		if s.opts.UploadRatePerMinute > 0 {
			r.Use(httprate.LimitByIP(s.opts.UploadRatePerMinute, time.Minute))
		}
		r.Post("/{type}", s.handleUpload)
		r.Post("/{type}/{second}", s.handleUpload)
	})

	r.Get("/{type}/{second}", s.handleDownload)
	r.Get("/{type}/{second}/{third}", s.handleDownload)

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		// Clients have long seen 500 here; keep it.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Bad Request"))
	})

	return r
}
