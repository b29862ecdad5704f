// Package web serves the operational HTTP surface: health, Prometheus
// metrics and a small read-only status API.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bondnet/bonproxy/internal/catalog"
	"github.com/bondnet/bonproxy/internal/log"
	"github.com/bondnet/bonproxy/internal/server"
	"github.com/bondnet/bonproxy/internal/tuner"
)

// Server is the web listener.
type Server struct {
	addr   string
	router *chi.Mux
	logger zerolog.Logger
}

// New builds the router over the daemon's live components.
func New(addr string, pool *tuner.Pool, bndp *server.Server, store *catalog.Store) *Server {
	s := &Server{
		addr:   addr,
		logger: log.WithComponent("web"),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/api/status", s.handleStatus(pool, bndp))
	r.Get("/api/channels", s.handleChannels(store))
	r.Get("/api/drivers", s.handleDrivers(store))
	r.Get("/api/drivers/{id}/scans", s.handleScanHistory(store))
	s.router = r
	return s
}

// Run serves until the context ends.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info().Str("addr", s.addr).Msg("web listener started")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Tuners   []tuner.TunerStatus  `json:"tuners"`
	Sessions []server.SessionInfo `json:"sessions"`
}

func (s *Server) handleStatus(pool *tuner.Pool, bndp *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			Tuners:   pool.Status(),
			Sessions: bndp.Sessions(),
		})
	}
}

type channelResponse struct {
	ID          int64  `json:"id"`
	DriverPath  string `json:"driver_path"`
	NID         uint16 `json:"nid"`
	TSID        uint16 `json:"tsid"`
	SID         uint16 `json:"sid"`
	Name        string `json:"name"`
	BandType    string `json:"band_type"`
	Region      string `json:"region,omitempty"`
	RemoteKey   int    `json:"remote_key,omitempty"`
	PhysicalCh  int    `json:"physical_ch,omitempty"`
	Priority    int    `json:"priority"`
	FailureCnt  int    `json:"failure_count"`
	ServiceType uint8  `json:"service_type"`
}

func (s *Server) handleChannels(store *catalog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		cands, err := store.EnabledCandidates()
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]channelResponse, 0, len(cands))
		for _, c := range cands {
			out = append(out, channelResponse{
				ID:          c.ID,
				DriverPath:  c.DriverPath,
				NID:         c.NID,
				TSID:        c.TSID,
				SID:         c.SID,
				Name:        c.Name,
				BandType:    c.BandType,
				Region:      c.Region,
				RemoteKey:   c.RemoteKey,
				PhysicalCh:  c.PhysicalCh,
				Priority:    c.Priority,
				FailureCnt:  c.FailureCount,
				ServiceType: c.ServiceType,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type driverResponse struct {
	ID           int64  `json:"id"`
	Path         string `json:"path"`
	Group        string `json:"group,omitempty"`
	MaxInstances int    `json:"max_instances"`
	ScanEnabled  bool   `json:"scan_enabled"`
	ScanInterval int    `json:"scan_interval_hours"`
	LastScan     int64  `json:"last_scan,omitempty"`
	NextScanAt   int64  `json:"next_scan_at,omitempty"`
}

func (s *Server) handleDrivers(store *catalog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		drivers, err := store.AllDrivers()
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]driverResponse, 0, len(drivers))
		for _, d := range drivers {
			out = append(out, driverResponse{
				ID:           d.ID,
				Path:         d.Path,
				Group:        d.GroupName,
				MaxInstances: d.MaxInstances,
				ScanEnabled:  d.AutoScanEnabled,
				ScanInterval: d.ScanIntervalHours,
				LastScan:     d.LastScan.Int64,
				NextScanAt:   d.NextScanAt.Int64,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleScanHistory(store *catalog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "bad driver id", http.StatusBadRequest)
			return
		}
		hist, err := store.ScanHistory(id, 50)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, hist)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
