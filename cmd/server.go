package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/innsight/internal/isochrone"
	"github.com/sells-group/innsight/internal/model"
	"github.com/sells-group/innsight/internal/ranking"
	"github.com/sells-group/innsight/internal/resilience"
)

// server serves ranking queries over HTTP.
type server struct {
	ranker             ranker
	defaults           model.TravelProfile
	includeUnreachable bool
	breakerStates      func() map[string]resilience.CircuitState
	isoStats           func() isochrone.Stats
	resultStats        func() ranking.CacheStats
	phase              func() resilience.PhaseState
	isochrones         isochroneCache
	amenities          areaEnricher
	purgeResults       func()
	corsOrigins        []string
	timeout            time.Duration
}

func newServer(env *rankEnv) *server {
	return &server{
		ranker:             env.Orchestrator,
		defaults:           env.Profile,
		includeUnreachable: cfg.Ranking.IncludeUnreachable,
		breakerStates:      env.Breakers.States,
		isoStats:           env.Isochrones.Stats,
		resultStats:        env.Orchestrator.ResultStats,
		phase:              env.Provider.Phase,
		isochrones:         env.Isochrones,
		amenities:          env.Enricher,
		purgeResults:       env.Orchestrator.PurgeResults,
		corsOrigins:        cfg.Server.CORSOrigins,
		timeout:            seconds(cfg.Server.RequestTimeoutSecs),
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "If-None-Match"},
		ExposedHeaders: []string{"ETag"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		if s.timeout > 0 {
			r.Use(middleware.Timeout(s.timeout))
		}
		r.Get("/rank", s.handleRank)
		r.Get("/isochrones", s.handleIsochrones)
		r.Get("/amenities", s.handleAmenities)
		r.Delete("/amenities", s.handlePurgeAmenities)
		r.Get("/cache", s.handleCacheList)
		r.Delete("/cache", s.handleCacheInvalidate)
	})
	return r
}

func (s *server) handleRank(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseRankQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := q.run(r.Context(), s.ranker, s.defaults)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("ETag", strconv.Quote(resp.Validator))
	w.Header().Set("X-Request-ID", resp.RequestID)
	if resp.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) parseRankQuery(r *http.Request) (rankQuery, error) {
	v := r.URL.Query()
	q := rankQuery{
		Place:              v.Get("poi"),
		Mode:               v.Get("profile"),
		Prefer:             v["filters"],
		Require:            v["require"],
		IncludeUnreachable: s.includeUnreachable,
		IfNoneMatch:        etagValue(r.Header.Get("If-None-Match")),
	}

	var err error
	if q.Thresholds, err = parseInts(v["thresholds"]); err != nil {
		return rankQuery{}, err
	}
	if q.Lat, err = optFloat(v.Get("lat"), "lat"); err != nil {
		return rankQuery{}, err
	}
	if q.Lon, err = optFloat(v.Get("lon"), "lon"); err != nil {
		return rankQuery{}, err
	}
	if q.Weights.Tier, err = optFloat(v.Get("w_tier"), "w_tier"); err != nil {
		return rankQuery{}, err
	}
	if q.Weights.Rating, err = optFloat(v.Get("w_rating"), "w_rating"); err != nil {
		return rankQuery{}, err
	}
	if q.Weights.Amenity, err = optFloat(v.Get("w_amenity"), "w_amenity"); err != nil {
		return rankQuery{}, err
	}
	if raw := v.Get("top_n"); raw != "" {
		if q.TopN, err = strconv.Atoi(raw); err != nil {
			return rankQuery{}, model.Errorf(model.KindBadRequest, "rank: invalid top_n %q", raw)
		}
	}
	radius, err := optFloat(v.Get("radius"), "radius")
	if err != nil {
		return rankQuery{}, err
	}
	if radius != nil {
		q.Radius = *radius
	}
	if raw := v.Get("include_unreachable"); raw != "" {
		if q.IncludeUnreachable, err = strconv.ParseBool(raw); err != nil {
			return rankQuery{}, model.Errorf(model.KindBadRequest, "rank: invalid include_unreachable %q", raw)
		}
	}
	return q, nil
}

type healthResponse struct {
	Status         string              `json:"status"`
	Breakers       map[string]string   `json:"breakers"`
	IsochroneCache isochrone.Stats     `json:"isochrone_cache"`
	ResultCache    ranking.CacheStats  `json:"result_cache"`
	Profile        model.TravelProfile `json:"profile"`
	Provider       providerPhase       `json:"provider"`
}

// providerPhase reports where the isochrone provider sits in its
// retry and circuit cycle.
type providerPhase struct {
	Phase   string `json:"phase"`
	Attempt int    `json:"attempt,omitempty"`
}

// handleHealth always answers 200. A breaker that is not closed, or a
// provider that is retrying, marks the status degraded.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := healthResponse{
		Status:   "ok",
		Breakers: make(map[string]string),
		Profile:  s.defaults,
		Provider: providerPhase{Phase: resilience.PhaseIdle.String()},
	}
	if s.phase != nil {
		ps := s.phase()
		h.Provider = providerPhase{Phase: ps.Phase.String(), Attempt: ps.Attempt}
		if ps.Phase != resilience.PhaseIdle {
			h.Status = "degraded"
		}
	}
	if s.breakerStates != nil {
		for name, state := range s.breakerStates() {
			h.Breakers[name] = state.String()
			if state != resilience.CircuitClosed {
				h.Status = "degraded"
			}
		}
	}
	if s.isoStats != nil {
		h.IsochroneCache = s.isoStats()
	}
	if s.resultStats != nil {
		h.ResultCache = s.resultStats()
	}
	writeJSON(w, http.StatusOK, h)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// Client went away; nginx convention.
		return 499
	}
	switch model.KindOf(err) {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindBadRequest, model.KindInvalidConfiguration:
		return http.StatusBadRequest
	case model.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": model.KindOf(err).String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

// etagValue strips the weak prefix and quotes from an If-None-Match value.
// Only the first tag of a list is used.
func etagValue(h string) string {
	h = strings.TrimSpace(h)
	if i := strings.IndexByte(h, ','); i >= 0 {
		h = strings.TrimSpace(h[:i])
	}
	h = strings.TrimPrefix(h, "W/")
	return strings.Trim(h, `"`)
}

func optFloat(raw, name string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, model.Errorf(model.KindBadRequest, "rank: invalid %s %q", name, raw)
	}
	return &f, nil
}

func requestID(r *http.Request) string { return middleware.GetReqID(r.Context()) }

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("request_id", requestID(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
