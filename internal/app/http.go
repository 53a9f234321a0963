// Package app is the HTTP surface: routing, request identity, error
// mapping, and response shaping over the core services.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"vouch/api/internal/chain"
	"vouch/api/internal/claims"
	"vouch/api/internal/config"
	"vouch/api/internal/envelope"
	"vouch/api/internal/metrics"
	"vouch/api/internal/network"
	"vouch/api/internal/redact"
	"vouch/api/internal/search"
	"vouch/api/internal/store"
)

// pinger lets the readiness probe check the database without holding the
// full store.
type pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg      config.Config
	service  *claims.Service
	graph    *network.Graph
	redactor *redact.Engine
	search   *search.Service
	chain    *chain.Builder
	verifier envelope.Verifier
	db       pinger
	logger   *zap.Logger
}

func NewServer(cfg config.Config, service *claims.Service, graph *network.Graph, redactor *redact.Engine, searchSvc *search.Service, builder *chain.Builder, verifier envelope.Verifier, db pinger, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		service:  service,
		graph:    graph,
		redactor: redactor,
		search:   searchSvc,
		chain:    builder,
		verifier: verifier,
		db:       db,
		logger:   logger,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.requestLogger)
	r.Use(metrics.Middleware(func(req *http.Request) string {
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				return pattern
			}
		}
		return req.URL.Path
	}))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/claim", s.handleSubmitClaim)
	r.Get("/api/claim/{id}", s.handleGetClaim)
	r.Get("/api/claims", s.handleListClaims)
	r.Get("/api/claims/search", s.handleSearchClaims)

	r.Post("/api/network", s.handleAddEdge)
	r.Delete("/api/network", s.handleRemoveEdge)
	r.Get("/api/network/visible", s.handleVisible)
	r.Get("/api/network/common/{did}", s.handleCommonVisibility)

	r.Post("/api/chain/run", s.handleChainRun)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":     false,
			"status": "not_ready",
			"checks": map[string]any{"database": map[string]any{"status": "error", "error": err.Error()}},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"status": "ready",
		"checks": map[string]any{"database": map[string]any{"status": "ok"}},
	})
}

func (s *Server) handleSubmitClaim(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JWTEncoded string `json:"jwtEncoded"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.JWTEncoded == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "jwtEncoded is required", nil)
		return
	}

	authDID, err := s.requesterDID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, claims.CodeJWTVerifyFailed, "the bearer token did not verify", nil)
		return
	}

	result, err := s.service.SubmitClaim(r.Context(), body.JWTEncoded, authDID)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	requester, err := s.requesterDID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, claims.CodeJWTVerifyFailed, "the bearer token did not verify", nil)
		return
	}

	claim, err := s.service.GetClaim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if claim == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such claim", nil)
		return
	}

	item, err := s.redactor.Claim(r.Context(), requester, *claim)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	requester, err := s.requesterDID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, claims.CodeJWTVerifyFailed, "the bearer token did not verify", nil)
		return
	}

	filter, err := claimFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
		return
	}

	page, err := s.service.ListClaims(r.Context(), filter)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	// DID-valued filters act like search terms: an item whose redaction
	// hides the filtered DID must not leak through the list.
	items, err := s.redactor.Claims(r.Context(), requester, page.Data, didFilterTerms(filter))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": items, "hitLimit": page.HitLimit})
}

func didFilterTerms(filter store.ClaimFilter) []string {
	var terms []string
	for _, v := range []string{filter.Issuer, filter.Subject} {
		if claims.IsDID(v) {
			terms = append(terms, v)
		}
	}
	return terms
}

func (s *Server) handleSearchClaims(w http.ResponseWriter, r *http.Request) {
	requester, err := s.requesterDID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, claims.CodeJWTVerifyFailed, "the bearer token did not verify", nil)
		return
	}

	term := strings.TrimSpace(r.URL.Query().Get("q"))
	if term == "" {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "q is required", nil)
		return
	}
	limit := queryInt(r, "limit", s.cfg.QueryLimit)
	if limit <= 0 || limit > s.cfg.QueryLimit {
		limit = s.cfg.QueryLimit
	}

	found, err := s.search.Search(r.Context(), term, limit)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	items, err := s.redactor.Claims(r.Context(), requester, found, []string{term})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": items, "query": term})
}

func (s *Server) handleAddEdge(w http.ResponseWriter, r *http.Request) {
	requester, ok := s.requireRequester(w, r)
	if !ok {
		return
	}
	var body struct {
		Object string `json:"object"`
	}
	if err := decodeBody(r, &body); err != nil || body.Object == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "object is required", nil)
		return
	}
	if err := s.graph.AddEdge(r.Context(), requester, body.Object); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subject": requester, "object": body.Object})
}

func (s *Server) handleRemoveEdge(w http.ResponseWriter, r *http.Request) {
	requester, ok := s.requireRequester(w, r)
	if !ok {
		return
	}
	var body struct {
		Object string `json:"object"`
	}
	if err := decodeBody(r, &body); err != nil || body.Object == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "object is required", nil)
		return
	}
	if err := s.graph.RemoveEdge(r.Context(), requester, body.Object); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) handleVisible(w http.ResponseWriter, r *http.Request) {
	requester, ok := s.requireRequester(w, r)
	if !ok {
		return
	}
	canSee, err := s.graph.AllVisibleTo(r.Context(), requester)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	seenBy, err := s.graph.WhoCanSee(r.Context(), requester)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"canSee": canSee, "seenBy": seenBy})
}

// handleCommonVisibility tells the requester who could introduce them to
// the target: identities both sides can reach.
func (s *Server) handleCommonVisibility(w http.ResponseWriter, r *http.Request) {
	requester, ok := s.requireRequester(w, r)
	if !ok {
		return
	}
	target := chi.URLParam(r, "did")
	common, err := s.graph.CommonVisibility(r.Context(), requester, target)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if common == nil {
		common = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"common": common})
}

func (s *Server) handleChainRun(w http.ResponseWriter, r *http.Request) {
	chained, err := s.chain.Run(r.Context())
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chained": chained})
}

// requesterDID resolves the optional bearer claim token to its issuer.
// No token means an anonymous requester; a bad token is an error.
func (s *Server) requesterDID(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", nil
	}
	verified, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		return "", err
	}
	return verified.Issuer, nil
}

func (s *Server) requireRequester(w http.ResponseWriter, r *http.Request) (string, bool) {
	requester, err := s.requesterDID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, claims.CodeJWTVerifyFailed, "the bearer token did not verify", nil)
		return "", false
	}
	if requester == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "a bearer claim token is required", nil)
		return "", false
	}
	return requester, true
}

func claimFilterFromQuery(r *http.Request) (store.ClaimFilter, error) {
	q := r.URL.Query()
	filter := store.ClaimFilter{
		Issuer:    q.Get("issuer"),
		Subject:   q.Get("subject"),
		ClaimType: q.Get("claimType"),
		HandleID:  q.Get("handleId"),
		AfterID:   q.Get("afterId"),
		Limit:     queryInt(r, "limit", 0),
	}
	for name, target := range map[string]**time.Time{
		"issuedAfter":  &filter.IssuedAfter,
		"issuedBefore": &filter.IssuedBefore,
	} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.ClaimFilter{}, fmt.Errorf("%s is not an RFC 3339 timestamp", name)
		}
		*target = &t
	}
	return filter, nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func (s *Server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var clientErr *claims.ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Status, clientErr.Code, clientErr.Message, clientErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
