package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"PerpEngine/internal/event"
	"PerpEngine/internal/ingestion"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/persistence"
	"PerpEngine/internal/projection"
	"PerpEngine/internal/query"
)

// GRPCServer wraps the gRPC server and the HTTP/JSON mux.
// The gRPC side carries health checking and reflection for probes and
// grpcurl; the query and admin surface is HTTP/JSON on a gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	deps          *ServerDeps
	healthChecker *observability.HealthChecker
}

// ServerDeps holds all dependencies needed by the serving surface.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.AdminIngestService
	SnapshotMgr   *persistence.SnapshotManager
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
}

// NewGRPCServer creates the serving surface.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer()

	// Health check for k8s-style gRPC probes
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		deps:          deps,
		healthChecker: deps.HealthChecker,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON server (blocking). Queries and the
// admin surface are served here for tooling, dashboards, and curl.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP gateway listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *GRPCServer) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/config", s.handleGetConfig},
		{"GET", "/v1/markets/{market}/amm", s.handleGetAmmState},
		{"GET", "/v1/markets/{market}/positions/{trader}", s.handleGetPosition},
		{"GET", "/v1/traders/{trader}/balance", s.handleGetBalance},
		{"GET", "/v1/traders/{trader}/journal", s.handleGetJournal},
		{"GET", "/v1/receipts", s.handleListReceipts},
		{"GET", "/v1/admin/integrity", s.handleVerifyIntegrity},
		{"GET", "/v1/admin/log-info", s.handleLogInfo},
		{"POST", "/v1/admin/projections/rebuild", s.handleRebuildProjections},
		{"POST", "/v1/admin/commands/open", s.handleInjectOpen},
		{"POST", "/v1/admin/commands/close", s.handleInjectClose},
		{"POST", "/v1/admin/commands/deposit", s.handleInjectDeposit},
		{"POST", "/v1/admin/commands/config", s.handleInjectConfig},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return fmt.Errorf("route %s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

// ============================================================================
// Query handlers
// ============================================================================

func (s *GRPCServer) handleGetConfig(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	cfg, err := s.deps.QueryService.GetConfig(r.Context())
	if err != nil {
		writeQueryError(w, "get config", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *GRPCServer) handleGetAmmState(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	market := pathParams["market"]
	if market == "" {
		writeError(w, http.StatusBadRequest, "market is required")
		return
	}

	amm, err := s.deps.QueryService.GetAmmState(r.Context(), market)
	if err != nil {
		writeQueryError(w, "get amm state", err)
		return
	}
	writeJSON(w, http.StatusOK, amm)
}

func (s *GRPCServer) handleGetPosition(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	market, trader := pathParams["market"], pathParams["trader"]
	if market == "" || trader == "" {
		writeError(w, http.StatusBadRequest, "market and trader are required")
		return
	}

	pos, err := s.deps.QueryService.GetPosition(r.Context(), market, trader)
	if err != nil {
		writeQueryError(w, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *GRPCServer) handleGetBalance(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	trader := pathParams["trader"]
	if trader == "" {
		writeError(w, http.StatusBadRequest, "trader is required")
		return
	}

	bal, err := s.deps.QueryService.GetTraderBalance(r.Context(), trader)
	if err != nil {
		writeQueryError(w, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *GRPCServer) handleGetJournal(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	trader := pathParams["trader"]
	if trader == "" {
		writeError(w, http.StatusBadRequest, "trader is required")
		return
	}

	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var afterSeq *int64
	if after := queryInt64(r, "after", -1); after >= 0 {
		afterSeq = &after
	}

	entries, err := s.deps.QueryService.GetTraderJournal(r.Context(), trader, limit, afterSeq)
	if err != nil {
		writeQueryError(w, "get journal", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"journals": entries})
}

func (s *GRPCServer) handleListReceipts(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	from := queryInt64(r, "from", 0)
	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	receipts, err := s.deps.QueryService.ListReceipts(r.Context(), from, limit)
	if err != nil {
		writeQueryError(w, "list receipts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": receipts})
}

// ============================================================================
// Admin handlers
// ============================================================================

func (s *GRPCServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeQueryError(w, "verify integrity", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *GRPCServer) handleLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	latestSeq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		writeQueryError(w, "get latest sequence", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_sequence":  latestSeq,
		"uptime_seconds": int64(time.Since(s.deps.StartTime).Seconds()),
	})
}

func (s *GRPCServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("rebuild failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rebuilt": true})
}

func (s *GRPCServer) handleInjectOpen(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req struct {
		Market      string `json:"market"`
		Trader      string `json:"trader"`
		Side        string `json:"side"`
		QuoteAmount int64  `json:"quote_amount"`
		Leverage    int64  `json:"leverage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}

	side, err := sideFromString(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.deps.IngestService.InjectOpenPosition(r.Context(), req.Market, req.Trader, side, req.QuoteAmount, req.Leverage)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

func (s *GRPCServer) handleInjectClose(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req struct {
		Market string `json:"market"`
		Trader string `json:"trader"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}

	if err := s.deps.IngestService.InjectClosePosition(r.Context(), req.Market, req.Trader); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

func (s *GRPCServer) handleInjectDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req struct {
		From     string `json:"from"`
		Asset    string `json:"asset"`
		Amount   int64  `json:"amount"`
		Market   string `json:"market"`
		Side     string `json:"side"`
		Leverage int64  `json:"leverage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}

	side, err := sideFromString(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.deps.IngestService.InjectDepositAndOpen(r.Context(), req.From, req.Asset, req.Amount, req.Market, side, req.Leverage)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

func (s *GRPCServer) handleInjectConfig(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req struct {
		Sender   string `json:"sender"`
		NewOwner string `json:"new_owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}

	if err := s.deps.IngestService.InjectUpdateConfig(r.Context(), req.Sender, req.NewOwner); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

// ============================================================================
// Helpers
// ============================================================================

func sideFromString(s string) (event.Side, error) {
	switch s {
	case "buy":
		return event.SideBuy, nil
	case "sell":
		return event.SideSell, nil
	default:
		return event.SideUnknown, fmt.Errorf("side must be \"buy\" or \"sell\", got %q", s)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeQueryError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, query.ErrNotFound) {
		writeError(w, http.StatusNotFound, op+": not found")
		return
	}
	writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s: %v", op, err))
}
