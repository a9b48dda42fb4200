package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stakelane/betcore-go/internal/core"
	"github.com/stakelane/betcore-go/internal/platform/auth"
)

// Server is the JSON boundary over the money-movement core. All amounts
// cross the wire as decimal strings.
type Server struct {
	Engine      *core.Engine
	Bets        *core.BetBook
	GGR         *core.GGRCalculator
	Settlements *core.SettlementService
	Credit      *core.CreditController
	Logger      *zap.Logger
	Gatherer    prometheus.Gatherer
}

// Router wires the routes. Health and metrics bypass token verification;
// everything else requires a bearer token.
func (s *Server) Router(verifier *auth.JWTVerifier) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(auth.Middleware(verifier, "/healthz", "/metrics"))

	r.Get("/healthz", s.handleHealth)
	if s.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/wallets/{ownerID}", func(r chi.Router) {
			r.Get("/balance", s.handleBalance)
			r.Get("/transactions", s.handleListTransactions)
			r.Post("/deposits", s.handleDeposit)
			r.Post("/withdrawals", s.handleWithdrawal)
		})
		r.Route("/transactions/{txID}", func(r chi.Router) {
			r.Get("/", s.handleGetTransaction)
			r.Post("/approve", s.handleApproveTransaction)
			r.Post("/reject", s.handleRejectTransaction)
			r.Post("/cancel", s.handleCancelTransaction)
			r.Post("/reverse", s.handleReverseTransaction)
		})
		r.Post("/adjustments", s.handleAdjustment)
		r.Post("/entries/{entryID}/reverse", s.handleReverseEntry)

		r.Post("/bets", s.handlePlaceBet)
		r.Post("/bets/{betID}/settle", s.handleSettleBet)
		r.Post("/bets/{betID}/void", s.handleVoidBet)

		r.Post("/ggr", s.handleComputeGGR)

		r.Route("/settlements", func(r chi.Router) {
			r.Get("/", s.handleListSettlements)
			r.Post("/", s.handleGenerateSettlement)
			r.Get("/{settlementID}", s.handleGetSettlement)
			r.Post("/{settlementID}/approve", s.handleApproveSettlement)
			r.Post("/{settlementID}/reject", s.handleRejectSettlement)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Post("/", s.handleRegisterAgent)
			r.Get("/{agentID}", s.handleGetAgent)
			r.Post("/{agentID}/credit-sales", s.handleSellCredit)
			r.Post("/{agentID}/float-topups", s.handleTopUpFloat)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Logger == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.Logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", r.Header.Get("X-Request-Id")),
		)
	})
}
