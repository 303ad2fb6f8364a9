// Package server exposes the daemon's operational HTTP surface: health,
// metrics, basket inspection, and rail balances.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/btcbridge/internal/basket"
	"github.com/mbd888/btcbridge/internal/config"
	"github.com/mbd888/btcbridge/internal/escrow"
	"github.com/mbd888/btcbridge/internal/metrics"
	"github.com/mbd888/btcbridge/internal/payrail"
)

// Escrow is the orchestrator surface the inspection endpoints read
type Escrow interface {
	Payments(receipt uint64) []escrow.PaymentRecord
	BridgeState(ctx context.Context, receipt uint64) (uint64, error)
}

// Balances is the rail surface the balance endpoint reads
type Balances interface {
	Buyer() payrail.Account
	Seller() payrail.Account
	Currency() string
}

// Server wraps the ops HTTP server and its dependencies
type Server struct {
	cfg    *config.Config
	store  basket.Store
	orch   Escrow
	rail   Balances
	logger *slog.Logger

	router  *gin.Engine
	httpSrv *http.Server
}

// New creates the ops server and sets up its routes
func New(cfg *config.Config, store basket.Store, orch Escrow, rail Balances, logger *slog.Logger) *Server {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		store:  store,
		orch:   orch,
		rail:   rail,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	s.router = gin.New()

	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic in http handler", "panic", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}))
	s.router.Use(metrics.Middleware())

	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/baskets", s.listBasketsHandler)
	s.router.GET("/baskets/:receipt", s.getBasketHandler)
	s.router.GET("/rail/balance", s.railBalanceHandler)
}

// Router exposes the gin engine for tests
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) listBasketsHandler(c *gin.Context) {
	baskets, err := s.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(baskets), "baskets": baskets})
}

// getBasketHandler returns local state alongside the bridge contract's
// own state ordinal, so drift between the two is visible to operators.
func (s *Server) getBasketHandler(c *gin.Context) {
	receipt, err := strconv.ParseUint(c.Param("receipt"), 10, 64)
	if err != nil || receipt == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receipt must be a positive integer"})
		return
	}

	b, err := s.store.Get(c.Request.Context(), receipt)
	if err != nil {
		if errors.Is(err, basket.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown receipt"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"basket":   b,
		"state":    b.State.String(),
		"payments": s.orch.Payments(receipt),
	}
	// Best effort: the bridge may be unreachable while local state is fine.
	if bridgeState, err := s.orch.BridgeState(c.Request.Context(), receipt); err == nil {
		resp["bridgeState"] = bridgeState
	} else {
		s.logger.Warn("bridge state unavailable", "receipt", receipt, "error", err)
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) railBalanceHandler(c *gin.Context) {
	ctx := c.Request.Context()

	buyerBal, err := s.rail.Buyer().Balance(ctx, s.rail.Currency())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("buyer balance: %v", err)})
		return
	}
	sellerBal, err := s.rail.Seller().Balance(ctx, s.rail.Currency())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("seller balance: %v", err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"currency": s.rail.Currency(),
		"buyer":    gin.H{"address": s.rail.Buyer().Address(), "balance": buyerBal},
		"seller":   gin.H{"address": s.rail.Seller().Address(), "balance": sellerBal},
	})
}

// Run serves until ctx is cancelled, a shutdown signal arrives, or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("ops server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown stops accepting connections and drains in-flight requests
func (s *Server) Shutdown() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("shutting down ops server")
	return s.httpSrv.Shutdown(ctx)
}
