// Package httpapi is the player-facing HTTP surface of the wager engine. Sessions
// are validated from the TAuth cookie; admin routes additionally require a role.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/wager/internal/livecache"
	"github.com/MarkoPoloResearchLab/wager/pkg/dispute"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"github.com/MarkoPoloResearchLab/wager/pkg/settlement"
)

const (
	claimsContextKey = "auth_claims"

	defaultRequestTimeout = 5 * time.Second
	defaultAdminRole      = "admin"
	defaultHistoryLimit   = 20
	shutdownTimeout       = 5 * time.Second
)

// Config tunes the HTTP surface.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	RequestTimeout time.Duration
	AdminRole      string
	HistoryLimit   int
}

func (cfg Config) withDefaults() Config {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if strings.TrimSpace(cfg.AdminRole) == "" {
		cfg.AdminRole = defaultAdminRole
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return cfg
}

// MatchSnapshots caches the live view of matches for spectators.
type MatchSnapshots interface {
	Store(ctx context.Context, match ledger.Match) error
	Snapshot(ctx context.Context, matchID string) (livecache.Snapshot, bool, error)
}

// Handler serves the /api routes.
type Handler struct {
	logger     *zap.Logger
	wallet     *ledger.Service
	settlement *settlement.Service
	disputes   *dispute.Service
	snapshots  MatchSnapshots
	cfg        Config
	now        func() time.Time
}

// NewHandler wires the services. snapshots may be nil.
func NewHandler(logger *zap.Logger, wallet *ledger.Service, settlementService *settlement.Service, disputes *dispute.Service, snapshots MatchSnapshots, cfg Config) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:     logger,
		wallet:     wallet,
		settlement: settlementService,
		disputes:   disputes,
		snapshots:  snapshots,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
}

// NewRouter builds the gin engine.
func NewRouter(cfg Config, handler *Handler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/session", handler.handleSession)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/matches", handler.handleCreateMatch)
	api.GET("/matches/:id", handler.handleGetMatch)
	api.GET("/matches/:id/live", handler.handleLiveMatch)
	api.POST("/matches/:id/join", handler.handleJoinMatch)
	api.POST("/matches/:id/wagers", handler.handleLockWager)
	api.POST("/matches/:id/ready", handler.handleConfirmReady)
	api.POST("/matches/:id/reports", handler.handleSubmitReport)
	api.POST("/matches/:id/cancel", handler.handleCancelMatch)
	api.POST("/matches/:id/disputes", handler.handleOpenDispute)

	admin := api.Group("/admin")
	admin.Use(requireRole(handler.cfg.AdminRole))
	admin.POST("/wallets/:userId/credits", handler.handleCreditWallet)
	admin.POST("/matches/:id/resolve", handler.handleResolveDispute)
	admin.POST("/matches/:id/close", handler.handleCloseDispute)

	return router
}

// Serve runs the HTTP server until ctx is cancelled.
func Serve(ctx context.Context, logger *zap.Logger, listenAddr string, router http.Handler) error {
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", listenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	}
}

func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		if !slices.Contains(claims.GetUserRoles(), role) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "role "+role+" required"))
			return
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

var httpErrorTable = []struct {
	target error
	status int
	code   string
}{
	{ledger.ErrInsufficientFunds, http.StatusConflict, "insufficient_funds"},
	{ledger.ErrNotParticipant, http.StatusForbidden, "not_participant"},
	{ledger.ErrIdempotencyKeyConflict, http.StatusConflict, "idempotency_key_conflict"},
	{ledger.ErrMatchFull, http.StatusConflict, "match_full"},
	{ledger.ErrMatchClosed, http.StatusConflict, "match_closed"},
	{ledger.ErrReportSubmitted, http.StatusConflict, "report_submitted"},
	{ledger.ErrDisputeExists, http.StatusConflict, "dispute_exists"},
	{ledger.ErrMatchNotFound, http.StatusNotFound, "match_not_found"},
	{ledger.ErrDisputeNotFound, http.StatusNotFound, "dispute_not_found"},
}

func classifyError(err error) (int, string) {
	for _, entry := range httpErrorTable {
		if errors.Is(err, entry.target) {
			return entry.status, entry.code
		}
	}
	switch {
	case ledger.IsValidation(err):
		return http.StatusBadRequest, "invalid_request"
	case ledger.IsStateConflict(err):
		return http.StatusConflict, "state_conflict"
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable, "retry_later"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (handler *Handler) respondError(ctx *gin.Context, operation string, err error) {
	statusCode, code := classifyError(err)
	if statusCode >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		ctx.JSON(statusCode, errorResponse(code, "request failed"))
		return
	}
	ctx.JSON(statusCode, errorResponse(code, err.Error()))
}
