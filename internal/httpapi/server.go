// Package httpapi is the REST façade over the credit ledger. It translates
// ledger errors into status codes: 402 for insufficient credits, 404 for
// unknown reservations, 409 for holds that expired or were already
// finalized, 400 for caller mistakes.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/harborwatch/credits/pkg/credits"
	"github.com/harborwatch/credits/pkg/pricing"
)

// Run boots the HTTP server and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config, handler *Handler) error {
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		handler.logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			handler.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *Handler) *gin.Engine {
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
	if cfg.MetricsEnabled && handler.metrics != nil {
		router.GET("/metrics", gin.WrapH(handler.metrics))
	}

	api := router.Group("/api")
	api.POST("/costs", handler.handleQuote)
	api.GET("/accounts/:accountId/balance", handler.handleBalance)
	api.POST("/accounts/:accountId/purchases", handler.handlePurchase)
	api.POST("/accounts/:accountId/refunds", handler.handleRefund)
	api.POST("/accounts/:accountId/charges", handler.handleCharge)
	api.POST("/accounts/:accountId/reservations", handler.handleReserve)
	api.GET("/accounts/:accountId/transactions", handler.handleTransactions)
	api.POST("/reservations/:reservationId/confirm", handler.handleConfirm)
	api.POST("/reservations/:reservationId/cancel", handler.handleCancel)

	return router
}

// Handler carries the API's collaborators.
type Handler struct {
	logger     *zap.Logger
	ledger     *credits.Service
	calculator *pricing.Calculator
	metrics    http.Handler
	cfg        Config
}

// NewHandler wires a Handler.
func NewHandler(logger *zap.Logger, ledger *credits.Service, calculator *pricing.Calculator, metrics http.Handler, cfg Config) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:     logger,
		ledger:     ledger,
		calculator: calculator,
		metrics:    metrics,
		cfg:        cfg,
	}
}

func (handler *Handler) handleBalance(ctx *gin.Context) {
	accountID, ok := handler.accountFromPath(ctx)
	if !ok {
		return
	}
	balance, err := handler.ledger.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(balance)})
}

func (handler *Handler) handlePurchase(ctx *gin.Context) {
	accountID, ok := handler.accountFromPath(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	var expiresAt *time.Time
	if request.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, request.ExpiresAt)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_expires_at", "expected RFC 3339 timestamp"))
			return
		}
		expiresAt = &parsed
	}
	transaction, err := handler.ledger.Purchase(ctx.Request.Context(), accountID, credits.Credits(request.Amount), request.Description, expiresAt)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadFrom(transaction)})
}

func (handler *Handler) handleRefund(ctx *gin.Context) {
	accountID, ok := handler.accountFromPath(ctx)
	if !ok {
		return
	}
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	transaction, err := handler.ledger.Refund(ctx.Request.Context(), accountID, credits.Credits(request.Amount), request.Description, request.ServiceRef)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadFrom(transaction)})
}

func (handler *Handler) handleQuote(ctx *gin.Context) {
	var request costRequestPayload
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	costRequest, err := request.toCostRequest()
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	cost, err := handler.calculator.Cost(costRequest)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"service_type": costRequest.ServiceType().String(),
		"credits":      cost,
	})
}

func (handler *Handler) handleCharge(ctx *gin.Context) {
	accountID, ok := handler.accountFromPath(ctx)
	if !ok {
		return
	}
	var request chargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	costRequest, err := request.toCostRequest()
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	cost, err := handler.calculator.Cost(costRequest)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	description := request.Description
	if description == "" {
		description = costRequest.ServiceType().String()
	}
	transaction, err := handler.ledger.Deduct(ctx.Request.Context(), accountID, credits.Credits(cost), description, request.ServiceRef)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"credits":     cost,
		"transaction": transactionPayloadFrom(transaction),
	})
}

func (handler *Handler) handleReserve(ctx *gin.Context) {
	accountID, ok := handler.accountFromPath(ctx)
	if !ok {
		return
	}
	var request reserveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	costRequest, err := request.toCostRequest()
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	cost, err := handler.calculator.Cost(costRequest)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	ttl := handler.cfg.DefaultReservationTTL
	if request.TTLSeconds > 0 {
		ttl = time.Duration(request.TTLSeconds) * time.Second
	}
	reservation, err := handler.ledger.Reserve(ctx.Request.Context(), accountID, credits.Credits(cost), costRequest.ServiceType(), ttl)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": reservationPayloadFrom(reservation)})
}

func (handler *Handler) handleConfirm(ctx *gin.Context) {
	reservationID, ok := handler.reservationFromPath(ctx)
	if !ok {
		return
	}
	var request confirmRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && ctx.Request.ContentLength > 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	transaction, err := handler.ledger.Confirm(ctx.Request.Context(), reservationID, request.Description)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadFrom(transaction)})
}

func (handler *Handler) handleCancel(ctx *gin.Context) {
	reservationID, ok := handler.reservationFromPath(ctx)
	if !ok {
		return
	}
	if err := handler.ledger.Cancel(ctx.Request.Context(), reservationID); err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (handler *Handler) handleTransactions(ctx *gin.Context) {
	accountID, ok := handler.accountFromPath(ctx)
	if !ok {
		return
	}
	filter, page, err := listParams(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", err.Error()))
		return
	}
	transactions, err := handler.ledger.Transactions(ctx.Request.Context(), accountID, filter, page)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayloadFrom(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payloads})
}

func (handler *Handler) accountFromPath(ctx *gin.Context) (credits.AccountID, bool) {
	accountID, err := credits.NewAccountID(ctx.Param("accountId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", "account id is required"))
		return credits.AccountID{}, false
	}
	return accountID, true
}

func (handler *Handler) reservationFromPath(ctx *gin.Context) (credits.ReservationID, bool) {
	reservationID, err := credits.NewReservationID(ctx.Param("reservationId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reservation_id", "reservation id is required"))
		return credits.ReservationID{}, false
	}
	return reservationID, true
}

func (handler *Handler) respondLedgerError(ctx *gin.Context, err error) {
	var insufficientError *credits.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficientError):
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":      "insufficient_credits",
				"message":   "not enough credits for this operation",
				"shortfall": insufficientError.Shortfall.Int64(),
			},
		})
	case errors.Is(err, credits.ErrReservationNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("reservation_not_found", "unknown reservation"))
	case errors.Is(err, credits.ErrReservationExpired):
		ctx.JSON(http.StatusConflict, errorResponse("reservation_expired", "reservation expired before it was finalized"))
	case errors.Is(err, credits.ErrReservationFinalized):
		ctx.JSON(http.StatusConflict, errorResponse("reservation_finalized", "reservation was already finalized"))
	case errors.Is(err, credits.ErrConcurrentConflict):
		ctx.JSON(http.StatusConflict, errorResponse("conflict", "concurrent modification, retry the operation"))
	case errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrInvalidAccountID),
		errors.Is(err, credits.ErrInvalidReservationID),
		errors.Is(err, credits.ErrInvalidReservationTTL),
		errors.Is(err, pricing.ErrInvalidServiceType):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		handler.logger.Error("ledger operation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "try again"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
