package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/catalogsync"
	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/middlewares"
	"bitbucket.org/mmdatafocus/inventory_backend/models"
	"bitbucket.org/mmdatafocus/inventory_backend/models/reports"
	"bitbucket.org/mmdatafocus/inventory_backend/utils"
	"bitbucket.org/mmdatafocus/inventory_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// PubSubMessage is the Pub/Sub push delivery wrapper, not our event envelope.
type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

func inventoryPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage
		logger := config.GetLogger()

		// Redis lock is a best-effort optimization.
		// Reliability must not depend on Redis: we also serialize per order via MySQL advisory locks in ProcessMessage().
		redisLock := config.GetRedisLock()

		if token := strings.TrimSpace(os.Getenv("PUBSUB_VERIFICATION_TOKEN")); token != "" {
			if c.Query("token") != token {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "inventoryPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "inventoryPubSubHandler", "Unmarshal body", body, err)
			// Malformed request: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		var m config.PubSubMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "inventoryPubSubHandler", "Unmarshal pubsub message", msg.Message.Data, err)
			// Malformed Pub/Sub payload: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// Basic validation to avoid retry loops on poisoned messages.
		if m.EventType == "" || m.OrderRef == "" {
			config.LogError(logger, "server.go", "inventoryPubSubHandler", "Invalid pubsub message (missing required fields)", m, fmt.Errorf("event_type/order_ref required"))
			c.Status(http.StatusNoContent)
			return
		}

		// Correlation ID propagation: prefer payload correlation_id; fall back to Pub/Sub message ID.
		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.Message.ID
		}

		// Best-effort: try to obtain a lock for the order_ref to avoid long in-request blocking.
		// If Redis is unavailable / lock cannot be obtained, continue anyway; ProcessMessage() will serialize safely.
		var lock *redislock.Lock
		if redisLock == nil {
			logger.WithFields(logrus.Fields{
				"field":      "inventoryPubSubHandler",
				"event_type": m.EventType,
				"order_ref":  m.OrderRef,
				"message_id": msg.Message.ID,
			}).Warn("redis lock not ready; proceeding without redis lock")
		} else {
			lock, err = redisLock.Obtain(c.Request.Context(), fmt.Sprintf("lock:%s", m.OrderRef), 30*time.Second, nil)
			if err == redislock.ErrNotObtained {
				logger.WithFields(logrus.Fields{
					"field":      "inventoryPubSubHandler",
					"event_type": m.EventType,
					"order_ref":  m.OrderRef,
					"message_id": msg.Message.ID,
				}).Warn("could not obtain redis lock; proceeding without redis lock")
				lock = nil
			} else if err != nil {
				logger.WithFields(logrus.Fields{
					"field":      "inventoryPubSubHandler",
					"event_type": m.EventType,
					"order_ref":  m.OrderRef,
					"message_id": msg.Message.ID,
				}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
				lock = nil
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field":      "inventoryPubSubHandler",
					"order_ref":  m.OrderRef,
					"message_id": msg.Message.ID,
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		// Process the message
		ctx := utils.SetUserNameInContext(c.Request.Context(), "System")
		ctx = utils.SetServiceInContext(ctx, "order-push")
		ctx = utils.SetCorrelationIdInContext(ctx, correlationID)
		if err := ProcessMessage(ctx, logger, m); err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "inventoryPubSubHandler",
				"event_type":     m.EventType,
				"order_ref":      m.OrderRef,
				"message_id":     msg.Message.ID,
				"correlation_id": correlationID,
			}).Error("pubsub processing failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}

		// Success: ack.
		c.Status(http.StatusNoContent)
	}
}

// respondError maps ledger and reservation errors onto the API contract:
// 404 unknown resource, 409 contention or insufficiency, 422 state machine
// violations, 500 everything infrastructural.
func respondError(c *gin.Context, err error) {
	var insufficient *models.InsufficientStockError
	var invalidState *models.InvalidStateError
	switch {
	case errors.Is(err, models.ErrStockRecordNotFound),
		errors.Is(err, models.ErrReservationNotFound),
		errors.Is(err, models.ErrLocationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient stock", "lines": insufficient.Lines})
	case errors.Is(err, models.ErrVersionConflict),
		errors.Is(err, models.ErrDuplicateStockRecord):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &invalidState):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "state": invalidState.State})
	default:
		config.LogError(config.GetLogger(), "server.go", "respondError", c.FullPath(), nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func respondBindingError(c *gin.Context, err error) {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// stockKeyParams parses the /:locationId/:sku path pair shared by the stock
// routes.
func stockKeyParams(c *gin.Context) (string, int, bool) {
	locationId, err := strconv.Atoi(c.Param("locationId"))
	if err != nil || locationId <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "locationId must be a positive integer"})
		return "", 0, false
	}
	sku := strings.TrimSpace(c.Param("sku"))
	if sku == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sku is required"})
		return "", 0, false
	}
	return sku, locationId, true
}

type authTokenRequest struct {
	Service string `json:"service" binding:"required"`
	ApiKey  string `json:"api_key" binding:"required"`
}

// authTokenHandler exchanges a configured service API key for a JWT. One
// shared key guards the exchange (bcrypt hash in SERVICE_API_KEY_HASH);
// services named in ADMIN_SERVICES receive the admin role.
func authTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req authTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindingError(c, err)
			return
		}

		hash := strings.TrimSpace(os.Getenv("SERVICE_API_KEY_HASH"))
		if hash == "" || utils.CompareAPIKey(hash, req.ApiKey) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		role := "service"
		for _, admin := range splitAndTrim(os.Getenv("ADMIN_SERVICES")) {
			if strings.EqualFold(admin, req.Service) {
				role = "admin"
				break
			}
		}

		token, err := utils.JwtGenerate(req.Service, role)
		if err != nil {
			config.LogError(config.GetLogger(), "server.go", "authTokenHandler", "JwtGenerate", req.Service, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "role": role})
	}
}

func createReservationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewReservation
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindingError(c, err)
			return
		}

		reservation, err := workflow.ReserveStock(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, reservation)
	}
}

func getReservationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		reservation, err := models.GetReservation(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, reservation)
	}
}

func listReservationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := models.ReservationFilter{
			OrderRef: utils.NilIfEmpty(c.Query("orderRef")),
			Limit:    utils.AtoiOrZero(c.Query("limit")),
			Offset:   utils.AtoiOrZero(c.Query("offset")),
		}
		if state := strings.ToUpper(strings.TrimSpace(c.Query("state"))); state != "" {
			s := models.ReservationState(state)
			filter.State = &s
		}

		reservations, err := models.ListReservations(c.Request.Context(), filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reservations": reservations})
	}
}

func commitReservationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		reservation, err := workflow.CommitReservation(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, reservation)
	}
}

type releaseReservationRequest struct {
	Reason string `json:"reason"`
}

func releaseReservationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Body is optional; an empty reason is fine.
		var req releaseReservationRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				respondBindingError(c, err)
				return
			}
		}

		reservation, err := workflow.ReleaseReservation(c.Request.Context(), c.Param("id"), req.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, reservation)
	}
}

func provisionStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewStockRecord
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindingError(c, err)
			return
		}

		record, err := models.ProvisionStockRecord(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, record)
	}
}

func getStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sku, locationId, ok := stockKeyParams(c)
		if !ok {
			return
		}
		record, err := models.GetStockRecord(c.Request.Context(), sku, locationId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

func listStocksHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := models.StockRecordFilter{
			Sku:     utils.NilIfEmpty(c.Query("sku")),
			LowOnly: strings.EqualFold(c.Query("low"), "true"),
			Limit:   utils.AtoiOrZero(c.Query("limit")),
			Offset:  utils.AtoiOrZero(c.Query("offset")),
		}
		if id := utils.AtoiOrZero(c.Query("locationId")); id > 0 {
			filter.LocationId = &id
		}

		records, err := models.ListStockRecords(c.Request.Context(), filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stocks": records})
	}
}

type restockRequest struct {
	Qty int64 `json:"qty" binding:"required,gt=0"`
}

func restockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sku, locationId, ok := stockKeyParams(c)
		if !ok {
			return
		}
		var req restockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindingError(c, err)
			return
		}

		record, err := workflow.RestockStock(c.Request.Context(), sku, locationId, req.Qty)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

type adjustRequest struct {
	Delta int64 `json:"delta" binding:"required"`
}

func adjustHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sku, locationId, ok := stockKeyParams(c)
		if !ok {
			return
		}
		var req adjustRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindingError(c, err)
			return
		}

		record, err := workflow.AdjustStock(c.Request.Context(), sku, locationId, req.Delta)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

type thresholdRequest struct {
	LowStockThreshold *int64 `json:"low_stock_threshold" binding:"required,gte=0"`
}

func thresholdHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sku, locationId, ok := stockKeyParams(c)
		if !ok {
			return
		}
		var req thresholdRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindingError(c, err)
			return
		}

		record, err := models.SetLowStockThreshold(c.Request.Context(), sku, locationId, *req.LowStockThreshold)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

func availableHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sku, locationId, ok := stockKeyParams(c)
		if !ok {
			return
		}
		availability, err := models.GetAvailableQty(c.Request.Context(), sku, locationId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, availability)
	}
}

type availableBatchRequest struct {
	Lines []models.StockKey `json:"lines" binding:"required,min=1,dive"`
}

func availableBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req availableBatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindingError(c, err)
			return
		}

		availabilities, err := models.GetAvailableBatch(c.Request.Context(), req.Lines)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": availabilities})
	}
}

func listMovementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sku, locationId, ok := stockKeyParams(c)
		if !ok {
			return
		}
		filter := models.StockMovementFilter{
			Sku:        &sku,
			LocationId: &locationId,
			OrderRef:   utils.NilIfEmpty(c.Query("orderRef")),
			Limit:      utils.AtoiOrZero(c.Query("limit")),
			Offset:     utils.AtoiOrZero(c.Query("offset")),
		}
		if mt := strings.ToUpper(strings.TrimSpace(c.Query("type"))); mt != "" {
			t := models.StockMovementType(mt)
			filter.MovementType = &t
		}

		movements, err := models.ListStockMovements(c.Request.Context(), filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"movements": movements})
	}
}

func createLocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewLocation
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindingError(c, err)
			return
		}

		location, err := models.CreateLocation(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, location)
	}
}

func listLocationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		locations, err := models.ListLocation(c.Request.Context(), utils.NilIfEmpty(c.Query("name")))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"locations": locations})
	}
}

func locationIdParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func getLocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := locationIdParam(c)
		if !ok {
			return
		}
		location, err := models.GetLocation(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, location)
	}
}

func updateLocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := locationIdParam(c)
		if !ok {
			return
		}
		var input models.NewLocation
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindingError(c, err)
			return
		}

		location, err := models.UpdateLocation(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, location)
	}
}

func deleteLocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := locationIdParam(c)
		if !ok {
			return
		}
		location, err := models.DeleteLocation(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, location)
	}
}

type toggleActiveRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

func toggleLocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := locationIdParam(c)
		if !ok {
			return
		}
		var req toggleActiveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindingError(c, err)
			return
		}

		location, err := models.ToggleActiveLocation(c.Request.Context(), id, *req.IsActive)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, location)
	}
}

type outboxReplayRequest struct {
	RecordId int  `json:"record_id"`
	AllDead  bool `json:"all_dead"`
}

// Ops tooling: replay outbox messages that were marked DEAD/FAILED.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindingError(c, err)
			return
		}

		if req.AllDead {
			revived, err := models.ReplayDeadOutbox(c.Request.Context())
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"revived": revived})
			return
		}

		if req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "record_id or all_dead is required"})
			return
		}
		rec, err := models.ReplayOutboxMessage(c.Request.Context(), req.RecordId)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no replayable outbox row with that id"})
				return
			}
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"record_id":       rec.ID,
			"event_type":      rec.EventType,
			"publish_status":  rec.PublishStatus,
			"next_attempt_at": rec.NextAttemptAt,
		})
	}
}

func outboxStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := models.GetOutboxStatusSummary(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// Ops tooling: drain every overdue PENDING reservation now instead of waiting
// for the sweeper's next tick.
func sweepRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		sweeper := workflow.NewExpirySweeper(config.GetDB(), logger)
		expired, err := sweeper.SweepAll(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"expired": expired})
	}
}

func stockExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var locationId *int
		if id := utils.AtoiOrZero(c.Query("locationId")); id > 0 {
			locationId = &id
		}
		lowOnly := strings.EqualFold(c.Query("low"), "true")

		var buf bytes.Buffer
		if err := reports.WriteStockExport(c.Request.Context(), &buf, locationId, lowOnly); err != nil {
			respondError(c, err)
			return
		}

		filename := fmt.Sprintf("stock_summary_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Header("x-correlation-id", cid)
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PATCH", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", "x-correlation-id")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Pub/Sub push delivery for order events (Cloud Run deployments).
	r.POST("/pubsub", inventoryPubSubHandler())

	// Token exchange stays outside the auth gate.
	r.POST("/v1/auth/token", authTokenHandler())

	v1 := r.Group("/v1", middlewares.RequireAuth())
	{
		v1.POST("/reservations", createReservationHandler())
		v1.GET("/reservations", listReservationsHandler())
		v1.GET("/reservations/:id", getReservationHandler())
		v1.POST("/reservations/:id/commit", commitReservationHandler())
		v1.POST("/reservations/:id/release", releaseReservationHandler())

		v1.POST("/stocks", provisionStockHandler())
		v1.GET("/stocks", listStocksHandler())
		v1.POST("/stocks/available-batch", availableBatchHandler())
		v1.GET("/stocks/:locationId/:sku", getStockHandler())
		v1.POST("/stocks/:locationId/:sku/restock", restockHandler())
		v1.POST("/stocks/:locationId/:sku/adjust", adjustHandler())
		v1.PATCH("/stocks/:locationId/:sku/threshold", thresholdHandler())
		v1.GET("/stocks/:locationId/:sku/available", availableHandler())
		v1.GET("/stocks/:locationId/:sku/movements", listMovementsHandler())

		v1.POST("/locations", createLocationHandler())
		v1.GET("/locations", listLocationsHandler())
		v1.GET("/locations/:id", getLocationHandler())
		v1.PATCH("/locations/:id", updateLocationHandler())
		v1.DELETE("/locations/:id", deleteLocationHandler())
		v1.PATCH("/locations/:id/toggle-active", toggleLocationHandler())
	}

	// Ops tooling (admin tokens only).
	ops := r.Group("/internal/ops", middlewares.RequireAuth(), middlewares.RequireAdmin())
	{
		ops.POST("/outbox/replay", outboxReplayHandler())
		ops.GET("/outbox/status", outboxStatusHandler())
		ops.POST("/sweep/run", sweepRunHandler())
		ops.GET("/stocks/export", stockExportHandler())
	}

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED.
	// The version-conflict retry in the reservation workflow depends on
	// re-reads observing competitors' committed rows.
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	// Background workers. Each replica runs them unless disabled; leader
	// election and SKIP LOCKED keep replicas from stepping on each other.
	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	if shouldRunDirectOutboxProcessor() {
		go NewOutboxDirectProcessor(db, logger).Run(workersCtx)
	} else if !config.OutboxDispatcherDisabled() {
		go workflow.NewOutboxDispatcher(db, logger).Run(workersCtx)
	}
	if !config.ExpirySweepDisabled() {
		go workflow.NewExpirySweeper(db, logger).Run(workersCtx)
	}
	if !config.LowStockMonitorDisabled() {
		go workflow.NewLowStockMonitor(db, logger).Run(workersCtx)
	}
	if config.CatalogSyncEnabled() {
		go catalogsync.NewWorker(db, logger).Run(workersCtx)
	}
	if config.PullConsumerEnabled() {
		if err := RunInventoryWorkflow(); err != nil {
			config.LogError(logger, "server.go", "main", "RunInventoryWorkflow", nil, err)
		}
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("inventory API listening on port ", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
