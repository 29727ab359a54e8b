package possync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/middlewares"
	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/utils"
	"bitbucket.org/mmdatafocus/possync/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ConfigDocumentId is the single document of the config collection.
const ConfigDocumentId = "business"

const defaultOnlineWindow = 5 * time.Minute

// Server is the sync authority every terminal replicates through.
type Server struct {
	Store         models.Store
	Locker        workflow.CounterLocker
	Pool          *workflow.LocalFiscalPool
	Ledger        *workflow.LedgerEngine
	Bus           *EventBus
	Secret        []byte
	TokenLifespan time.Duration
	OnlineWindow  time.Duration
	// DefaultBatchSize is leased when a terminal does not ask for a size.
	DefaultBatchSize int
	AllowEnrollment  func() bool
	Logger           *logrus.Logger
	Now              func() time.Time
}

func NewServer(store models.Store, locker workflow.CounterLocker, secret []byte, tokenLifespan time.Duration) *Server {
	if locker == nil {
		locker = workflow.NewKeyedMutex()
	}
	return &Server{
		Store:            store,
		Locker:           locker,
		Pool:             workflow.NewLocalFiscalPool(store, locker),
		Ledger:           workflow.NewLedgerEngine(store, locker, workflow.DeriveAll, ""),
		Bus:              NewEventBus(),
		Secret:           secret,
		TokenLifespan:    tokenLifespan,
		OnlineWindow:     defaultOnlineWindow,
		DefaultBatchSize: config.DefaultFiscalBatchSize,
		AllowEnrollment:  config.AllowTerminalEnrollment,
		Logger:           config.GetLogger(),
		Now:              func() time.Time { return time.Now().UTC() },
	}
}

// Register mounts the sync API under /api/sync.
func (s *Server) Register(r gin.IRouter) {
	api := r.Group(apiPrefix)
	api.POST("/ping", s.PingHandler())
	api.POST("/auth", s.AuthHandler())

	authed := api.Group("")
	authed.Use(middlewares.TerminalAuth(s.Secret))

	authed.POST("/collections/:name/push", s.PushHandler())
	authed.GET("/collections/:name/data", s.DataHandler())
	authed.GET("/collections/:name/metadata", s.MetadataHandler())
	authed.GET("/delta/:name", s.DeltaHandler())

	authed.POST("/transactions", appendHandler[models.Transaction](s, models.CollectionTransactions))
	authed.POST("/inventory/movements", appendHandler[models.LedgerEntry](s, models.CollectionInventoryLedger))
	authed.POST("/cash/movements", appendHandler[models.CashMovement](s, models.CollectionCashMovements))
	authed.POST("/z-reports", appendHandler[models.ZReport](s, models.CollectionZReports))

	authed.GET("/terminals", s.TerminalsHandler())
	authed.GET("/operational-status", s.OperationalStatusHandler())
	authed.GET("/config", s.ConfigHandler())
	authed.GET("/inventory/stock-balances", s.StockBalancesHandler())
	authed.GET("/inventory/kardex/:productId", s.KardexHandler())
	authed.GET("/history/:terminalId", s.HistoryHandler())
	authed.POST("/fiscal/lease", s.FiscalLeaseHandler())

	master := authed.Group("")
	master.Use(middlewares.RequirePrimary())
	for collection, path := range pendingPaths {
		master.GET(path, s.PendingHandler(collection))
		master.POST(path+"/ack", s.PendingAckHandler(collection))
	}
	master.POST("/reset/:terminalId", s.ResetHandler())
}

// NewRouter builds the full HTTP stack around the sync API. extra runs after recovery,
// ahead of every API route.
func NewRouter(s *Server, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(CorrelationId())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(cors.New(corsConfig()))
	r.Use(RequestLogger(s.Logger))
	r.Use(gin.Recovery())
	r.Use(extra...)

	s.Register(r)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func CorrelationId() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Writer.Header().Set("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if logger == nil {
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		terminalId, _ := utils.GetTerminalIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        time.Since(start).String(),
			"correlation_id": cid,
			"terminal_id":    terminalId,
		}).Info("request")
	}
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	allowed := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		cfg.AllowOrigins = splitAndTrim(allowed)
		if len(cfg.AllowOrigins) == 0 {
			cfg.AllowOrigins = []string{"http://localhost"}
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "OPTIONS")
	cfg.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-correlation-id")
	cfg.AddExposeHeaders("Content-Length", "Content-Disposition", "x-correlation-id")
	return cfg
}

func splitAndTrim(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Server) withLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := s.Locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func pendingCollection(collection string) string {
	return collection + "Pending"
}

// pendingPaths maps each operational collection to its queue route.
var pendingPaths = map[string]string{
	models.CollectionTransactions:    "/transactions/pending",
	models.CollectionInventoryLedger: "/inventory/movements/pending",
	models.CollectionCashMovements:   "/cash/movements/pending",
	models.CollectionZReports:        "/z-reports/pending",
}

// metadata returns the stored version record, zero-valued when the collection was never written.
func (s *Server) metadata(ctx context.Context, collection string) (models.SyncMetadata, error) {
	meta, err := models.FindOne[models.SyncMetadata](ctx, s.Store, models.CollectionSyncMetadata, collection)
	if err != nil {
		return models.SyncMetadata{}, err
	}
	if meta == nil {
		return models.SyncMetadata{Collection: collection}, nil
	}
	return *meta, nil
}

// bumpVersion moves a collection's version forward after a change and recounts live items.
func (s *Server) bumpVersion(ctx context.Context, collection string) (models.SyncMetadata, error) {
	var meta models.SyncMetadata
	err := s.withLock(ctx, "meta:"+collection, func() error {
		current, err := s.metadata(ctx, collection)
		if err != nil {
			return err
		}
		docs, err := s.Store.List(ctx, collection)
		if err != nil {
			return err
		}
		live := 0
		for _, d := range docs {
			if !d.Deleted {
				live++
			}
		}
		current.Version++
		current.LastUpdated = s.now()
		current.ItemCount = live
		meta = current
		return models.UpsertOne(ctx, s.Store, models.CollectionSyncMetadata, current)
	})
	return meta, err
}

// documentId finds the key of a raw replicated item.
func documentId(collection string, raw json.RawMessage) (string, error) {
	if collection == models.CollectionConfig {
		return ConfigDocumentId, nil
	}
	var keys struct {
		Id         string `json:"id"`
		Type       string `json:"type"`
		Collection string `json:"collection"`
	}
	if err := json.Unmarshal(raw, &keys); err != nil {
		return "", fmt.Errorf("item is not a JSON object: %w", err)
	}
	switch {
	case keys.Id != "":
		return keys.Id, nil
	case collection == models.CollectionLocalFiscalBuffer && keys.Type != "":
		return keys.Type, nil
	case collection == models.CollectionSyncWatermarks && keys.Collection != "":
		return keys.Collection, nil
	}
	return "", fmt.Errorf("item has no id")
}

// canonicalBody strips the server-managed updatedAt so bodies can be compared.
func canonicalBody(raw json.RawMessage) (string, bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", false, err
	}
	delete(fields, "updatedAt")
	deleted := false
	if v, ok := fields["deleted"]; ok {
		_ = json.Unmarshal(v, &deleted)
		if !deleted {
			delete(fields, "deleted")
		}
	}
	b, err := json.Marshal(fields)
	return string(b), deleted, err
}

// stampBody sets updatedAt, and deleted when asked, on a raw item.
func stampBody(raw json.RawMessage, at time.Time, markDeleted bool) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	ts, err := json.Marshal(at)
	if err != nil {
		return nil, err
	}
	fields["updatedAt"] = ts
	if markDeleted {
		fields["deleted"] = json.RawMessage("true")
	}
	return json.Marshal(fields)
}
