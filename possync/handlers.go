package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/utils"
	"bitbucket.org/mmdatafocus/possync/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func (s *Server) PingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, PingResponse{Status: "ok", ServerTime: s.now()})
	}
}

func (s *Server) AuthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AuthRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": utils.ProcessValidationErrors(err)})
			return
		}
		ctx := c.Request.Context()

		var terminal models.Terminal
		status, err := func() (int, error) {
			unlock, err := s.Locker.Lock(ctx, workflow.CollectionLockKey(models.CollectionTerminals))
			if err != nil {
				return http.StatusServiceUnavailable, err
			}
			defer unlock()

			stored, err := models.FindOne[models.Terminal](ctx, s.Store, models.CollectionTerminals, req.TerminalId)
			if err != nil {
				return http.StatusInternalServerError, err
			}
			now := s.now()
			if stored == nil {
				if s.AllowEnrollment == nil || !s.AllowEnrollment() {
					return http.StatusUnauthorized, errors.New("unknown terminal")
				}
				enrolled, status, err := s.enroll(ctx, req, now)
				if err != nil {
					return status, err
				}
				stored = enrolled
			} else if stored.Deleted || utils.CompareDeviceToken(stored.DeviceTokenHash, req.DeviceToken) != nil {
				return http.StatusUnauthorized, errors.New("invalid device token")
			}

			stored.LastSeenAt = &now
			stored.LastIp = c.ClientIP()
			if req.Name != "" {
				stored.Name = req.Name
			}
			stored.UpdatedAt = now
			terminal = *stored
			if err := models.UpsertOne(ctx, s.Store, models.CollectionTerminals, terminal); err != nil {
				return http.StatusInternalServerError, err
			}
			return http.StatusOK, nil
		}()
		if err != nil {
			config.LogError(s.Logger, "handlers.go", "AuthHandler", "authenticate", req.TerminalId, err)
			if status == http.StatusUnauthorized {
				c.JSON(status, gin.H{"error": "unauthorized"})
				return
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		token, err := utils.JwtGenerate(s.Secret, terminal.TerminalId, terminal.IsPrimaryNode, s.TokenLifespan)
		if err != nil {
			config.LogError(s.Logger, "handlers.go", "AuthHandler", "JwtGenerate", req.TerminalId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
			return
		}
		c.JSON(http.StatusOK, AuthResponse{
			Token:         token,
			ExpiresAt:     s.now().Add(s.TokenLifespan),
			IsPrimaryNode: terminal.IsPrimaryNode,
		})
	}
}

// enroll registers a new terminal. Only one primary terminal may exist.
func (s *Server) enroll(ctx context.Context, req AuthRequest, now time.Time) (*models.Terminal, int, error) {
	if req.IsPrimaryNode {
		terminals, err := models.GetAll[models.Terminal](ctx, s.Store, models.CollectionTerminals)
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		for _, t := range terminals {
			if t.IsPrimaryNode && !t.Deleted {
				return nil, http.StatusConflict, fmt.Errorf("terminal %s is already the primary terminal", t.TerminalId)
			}
		}
	}
	hash, err := utils.HashDeviceToken(req.DeviceToken)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	if s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"event":       "sync.terminal.enrolled",
			"terminal_id": req.TerminalId,
			"is_primary":  req.IsPrimaryNode,
		}).Info("terminal enrolled")
	}
	return &models.Terminal{
		TerminalId:      req.TerminalId,
		Name:            req.Name,
		DeviceTokenHash: string(hash),
		IsPrimaryNode:   req.IsPrimaryNode,
		EnrolledAt:      now,
	}, http.StatusOK, nil
}

func replicated(name string) bool {
	_, ok := PolicyFor(name)
	return ok
}

// PushHandler replaces the server copy of a collection. Items whose content did not change
// keep their timestamp; items missing from the push are flagged deleted.
func (s *Server) PushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if !replicated(name) && name != models.CollectionConfig {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown collection " + name})
			return
		}
		isPrimary, _ := utils.GetIsPrimaryFromContext(c.Request.Context())
		if !CanMutateCatalog(StaticRole(isPrimary), CatalogPush) {
			c.JSON(http.StatusForbidden, gin.H{"error": "only the primary terminal may push " + name})
			return
		}
		var req PushRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if name == models.CollectionConfig {
			if err := validateConfigPush(req.Items); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		res, err := s.applyPush(c.Request.Context(), name, req.Items)
		if err != nil {
			var bad badItemError
			if errors.As(err, &bad) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			config.LogError(s.Logger, "handlers.go", "PushHandler", "applyPush", name, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type badItemError struct{ msg string }

func (e badItemError) Error() string { return e.msg }

func validateConfigPush(items []json.RawMessage) error {
	if len(items) != 1 {
		return errors.New("config push carries exactly one item")
	}
	var cfg config.BusinessConfig
	if err := json.Unmarshal(items[0], &cfg); err != nil {
		return fmt.Errorf("invalid business config: %w", err)
	}
	if err := utils.ValidateStruct(cfg); err != nil {
		return fmt.Errorf("invalid business config: %v", utils.ProcessValidationErrors(err))
	}
	return nil
}

func (s *Server) applyPush(ctx context.Context, name string, items []json.RawMessage) (*PushResponse, error) {
	res := &PushResponse{}
	var events []SyncEvent
	err := s.withLock(ctx, workflow.CollectionLockKey(name), func() error {
		docs, err := s.Store.List(ctx, name)
		if err != nil {
			return err
		}
		stored := make(map[string]models.Document, len(docs))
		for _, d := range docs {
			stored[d.Id] = d
		}
		now := s.now()
		pushed := make(map[string]struct{}, len(items))

		for i, raw := range items {
			id, err := documentId(name, raw)
			if err != nil {
				return badItemError{fmt.Sprintf("item %d: %v", i, err)}
			}
			pushed[id] = struct{}{}

			if name == models.CollectionFiscalRanges {
				var r models.FiscalRange
				if err := json.Unmarshal(raw, &r); err != nil {
					return badItemError{fmt.Sprintf("item %d: %v", i, err)}
				}
				changed, err := s.Pool.Register(ctx, r)
				if err != nil {
					return err
				}
				if changed {
					res.Changed++
					events = append(events, SyncEvent{Kind: EventUpdated, Collection: name, DocumentId: id})
				}
				continue
			}

			body, deleted, err := canonicalBody(raw)
			if err != nil {
				return badItemError{fmt.Sprintf("item %d: %v", i, err)}
			}
			if prev, ok := stored[id]; ok {
				prevBody, _, err := canonicalBody(prev.Body)
				if err == nil && prevBody == body {
					continue
				}
			}
			stamped, err := stampBody(raw, now, false)
			if err != nil {
				return err
			}
			if err := s.Store.Upsert(ctx, name, models.Document{Id: id, Body: stamped, UpdatedAt: now, Deleted: deleted}); err != nil {
				return err
			}
			res.Changed++
			kind := EventUpdated
			if _, ok := stored[id]; !ok {
				kind = EventCreated
			}
			events = append(events, SyncEvent{Kind: kind, Collection: name, DocumentId: id, Payload: stamped})
		}

		for _, d := range docs {
			if _, ok := pushed[d.Id]; ok || d.Deleted {
				continue
			}
			if name == models.CollectionFiscalRanges {
				r, err := models.FromDocument[models.FiscalRange](d)
				if err != nil {
					return err
				}
				r.Deleted = true
				if _, err := s.Pool.Register(ctx, r); err != nil {
					return err
				}
			} else {
				stamped, err := stampBody(d.Body, now, true)
				if err != nil {
					return err
				}
				if err := s.Store.Upsert(ctx, name, models.Document{Id: d.Id, Body: stamped, UpdatedAt: now, Deleted: true}); err != nil {
					return err
				}
			}
			res.Deleted++
			events = append(events, SyncEvent{Kind: EventDeleted, Collection: name, DocumentId: d.Id})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	meta, err := s.metadata(ctx, name)
	if err != nil {
		return nil, err
	}
	if res.Changed+res.Deleted > 0 {
		if meta, err = s.bumpVersion(ctx, name); err != nil {
			return nil, err
		}
	}
	res.Version = meta.Version
	for _, e := range events {
		s.Bus.Publish(e)
	}
	if s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"event":      "sync.server.push",
			"collection": name,
			"items":      len(items),
			"changed":    res.Changed,
			"deleted":    res.Deleted,
			"version":    res.Version,
		}).Info("collection pushed")
	}
	return res, nil
}

func (s *Server) DataHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if !replicated(name) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown collection " + name})
			return
		}
		var sinceVersion int64
		if v := c.Query("sinceVersion"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "sinceVersion must be a non-negative integer"})
				return
			}
			sinceVersion = n
		}
		ctx := c.Request.Context()
		meta, err := s.metadata(ctx, name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sinceVersion > 0 && sinceVersion >= meta.Version {
			c.JSON(http.StatusOK, DataResponse{Items: []json.RawMessage{}, Version: meta.Version, UpToDate: true})
			return
		}
		docs, err := s.Store.List(ctx, name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]json.RawMessage, 0, len(docs))
		for _, d := range docs {
			if !d.Deleted {
				items = append(items, d.Body)
			}
		}
		c.JSON(http.StatusOK, DataResponse{Items: items, Version: meta.Version})
	}
}

// DeltaHandler answers with everything when since is absent, otherwise with the items
// changed or flagged deleted at or after since.
func (s *Server) DeltaHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if !replicated(name) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown collection " + name})
			return
		}
		var since *time.Time
		if v := c.Query("since"); v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC3339 timestamp"})
				return
			}
			since = &t
		}

		// pushes stamp and store under this lock, so nothing stamped before serverTime can
		// land after it
		ctx := c.Request.Context()
		var serverTime time.Time
		var docs []models.Document
		err := s.withLock(ctx, workflow.CollectionLockKey(name), func() error {
			serverTime = s.now()
			var err error
			docs, err = s.Store.List(ctx, name)
			return err
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]json.RawMessage, 0, len(docs))
		for _, d := range docs {
			if since == nil {
				if !d.Deleted {
					items = append(items, d.Body)
				}
				continue
			}
			if !d.UpdatedAt.Before(*since) {
				items = append(items, d.Body)
			}
		}
		c.JSON(http.StatusOK, DeltaResponse{Items: items, ServerTime: serverTime, IsFullDownload: since == nil})
	}
}

func (s *Server) MetadataHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if !replicated(name) && name != models.CollectionConfig {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown collection " + name})
			return
		}
		meta, err := s.metadata(c.Request.Context(), name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, MetadataResponse{Version: meta.Version, LastUpdated: meta.LastUpdated, ItemCount: meta.ItemCount})
	}
}

// appendHandler queues one operational record for the master to drain. Re-sending a record
// that is already queued succeeds without queueing it twice.
func appendHandler[T models.Operational[T]](s *Server, collection string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var item T
		if err := c.ShouldBindJSON(&item); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if item.GetId() == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}
		ctx := c.Request.Context()
		terminalId, _ := utils.GetTerminalIdFromContext(ctx)

		item = item.WithSync(models.SyncStatusPending, "")
		doc, err := models.ToDocument(item)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		doc.UpdatedAt = s.now()

		resp := AppendResponse{Id: item.GetId()}
		err = s.Store.Insert(ctx, pendingCollection(collection), doc)
		switch {
		case errors.Is(err, models.ErrDuplicateDocument):
			resp.Duplicate = true
		case err != nil:
			config.LogError(s.Logger, "handlers.go", "appendHandler", collection, item.GetId(), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		default:
			s.Bus.Publish(SyncEvent{Kind: EventCreated, Collection: collection, DocumentId: item.GetId(), TerminalId: terminalId, Payload: doc.Body})
		}
		s.touchTerminal(ctx, terminalId, c.ClientIP())
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) touchTerminal(ctx context.Context, terminalId, ip string) {
	if terminalId == "" {
		return
	}
	_ = s.withLock(ctx, workflow.CollectionLockKey(models.CollectionTerminals), func() error {
		t, err := models.FindOne[models.Terminal](ctx, s.Store, models.CollectionTerminals, terminalId)
		if err != nil || t == nil {
			return err
		}
		now := s.now()
		t.LastSeenAt = &now
		t.LastIp = ip
		t.UpdatedAt = now
		return models.UpsertOne(ctx, s.Store, models.CollectionTerminals, *t)
	})
}

// PendingHandler hands the queued records of a collection to the master, oldest first.
// Records stay queued until the master acknowledges them.
func (s *Server) PendingHandler(collection string) gin.HandlerFunc {
	return func(c *gin.Context) {
		docs, err := s.Store.List(c.Request.Context(), pendingCollection(collection))
		if err != nil {
			config.LogError(s.Logger, "handlers.go", "PendingHandler", collection, nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]json.RawMessage, 0, len(docs))
		for _, d := range docs {
			items = append(items, d.Body)
		}
		c.JSON(http.StatusOK, PendingResponse{Items: items})
	}
}

// PendingAckHandler removes the records the master has stored from the queue.
// Unknown ids are ignored so an ack can be repeated.
func (s *Server) PendingAckHandler(collection string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PendingAckRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": utils.ProcessValidationErrors(err)})
			return
		}
		ctx := c.Request.Context()
		name := pendingCollection(collection)
		removed := 0
		err := s.withLock(ctx, workflow.CollectionLockKey(name), func() error {
			for _, id := range utils.UniqueSlice(req.Ids) {
				if _, err := s.Store.Get(ctx, name, id); err != nil {
					if errors.Is(err, utils.ErrorRecordNotFound) {
						continue
					}
					return err
				}
				if err := s.Store.Delete(ctx, name, id); err != nil {
					return err
				}
				removed++
			}
			return nil
		})
		if err != nil {
			config.LogError(s.Logger, "handlers.go", "PendingAckHandler", collection, req.Ids, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if s.Logger != nil && removed > 0 {
			s.Logger.WithFields(logrus.Fields{
				"event":      "sync.server.pending_acked",
				"collection": collection,
				"items":      removed,
			}).Info("pending records acknowledged")
		}
		c.JSON(http.StatusOK, PendingAckResponse{Removed: removed})
	}
}

func (s *Server) TerminalsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		infos, err := s.terminalInfos(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, TerminalsResponse{Terminals: infos})
	}
}

func (s *Server) terminalInfos(ctx context.Context) ([]models.TerminalInfo, error) {
	terminals, err := models.GetAll[models.Terminal](ctx, s.Store, models.CollectionTerminals)
	if err != nil {
		return nil, err
	}
	now := s.now()
	infos := make([]models.TerminalInfo, 0, len(terminals))
	for _, t := range terminals {
		if !t.Deleted {
			infos = append(infos, t.Info(now, s.OnlineWindow))
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TerminalId < infos[j].TerminalId })
	return infos, nil
}

func (s *Server) OperationalStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		out := OperationalStatusResponse{ServerTime: s.now()}
		for _, collection := range OperationalCollections() {
			pending, err := s.Store.List(ctx, pendingCollection(collection))
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			meta, err := s.metadata(ctx, collection)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out.Queues = append(out.Queues, QueueStatus{
				Collection: collection,
				Pending:    len(pending),
				Version:    meta.Version,
				ItemCount:  meta.ItemCount,
				LastUpdate: meta.LastUpdated,
			})
		}
		infos, err := s.terminalInfos(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out.TerminalsTotal = len(infos)
		for _, info := range infos {
			if info.Online {
				out.TerminalsOnline++
			}
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) ConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, err := s.Store.Get(c.Request.Context(), models.CollectionConfig, ConfigDocumentId)
		if errors.Is(err, utils.ErrorRecordNotFound) || (err == nil && doc.Deleted) {
			c.JSON(http.StatusNotFound, gin.H{"error": "business configuration has not been pushed yet, push it from the primary terminal"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", doc.Body)
	}
}

// ResetHandler drops everything a terminal queued that the master has not drained yet.
func (s *Server) ResetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		terminalId := c.Param("terminalId")
		ctx := c.Request.Context()
		out := ResetResponse{TerminalId: terminalId, Removed: map[string]int{}}

		for _, collection := range OperationalCollections() {
			queue := pendingCollection(collection)
			err := s.withLock(ctx, workflow.CollectionLockKey(queue), func() error {
				docs, err := s.Store.List(ctx, queue)
				if err != nil {
					return err
				}
				kept := make([]models.Document, 0, len(docs))
				for _, d := range docs {
					var owner struct {
						TerminalId string `json:"terminalId"`
					}
					_ = json.Unmarshal(d.Body, &owner)
					if owner.TerminalId == terminalId {
						out.Removed[collection]++
						continue
					}
					kept = append(kept, d)
				}
				if out.Removed[collection] == 0 {
					return nil
				}
				return s.Store.Save(ctx, queue, kept)
			})
			if err != nil {
				config.LogError(s.Logger, "handlers.go", "ResetHandler", collection, terminalId, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		_ = s.withLock(ctx, workflow.CollectionLockKey(models.CollectionTerminals), func() error {
			t, err := models.FindOne[models.Terminal](ctx, s.Store, models.CollectionTerminals, terminalId)
			if err != nil || t == nil {
				return err
			}
			t.LastSeenAt = nil
			t.UpdatedAt = s.now()
			return models.UpsertOne(ctx, s.Store, models.CollectionTerminals, *t)
		})

		s.Bus.Publish(SyncEvent{Kind: EventDeleted, Collection: models.CollectionTerminals, DocumentId: terminalId})
		if s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{
				"event":       "sync.server.terminal_reset",
				"terminal_id": terminalId,
				"removed":     out.Removed,
			}).Warn("terminal data reset")
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) StockBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stocks, err := s.Ledger.StockBalances(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]models.ProductStock, 0, len(stocks))
		for _, st := range stocks {
			if !st.Deleted {
				items = append(items, st)
			}
		}
		c.JSON(http.StatusOK, StockBalancesResponse{Items: items})
	}
}

func (s *Server) KardexHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId := c.Param("productId")
		warehouseId := c.Query("warehouseId")
		lines, err := s.Ledger.Kardex(c.Request.Context(), productId, warehouseId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if lines == nil {
			lines = []models.KardexLine{}
		}
		if c.Query("format") == "xlsx" {
			if err := writeKardexXlsx(c.Writer, productId, lines); err != nil {
				config.LogError(s.Logger, "handlers.go", "KardexHandler", "writeKardexXlsx", productId, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to write file"})
			}
			return
		}
		c.JSON(http.StatusOK, KardexResponse{ProductId: productId, Lines: lines})
	}
}

// HistoryHandler lists what a terminal recorded, drained or still queued.
func (s *Server) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		terminalId := c.Param("terminalId")
		ctx := c.Request.Context()
		txs, err := terminalHistory[models.Transaction](ctx, s.Store, models.CollectionTransactions, terminalId,
			func(t models.Transaction) string { return t.TerminalId })
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		cash, err := terminalHistory[models.CashMovement](ctx, s.Store, models.CollectionCashMovements, terminalId,
			func(m models.CashMovement) string { return m.TerminalId })
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		zs, err := terminalHistory[models.ZReport](ctx, s.Store, models.CollectionZReports, terminalId,
			func(z models.ZReport) string { return z.TerminalId })
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, HistoryResponse{TerminalId: terminalId, Transactions: txs, CashMovements: cash, ZReports: zs})
	}
}

func terminalHistory[T models.Operational[T]](ctx context.Context, store models.Store, collection, terminalId string, owner func(T) string) ([]T, error) {
	seen := map[string]struct{}{}
	out := []T{}
	for _, name := range []string{collection, pendingCollection(collection)} {
		docs, err := store.List(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			if d.Deleted {
				continue
			}
			item, err := models.FromDocument[T](d)
			if err != nil {
				return nil, err
			}
			if owner(item) != terminalId {
				continue
			}
			if _, dup := seen[item.GetId()]; dup {
				continue
			}
			seen[item.GetId()] = struct{}{}
			out = append(out, item)
		}
	}
	sortByBusinessTime(out)
	return out, nil
}

// FiscalLeaseHandler leases a block from the authoritative fiscal ranges.
func (s *Server) FiscalLeaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FiscalLeaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": utils.ProcessValidationErrors(err)})
			return
		}
		ctx := c.Request.Context()
		terminalId, _ := utils.GetTerminalIdFromContext(ctx)

		if req.BatchSize == 0 {
			req.BatchSize = s.DefaultBatchSize
		}
		var lease *models.FiscalLease
		err := s.withLock(ctx, workflow.CollectionLockKey(models.CollectionFiscalRanges), func() error {
			var err error
			lease, err = s.Pool.Lease(ctx, req.Type, req.BatchSize)
			return err
		})
		if err != nil {
			if reason := workflow.FiscalFailureReason(err); reason != "" {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "details": map[string]string{"reason": reason}})
				return
			}
			config.LogError(s.Logger, "handlers.go", "FiscalLeaseHandler", req.Type, terminalId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if _, err := s.bumpVersion(ctx, models.CollectionFiscalRanges); err != nil {
			config.LogError(s.Logger, "handlers.go", "FiscalLeaseHandler", "bumpVersion", req.Type, err)
		}
		s.Bus.Publish(SyncEvent{Kind: EventUpdated, Collection: models.CollectionFiscalRanges, DocumentId: lease.RangeId, TerminalId: terminalId})
		if s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{
				"event":       "sync.server.fiscal_leased",
				"terminal_id": terminalId,
				"type":        lease.Type,
				"start":       lease.Start,
				"end":         lease.End,
			}).Info("fiscal batch leased to terminal")
		}
		c.JSON(http.StatusOK, FiscalLeaseResponse{Lease: *lease})
	}
}
