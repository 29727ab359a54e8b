package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/utils"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const apiPrefix = "/api/sync"

var (
	ErrUnauthorized = errors.New("sync server rejected terminal credentials")
	ErrOffline      = errors.New("sync server unreachable")

	errSessionExpired = errors.New("session expired")
)

type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sync api error: %s", e.Status)
	}
	return fmt.Sprintf("sync api error: %s: %s", e.Status, e.Body)
}

// Message returns the server's error text when the body is an ErrorResponse.
func (e *APIError) Message() (string, map[string]string) {
	var body ErrorResponse
	if err := json.Unmarshal([]byte(e.Body), &body); err != nil || body.Error == "" {
		return e.Body, nil
	}
	return body.Error, body.Details
}

type ClientState string

const (
	StateUnauthenticated ClientState = "UNAUTHENTICATED"
	StateAuthenticating  ClientState = "AUTHENTICATING"
	StateAuthenticated   ClientState = "AUTHENTICATED"
	StateOffline         ClientState = "OFFLINE"
)

type ClientOptions struct {
	BaseURL           string
	TerminalId        string
	DeviceToken       string
	Name              string
	IsPrimary         bool
	AttemptTimeout    time.Duration
	RetryBudget       int
	RetryInitialDelay time.Duration
	Logger            *logrus.Logger
}

// Client talks to the sync server on behalf of one terminal.
type Client struct {
	http   *resty.Client
	opts   ClientOptions
	logger *logrus.Logger
	tracer trace.Tracer

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	authMu    sync.Mutex
	mu        sync.RWMutex
	state     ClientState
	token     string
	isPrimary bool
}

func NewClient(opts ClientOptions) *Client {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = config.DefaultAttemptTimeout
	}
	if opts.RetryBudget < 0 {
		opts.RetryBudget = 0
	}
	if opts.RetryInitialDelay <= 0 {
		opts.RetryInitialDelay = config.DefaultRetryInitialDelay
	}
	if opts.Logger == nil {
		opts.Logger = config.GetLogger()
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")+apiPrefix).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetTimeout(opts.AttemptTimeout)

	return &Client{
		http:      httpClient,
		opts:      opts,
		logger:    opts.Logger,
		tracer:    otel.Tracer("possync"),
		sleep:     sleepContext,
		state:     StateUnauthenticated,
		isPrimary: opts.IsPrimary,
	}
}

func NewClientFromConfig(cfg config.TerminalConfig) *Client {
	return NewClient(ClientOptions{
		BaseURL:           cfg.MasterURL,
		TerminalId:        cfg.TerminalId,
		DeviceToken:       cfg.DeviceToken,
		IsPrimary:         cfg.IsPrimaryNode,
		AttemptTimeout:    cfg.AttemptTimeout,
		RetryBudget:       cfg.RetryBudget,
		RetryInitialDelay: cfg.RetryInitialDelay,
	})
}

func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsPrimary reports the role the server confirmed at the last authentication.
func (c *Client) IsPrimary() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isPrimary
}

func (c *Client) TerminalId() string { return c.opts.TerminalId }

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// clearToken drops stale, unless another caller already replaced it.
func (c *Client) clearToken(stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == stale {
		c.token = ""
		c.state = StateUnauthenticated
	}
}

func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	var out PingResponse
	err := c.traced(ctx, "Ping", func(ctx context.Context) error {
		resp, err := c.send(ctx, http.MethodPost, "/ping", nil, nil, "")
		if err != nil {
			return err
		}
		return decode(resp, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Authenticate exchanges the device token for a session token.
func (c *Client) Authenticate(ctx context.Context) error {
	return c.traced(ctx, "Authenticate", func(ctx context.Context) error {
		c.authMu.Lock()
		defer c.authMu.Unlock()
		return c.authenticateLocked(ctx)
	})
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	c.setState(StateAuthenticating)
	resp, err := c.send(ctx, http.MethodPost, "/auth", nil, AuthRequest{
		TerminalId:    c.opts.TerminalId,
		DeviceToken:   c.opts.DeviceToken,
		Name:          c.opts.Name,
		IsPrimaryNode: c.opts.IsPrimary,
	}, "")
	if err != nil {
		if errors.Is(err, errSessionExpired) {
			c.setState(StateUnauthenticated)
			return fmt.Errorf("terminal %s: %w", c.opts.TerminalId, ErrUnauthorized)
		}
		if !errors.Is(err, ErrOffline) {
			c.setState(StateUnauthenticated)
		}
		return err
	}
	var out AuthResponse
	if err := decode(resp, &out); err != nil {
		c.setState(StateUnauthenticated)
		return err
	}
	if out.Token == "" {
		c.setState(StateUnauthenticated)
		return fmt.Errorf("terminal %s: empty token: %w", c.opts.TerminalId, ErrUnauthorized)
	}

	c.mu.Lock()
	c.token = out.Token
	c.isPrimary = out.IsPrimaryNode
	c.state = StateAuthenticated
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"event":       "sync.client.authenticated",
			"terminal_id": c.opts.TerminalId,
			"is_primary":  out.IsPrimaryNode,
		}).Info("terminal authenticated")
	}
	return nil
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	if token := c.currentToken(); token != "" {
		return token, nil
	}
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if token := c.currentToken(); token != "" {
		return token, nil
	}
	if err := c.authenticateLocked(ctx); err != nil {
		return "", err
	}
	return c.currentToken(), nil
}

// call runs one authenticated request. A rejected session is renewed once and the
// request retried once.
func (c *Client) call(ctx context.Context, method, path string, query map[string]string, body any, out any) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, method, path, query, body, token)
	if errors.Is(err, errSessionExpired) {
		c.clearToken(token)
		if token, err = c.ensureToken(ctx); err != nil {
			return err
		}
		resp, err = c.send(ctx, method, path, query, body, token)
		if errors.Is(err, errSessionExpired) {
			c.clearToken(token)
			return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
		}
	}
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(resp, out)
}

// send performs the request with bounded backoff for transient failures only.
func (c *Client) send(ctx context.Context, method, path string, query map[string]string, body any, token string) (*resty.Response, error) {
	delay := c.opts.RetryInitialDelay
	for attempt := 0; ; attempt++ {
		resp, err := c.attempt(ctx, method, path, query, body, token)
		if err == nil {
			if resp.IsSuccess() {
				if token != "" {
					c.setState(StateAuthenticated)
				}
				return resp, nil
			}
			if resp.StatusCode() == http.StatusUnauthorized {
				return nil, errSessionExpired
			}
			apiErr := &APIError{StatusCode: resp.StatusCode(), Status: resp.Status(), Body: strings.TrimSpace(resp.String())}
			if !retryableStatus(resp.StatusCode()) {
				return nil, apiErr
			}
			err = apiErr
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		} else if !retryableTransport(err) {
			c.setState(StateOffline)
			return nil, fmt.Errorf("%s %s: %w: %w", method, path, ErrOffline, err)
		}

		if attempt >= c.opts.RetryBudget {
			c.setState(StateOffline)
			if c.logger != nil {
				c.logger.WithFields(logrus.Fields{
					"event":    "sync.client.offline",
					"method":   method,
					"path":     path,
					"attempts": attempt + 1,
				}).Warn(err.Error())
			}
			return nil, fmt.Errorf("%s %s after %d attempts: %w: %w", method, path, attempt+1, ErrOffline, err)
		}
		if serr := c.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
		delay *= 2
	}
}

func (c *Client) attempt(ctx context.Context, method, path string, query map[string]string, body any, token string) (*resty.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	req := c.http.R().SetContext(attemptCtx)
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok && cid != "" {
		req.SetHeader("x-correlation-id", cid)
	}
	if token != "" {
		req.SetAuthToken(token)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	return req.Execute(method, path)
}

func retryableStatus(code int) bool {
	return code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

func retryableTransport(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func decode(resp *resty.Response, out any) error {
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode sync response: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) traced(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "possync.client."+op, trace.WithAttributes(
		attribute.String("sync.terminal_id", c.opts.TerminalId),
	))
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) tracedCall(ctx context.Context, op, method, path string, query map[string]string, body any, out any) error {
	return c.traced(ctx, op, func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("http.method", method), attribute.String("sync.path", path))
		return c.call(ctx, method, path, query, body, out)
	})
}

// Push replaces the server copy of collection with items.
func (c *Client) Push(ctx context.Context, collection string, items []json.RawMessage) (*PushResponse, error) {
	if items == nil {
		items = []json.RawMessage{}
	}
	var out PushResponse
	if err := c.tracedCall(ctx, "Push", http.MethodPost, "/collections/"+collection+"/push", nil, PushRequest{Items: items}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PushTransaction(ctx context.Context, tx models.Transaction) (*AppendResponse, error) {
	return c.appendOne(ctx, "PushTransaction", "/transactions", tx)
}

func (c *Client) PushInventoryMovement(ctx context.Context, entry models.LedgerEntry) (*AppendResponse, error) {
	return c.appendOne(ctx, "PushInventoryMovement", "/inventory/movements", entry)
}

func (c *Client) PushCashMovement(ctx context.Context, m models.CashMovement) (*AppendResponse, error) {
	return c.appendOne(ctx, "PushCashMovement", "/cash/movements", m)
}

func (c *Client) PushZReport(ctx context.Context, z models.ZReport) (*AppendResponse, error) {
	return c.appendOne(ctx, "PushZReport", "/z-reports", z)
}

func (c *Client) appendOne(ctx context.Context, op, path string, item any) (*AppendResponse, error) {
	var out AppendResponse
	if err := c.tracedCall(ctx, op, http.MethodPost, path, nil, item, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pull fetches the full snapshot of collection unless the server is still at sinceVersion.
func (c *Client) Pull(ctx context.Context, collection string, sinceVersion int64) (*DataResponse, error) {
	var query map[string]string
	if sinceVersion > 0 {
		query = map[string]string{"sinceVersion": strconv.FormatInt(sinceVersion, 10)}
	}
	var out DataResponse
	if err := c.tracedCall(ctx, "Pull", http.MethodGet, "/collections/"+collection+"/data", query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PullDelta fetches what changed after since. A nil since asks for everything.
func (c *Client) PullDelta(ctx context.Context, collection string, since *time.Time) (*DeltaResponse, error) {
	var query map[string]string
	if since != nil && !since.IsZero() {
		query = map[string]string{"since": since.UTC().Format(time.RFC3339Nano)}
	}
	var out DeltaResponse
	if err := c.tracedCall(ctx, "PullDelta", http.MethodGet, "/delta/"+collection, query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetMetadata(ctx context.Context, collection string) (*MetadataResponse, error) {
	var out MetadataResponse
	if err := c.tracedCall(ctx, "GetMetadata", http.MethodGet, "/collections/"+collection+"/metadata", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PullPendingTransactions(ctx context.Context) ([]models.Transaction, error) {
	return pullPending[models.Transaction](ctx, c, "PullPendingTransactions", models.CollectionTransactions)
}

func (c *Client) PullPendingInventoryMovements(ctx context.Context) ([]models.LedgerEntry, error) {
	return pullPending[models.LedgerEntry](ctx, c, "PullPendingInventoryMovements", models.CollectionInventoryLedger)
}

func (c *Client) PullPendingCashMovements(ctx context.Context) ([]models.CashMovement, error) {
	return pullPending[models.CashMovement](ctx, c, "PullPendingCashMovements", models.CollectionCashMovements)
}

func (c *Client) PullPendingZReports(ctx context.Context) ([]models.ZReport, error) {
	return pullPending[models.ZReport](ctx, c, "PullPendingZReports", models.CollectionZReports)
}

func pullPending[T any](ctx context.Context, c *Client, op, collection string) ([]T, error) {
	var out PendingResponse
	if err := c.tracedCall(ctx, op, http.MethodGet, pendingPaths[collection], nil, nil, &out); err != nil {
		return nil, err
	}
	items := make([]T, 0, len(out.Items))
	for _, raw := range out.Items {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode pending item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// AckPending tells the server the master has stored ids, which leave the queue.
func (c *Client) AckPending(ctx context.Context, collection string, ids []string) (*PendingAckResponse, error) {
	path, ok := pendingPaths[collection]
	if !ok {
		return nil, fmt.Errorf("no pending queue for %s", collection)
	}
	if len(ids) == 0 {
		return &PendingAckResponse{}, nil
	}
	var out PendingAckResponse
	if err := c.tracedCall(ctx, "AckPending", http.MethodPost, path+"/ack", nil, PendingAckRequest{Ids: ids}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetConnectedTerminals(ctx context.Context) ([]models.TerminalInfo, error) {
	var out TerminalsResponse
	if err := c.tracedCall(ctx, "GetConnectedTerminals", http.MethodGet, "/terminals", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Terminals, nil
}

func (c *Client) ResetTerminalData(ctx context.Context, terminalId string) (*ResetResponse, error) {
	var out ResetResponse
	if err := c.tracedCall(ctx, "ResetTerminalData", http.MethodPost, "/reset/"+terminalId, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetConfig(ctx context.Context) (*config.BusinessConfig, error) {
	var out config.BusinessConfig
	if err := c.tracedCall(ctx, "GetConfig", http.MethodGet, "/config", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetOperationalStatus(ctx context.Context) (*OperationalStatusResponse, error) {
	var out OperationalStatusResponse
	if err := c.tracedCall(ctx, "GetOperationalStatus", http.MethodGet, "/operational-status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetStockBalances(ctx context.Context) ([]models.ProductStock, error) {
	var out StockBalancesResponse
	if err := c.tracedCall(ctx, "GetStockBalances", http.MethodGet, "/inventory/stock-balances", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// GetKardex returns a product's movements with running balances; an empty warehouseId means all.
func (c *Client) GetKardex(ctx context.Context, productId, warehouseId string) ([]models.KardexLine, error) {
	var query map[string]string
	if warehouseId != "" {
		query = map[string]string{"warehouseId": warehouseId}
	}
	var out KardexResponse
	if err := c.tracedCall(ctx, "GetKardex", http.MethodGet, "/inventory/kardex/"+productId, query, nil, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

func (c *Client) GetHistory(ctx context.Context, terminalId string) (*HistoryResponse, error) {
	var out HistoryResponse
	if err := c.tracedCall(ctx, "GetHistory", http.MethodGet, "/history/"+terminalId, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LeaseFiscalBatch(ctx context.Context, fiscalType string, batchSize int) (*models.FiscalLease, error) {
	var out FiscalLeaseResponse
	err := c.tracedCall(ctx, "LeaseFiscalBatch", http.MethodPost, "/fiscal/lease", nil,
		FiscalLeaseRequest{Type: fiscalType, BatchSize: batchSize}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Lease, nil
}
