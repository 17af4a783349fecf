package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"SmartFlow/internal/domain/models"
	drepo "SmartFlow/internal/domain/repository"
	"SmartFlow/internal/service/ratelimit"
	xhttp "SmartFlow/pkg/http"
	"SmartFlow/pkg/logger"

	"github.com/gorilla/websocket"
)

// Client implements a FlowStream backed by the KIS open-api WebSocket. A
// short-lived approval key is fetched over REST before the socket is dialed,
// then one investor-flow subscription is sent per configured market.
type Client struct {
	baseURL        string
	websocketURL   string
	appKey         string
	appSecret      string
	markets        []string
	reconnectDelay time.Duration
	pingInterval   time.Duration

	rest       *xhttp.Client
	rl         *ratelimit.Limiter
	restBudget float64
	log        *logger.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	approvalKey string
	connected   bool
	gen         int // bumped on every successful Connect
}

// Option configures Client.
type Option func(*Client)

// WithPingInterval overrides the keepalive cadence.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

// WithRateLimit caps outbound REST calls per minute.
func WithRateLimit(perMinute int) Option {
	return func(c *Client) {
		if perMinute > 0 {
			c.rl = ratelimit.New()
			c.restBudget = float64(perMinute)
		}
	}
}

// New creates a KIS FlowStream.
func New(baseURL, websocketURL, appKey, appSecret string, markets []string, reconnectDelay time.Duration, log *logger.Logger, opts ...Option) drepo.FlowStream {
	c := &Client{
		baseURL:        baseURL,
		websocketURL:   websocketURL,
		appKey:         appKey,
		appSecret:      appSecret,
		markets:        markets,
		reconnectDelay: reconnectDelay,
		pingInterval:   30 * time.Second,
		rest:           xhttp.NewClient(),
		log:            log,
		restBudget:     20,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

// fetchApprovalKey requests the WebSocket approval key over REST.
func (c *Client) fetchApprovalKey(ctx context.Context) (string, error) {
	if c.rl != nil && !c.rl.Allow("kis:rest", c.restBudget, c.restBudget/60) {
		return "", fmt.Errorf("kis rest rate limit exceeded")
	}
	var res approvalResponse
	err := c.rest.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    c.baseURL + "/oauth2/Approval",
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.appKey,
			"secretkey":  c.appSecret,
		},
	}, &res)
	if err != nil {
		return "", fmt.Errorf("kis approval: %w", err)
	}
	if res.ApprovalKey == "" {
		return "", fmt.Errorf("kis approval: empty key")
	}
	return res.ApprovalKey, nil
}

// Connect fetches the approval key and dials the WebSocket.
func (c *Client) Connect(ctx context.Context) error {
	key, err := c.fetchApprovalKey(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.websocketURL, nil)
	if err != nil {
		return fmt.Errorf("kis connect: %w", err)
	}

	c.mu.Lock()
	c.approvalKey = key
	c.conn = conn
	c.connected = true
	c.gen++
	c.mu.Unlock()

	c.log.Info("kis: connected", logger.String("url", c.websocketURL))
	return nil
}

// Subscribe registers the investor-flow feed for every configured market.
func (c *Client) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	conn, key, connected := c.conn, c.approvalKey, c.connected
	c.mu.Unlock()
	if conn == nil || !connected {
		return fmt.Errorf("kis not connected")
	}

	for _, m := range c.markets {
		msg := map[string]interface{}{
			"header": map[string]string{
				"approval_key": key,
				"custtype":     "P",
				"tr_type":      "1",
				"content-type": "utf-8",
			},
			"body": map[string]interface{}{
				"input": map[string]string{
					"tr_id":  "H0UPANC0",
					"tr_key": m,
				},
			},
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("kis subscribe %s: %w", m, err)
		}
		c.log.Info("kis: subscribed", logger.String("market", m))
	}
	return nil
}

type kisFlowSide struct {
	BuyAmount  int64 `json:"buy_amt"`
	SellAmount int64 `json:"sell_amt"`
	BuyVolume  int64 `json:"buy_vol"`
	SellVolume int64 `json:"sell_vol"`
}

type kisFlowFrame struct {
	Type string `json:"type"`
	Data []struct {
		Code        string      `json:"code"`
		Market      string      `json:"market"`
		Ts          int64       `json:"ts"` // ms
		Foreign     kisFlowSide `json:"frgn"`
		Institution kisFlowSide `json:"orgn"`
		Individual  kisFlowSide `json:"prsn"`
		ProgramBuy  int64       `json:"pgm_buy_amt"`
		ProgramSell int64       `json:"pgm_sell_amt"`
	} `json:"data"`
}

// Read streams flow records and errors.
func (c *Client) Read(ctx context.Context) (<-chan *models.FlowRecord, <-chan error) {
	records := make(chan *models.FlowRecord, 1024)
	errs := make(chan error, 1)

	// ping loop
	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					_ = conn.WriteMessage(websocket.PingMessage, nil)
				}
			}
		}
	}()

	// read loop: survives reconnects. On a socket error it reports once,
	// then waits for Reconnect to install a fresh connection and resumes.
	go func() {
		defer close(records)
		defer close(errs)
		for ctx.Err() == nil {
			c.mu.Lock()
			conn, gen := c.conn, c.gen
			c.mu.Unlock()
			if conn == nil {
				if !c.awaitNewConn(ctx, gen) {
					return
				}
				continue
			}
			_, b, err := conn.ReadMessage()
			if err != nil {
				select {
				case errs <- fmt.Errorf("kis read: %w", err):
				default:
				}
				if !c.awaitNewConn(ctx, gen) {
					return
				}
				continue
			}
			var frame kisFlowFrame
			if err := json.Unmarshal(b, &frame); err != nil {
				// control frames and pingpong answers are not JSON
				continue
			}
			if frame.Type != "investor_flow" {
				continue
			}
			for _, d := range frame.Data {
				r := &models.FlowRecord{
					InstrumentID: d.Code,
					Market:       models.Market(d.Market),
					Timestamp:    time.Unix(d.Ts/1000, 0).UTC(),
					Foreign:      models.ClassFlow(d.Foreign),
					Institution:  models.ClassFlow(d.Institution),
					Individual:   models.ClassFlow(d.Individual),

					ProgramBuyAmount:  d.ProgramBuy,
					ProgramSellAmount: d.ProgramSell,
				}
				select {
				case records <- r:
				default:
					// drop on backpressure
				}
			}
		}
	}()

	return records, errs
}

// awaitNewConn blocks until a connection newer than lastGen is installed.
// Returns false when the context ends first.
func (c *Client) awaitNewConn(ctx context.Context, lastGen int) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			c.mu.Lock()
			ready := c.gen != lastGen && c.conn != nil
			c.mu.Unlock()
			if ready {
				return true
			}
		}
	}
}

// Reconnect closes and re-establishes the stream with its subscriptions.
func (c *Client) Reconnect(ctx context.Context) error {
	_ = c.Close()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.reconnectDelay):
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.Subscribe(ctx)
}

// Close closes the WS connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// IsConnected indicates status.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
