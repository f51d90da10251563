package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/openclaw-community/openclaw-hub/internal/circuitbreaker"
	"github.com/openclaw-community/openclaw-hub/internal/store"
)

const webhookQueueCap = 100

// webhookChannel is a bounded, drop-oldest, non-blocking dispatch queue for
// the ALERT_WEBHOOK_URL channel, wrapped in a circuit breaker so a dead
// endpoint can't stall the alert check loop.
type webhookChannel struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	mu     sync.Mutex
	queue  []store.Alert
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

func newWebhookChannel(url string, logger *slog.Logger) *webhookChannel {
	return &webhookChannel{
		url:     url,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: circuitbreaker.New(circuitbreaker.WithThreshold(3), circuitbreaker.WithCooldown(30*time.Second)),
		logger:  logger,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *webhookChannel) start() { go c.run() }

func (c *webhookChannel) shutdown() {
	close(c.stop)
	<-c.done
}

// enqueue appends an alert to the queue, dropping the oldest entry once the
// queue is full, and wakes the drain loop without blocking the caller.
func (c *webhookChannel) enqueue(a store.Alert) {
	c.mu.Lock()
	if len(c.queue) >= webhookQueueCap {
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, a)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *webhookChannel) run() {
	defer close(c.done)
	for {
		select {
		case <-c.notify:
			c.drain()
		case <-c.stop:
			return
		}
	}
}

func (c *webhookChannel) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		a := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if !c.breaker.Allow() {
			c.logger.Warn("alert webhook circuit open, dropping alert", slog.String("dedup_key", a.DedupKey))
			continue
		}
		if err := c.post(a); err != nil {
			c.breaker.RecordFailure()
			c.logger.Warn("alert webhook post failed", slog.String("dedup_key", a.DedupKey), slog.String("error", err.Error()))
			continue
		}
		c.breaker.RecordSuccess()
	}
}

func (c *webhookChannel) post(a store.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}
