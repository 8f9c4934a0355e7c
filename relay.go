package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"perplexity-relay/internal/constants"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// maxUpstreamErrorBody caps how much of a failed upstream response is copied
// into the error message returned to the browser.
const maxUpstreamErrorBody = 64 * 1024

// UpstreamStatusError is returned when the completions API answers with a
// non-2xx status.
type UpstreamStatusError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("Perplexity API error: %d - %s", e.StatusCode, e.Body)
}

// Relay forwards chat requests to the completions API and re-streams the
// response as server-sent events. A Relay holds no per-request state and is
// safe for concurrent use.
type Relay struct {
	Credentials CredentialLoader
	Transport   http.RoundTripper
	Endpoint    string

	// IdleTimeout bounds the gap between two upstream lines. Zero disables it.
	IdleTimeout time.Duration

	// Logger receives per-request entries. Nil means the package logger.
	Logger *logrus.Logger
}

// NewRelay creates a relay for endpoint using the given credential source,
// base transport and logger.
func NewRelay(credentials CredentialLoader, transport http.RoundTripper, endpoint string, idleTimeout time.Duration, logger *logrus.Logger) *Relay {
	return &Relay{
		Credentials: credentials,
		Transport:   transport,
		Endpoint:    endpoint,
		IdleTimeout: idleTimeout,
		Logger:      logger,
	}
}

// chatHandler handles the POST /api/chat endpoint
func (r *Relay) chatHandler(c *gin.Context) {
	base := r.Logger
	if base == nil {
		base = log
	}
	logger := requestLogger(base, c).WithField("upstream", r.Endpoint)

	apiKey, err := r.Credentials.LoadCredential()
	if err != nil {
		logger.WithError(err).Error("Failed to get API key")
		relayRequestsTotal.WithLabelValues(outcomeNoCredential).Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "API key not found"})
		return
	}

	// The upstream call lives exactly as long as the inbound request unless
	// the idle watchdog cancels it first.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	resp, err := r.forward(ctx, c.Request.Body, apiKey, logger)
	if err != nil {
		var statusErr *UpstreamStatusError
		if errors.As(err, &statusErr) {
			logger.WithField("status_code", statusErr.StatusCode).Error(statusErr.Error())
			relayRequestsTotal.WithLabelValues(outcomeUpstreamError).Inc()
			c.JSON(statusErr.StatusCode, gin.H{"error": statusErr.Error()})
			return
		}

		errorMsg := fmt.Sprintf("Error in proxy_perplexity: %v", err)
		logger.WithField("stack", string(debug.Stack())).Error(errorMsg)
		relayRequestsTotal.WithLabelValues(outcomeError).Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorMsg})
		return
	}

	relayRequestsTotal.WithLabelValues(outcomeOK).Inc()
	r.stream(c, NewEventStream(resp.Body), cancel, logger)
}

// forward sends the inbound JSON body unchanged to the upstream endpoint. A
// nil error means the upstream answered 2xx and the caller owns resp.Body.
func (r *Relay) forward(ctx context.Context, inbound io.Reader, apiKey string, logger *logrus.Entry) (*http.Response, error) {
	if inbound == nil {
		return nil, errors.New("request body is empty")
	}
	payload, err := io.ReadAll(inbound)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if !json.Valid(payload) {
		return nil, errors.New("request body is not valid JSON")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	logger.Debugf("Making request to Perplexity API with key: %s...", credentialPreview(apiKey))

	client := NewHttpClientWithBearerTransport(r.Transport, apiKey)
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending upstream request: %w", err)
	}
	relayUpstreamLatency.Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamErrorBody))
		if err != nil {
			return nil, fmt.Errorf("reading upstream error response: %w", err)
		}
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return resp, nil
}

// stream copies frames from events to the client, flushing after each one.
// Errors here can no longer change the response status, so they only end
// the stream and get logged.
func (r *Relay) stream(c *gin.Context, events *EventStream, cancel context.CancelFunc, logger *logrus.Entry) {
	defer events.Close()

	relayStreamsActive.Inc()
	defer relayStreamsActive.Dec()

	var idle *time.Timer
	if r.IdleTimeout > 0 {
		idle = time.AfterFunc(r.IdleTimeout, func() {
			logger.Warnf("No upstream data for %v, aborting stream", r.IdleTimeout)
			cancel()
		})
		defer idle.Stop()
	}

	header := c.Writer.Header()
	header.Set("Content-Type", constants.EventContentType)
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	for events.Next() {
		if idle != nil {
			idle.Reset(r.IdleTimeout)
		}
		if _, err := c.Writer.Write(events.Frame()); err != nil {
			logger.WithError(err).Warn("Failed to write event to client")
			return
		}
		c.Writer.Flush()
		relayEventsTotal.Inc()
	}

	if err := events.Err(); err != nil {
		if c.Request.Context().Err() != nil {
			logger.Info("Client disconnected, upstream read aborted")
		} else {
			logger.WithError(err).WithField("stack", string(debug.Stack())).Error("Upstream stream ended with error")
		}
		return
	}
	logger.WithField("events", events.Count()).Info("Relay stream completed")
}
