// Package interactions provides a client for the external drug interaction
// and PDMP gateway. Calls are wrapped in a circuit breaker so a slow or
// down gateway degrades into advisory-unavailable instead of hanging the
// med window. Results never block dispensing.
package interactions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/caretrack/otp-server/internal/platform/metrics"
)

// requestTimeout bounds a single gateway round trip.
const requestTimeout = 10 * time.Second

// ErrUnavailable is returned when the gateway cannot be reached, times
// out, or the circuit breaker is open.
var ErrUnavailable = errors.New("interaction gateway unavailable")

// Severity of a reported drug interaction.
type Severity string

const (
	SeverityMinor           Severity = "minor"
	SeverityModerate        Severity = "moderate"
	SeverityMajor           Severity = "major"
	SeverityContraindicated Severity = "contraindicated"
)

// Interaction is a single reported interaction between two medications on
// the submitted list.
type Interaction struct {
	DrugA       string   `json:"drug_a"`
	DrugB       string   `json:"drug_b"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// CheckResult is the gateway's answer for one medication list.
type CheckResult struct {
	Interactions []Interaction `json:"interactions"`
	PDMPFlagged  bool          `json:"pdmp_flagged"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// HasMajor reports whether any interaction is major or contraindicated.
func (r *CheckResult) HasMajor() bool {
	for _, ix := range r.Interactions {
		if ix.Severity == SeverityMajor || ix.Severity == SeverityContraindicated {
			return true
		}
	}
	return false
}

// Client talks to the interaction gateway.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewClient builds a Client for the given gateway base URL. An empty URL
// yields a client that always reports the gateway unavailable.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	settings := gobreaker.Settings{
		Name:        "interaction-gateway",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// SetMetrics attaches optional Prometheus metrics.
func (c *Client) SetMetrics(m *metrics.Metrics) { c.metrics = m }

func (c *Client) observe(outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.InteractionChecks.WithLabelValues(outcome).Inc()
	c.metrics.CircuitBreakerState.WithLabelValues("interaction-gateway").Set(breakerStateValue(c.breaker.State()))
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

type checkRequest struct {
	Medications []string `json:"medications"`
}

// Check submits a medication name list to the gateway and returns its
// advisory result.
func (c *Client) Check(ctx context.Context, medications []string) (*CheckResult, error) {
	if c.baseURL == "" {
		return nil, ErrUnavailable
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doCheck(ctx, medications)
	})
	if err != nil {
		c.observe("unavailable")
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn().Msg("interaction check short-circuited")
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	checked := result.(*CheckResult)
	if checked.HasMajor() {
		c.observe("major")
	} else {
		c.observe("clear")
	}
	return checked, nil
}

func (c *Client) doCheck(ctx context.Context, medications []string) (*CheckResult, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := json.Marshal(checkRequest{Medications: medications})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/interactions/check", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var result CheckResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding gateway response: %w", err)
	}
	if result.CheckedAt.IsZero() {
		result.CheckedAt = time.Now().UTC()
	}

	return &result, nil
}
