package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mymyanmarland/claw-chat/internal/metrics"
	"github.com/mymyanmarland/claw-chat/internal/providers"
)

var ErrUpstream = errors.New("upstream error")

// UpstreamError is a non-2xx response or a response without a body.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Upstream error %d", e.Status)
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

type State int

const (
	StateIdle State = iota
	StateDispatching
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one exchange. Text holds every delta forwarded
// to the client, concatenated, even when the exchange failed part way.
type Result struct {
	State  State
	Model  string
	Text   string
	Tokens int
	Err    error
}

func (r Result) Completed() bool { return r.State == StateCompleted }

type Config struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
}

// Relay pipes one upstream completion stream to one client. It never
// retries: the first failure ends the exchange with a single error event.
type Relay struct {
	client  *http.Client
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func New(cfg Config) *Relay {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		// No client timeout: it would cut off long streams.
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/mymyanmarland/claw-chat/internal/relay")
	}
	return &Relay{
		client:  cfg.HTTPClient,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		metrics: m,
		tracer:  cfg.Tracer,
	}
}

// Run builds the upstream request with p, streams it into w and always
// finishes with exactly one done or error event.
func (r *Relay) Run(ctx context.Context, p providers.Provider, in providers.ChatInput, w EventWriter) Result {
	res := Result{State: StateDispatching, Model: p.ResolveModel(in.Model)}

	ctx, span := r.tracer.Start(ctx, "relay.Run", trace.WithAttributes(
		attribute.String("llm.mode", p.Mode()),
		attribute.String("llm.model", res.Model),
	))
	defer span.End()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	log := r.logger.With().Str("mode", p.Mode()).Str("model", res.Model).Str("user", in.User).Logger()

	fail := func(err error, reason string) Result {
		res.State = StateFailed
		res.Err = err
		r.metrics.UpstreamFailures.WithLabelValues(reason).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		log.Warn().Err(err).Str("reason", reason).Int("tokens", res.Tokens).Msg("chat relay failed")
		_ = w.WriteError(clientMessage(err, reason))
		return res
	}

	upstream, err := p.BuildRequest(in)
	if err != nil {
		return fail(err, "config")
	}
	req, err := upstream.HTTPRequest(ctx)
	if err != nil {
		return fail(err, "request")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrTransport, err), "transport")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.Body == nil {
		return fail(&UpstreamError{Status: resp.StatusCode}, "status")
	}

	res.State = StateStreaming
	var text strings.Builder
	clientGone := false
	err = ReadDeltas(resp.Body, func(delta string) {
		text.WriteString(delta)
		res.Tokens++
		r.metrics.TokensRelayed.Inc()
		if werr := w.WriteToken(delta); werr != nil && !clientGone {
			clientGone = true
			log.Debug().Err(werr).Msg("client stopped reading, continuing upstream read")
		}
	})
	res.Text = text.String()
	if err != nil {
		return fail(err, "read")
	}

	res.State = StateCompleted
	span.SetAttributes(attribute.Int("llm.tokens", res.Tokens))
	log.Info().Int("tokens", res.Tokens).Int("chars", len(res.Text)).Msg("chat relay completed")
	_ = w.WriteDone()
	return res
}

// ErrTransport is what the client sees when the upstream could not be
// reached. The full error, with the upstream address, stays in the log.
var ErrTransport = errors.New("upstream request failed")

func clientMessage(err error, reason string) string {
	if reason == "transport" {
		return ErrTransport.Error()
	}
	if err == nil || strings.TrimSpace(err.Error()) == "" {
		return "chat failed"
	}
	return err.Error()
}
