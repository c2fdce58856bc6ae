package task

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"avs/internal/httpclient"
	"avs/internal/logging"
	"avs/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultCheckerPath is the checking service endpoint.
const DefaultCheckerPath = "/process-audio"

// Pipeline calls the checking service and records successful inferences on
// the ledger.
type Pipeline struct {
	client      *http.Client
	keystore    Keystore
	ledger      Ledger
	checkerPath string
	bodyLimit   int64
	scheme      string
	logger      logging.Logger
	metrics     *observability.MetricsCollector
	tracer      *observability.TracerProvider
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithHTTPClient replaces the checker HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Pipeline) { p.client = client }
}

// WithCheckerPath sets the checker endpoint path.
func WithCheckerPath(path string) Option {
	return func(p *Pipeline) {
		if path != "" {
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
			p.checkerPath = path
		}
	}
}

// WithBodyLimit bounds how much of a checker response is read.
func WithBodyLimit(limit int64) Option {
	return func(p *Pipeline) {
		if limit > 0 {
			p.bodyLimit = limit
		}
	}
}

// WithCredentialScheme sets the keystore scheme used for signing.
func WithCredentialScheme(scheme string) Option {
	return func(p *Pipeline) {
		if scheme != "" {
			p.scheme = scheme
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(logger logging.Logger) Option {
	return func(p *Pipeline) { p.logger = logging.OrNop(logger) }
}

// WithMetrics records task metrics.
func WithMetrics(metrics *observability.MetricsCollector) Option {
	return func(p *Pipeline) { p.metrics = metrics }
}

// WithTracer wraps task runs in spans.
func WithTracer(tracer *observability.TracerProvider) Option {
	return func(p *Pipeline) { p.tracer = tracer }
}

// NewPipeline creates a pipeline submitting through ledger with keys from keystore.
func NewPipeline(keystore Keystore, ledger Ledger, opts ...Option) *Pipeline {
	p := &Pipeline{
		keystore:    keystore,
		ledger:      ledger,
		checkerPath: DefaultCheckerPath,
		bodyLimit:   httpclient.DefaultBodyLimit,
		scheme:      SchemeECDSA,
		logger:      logging.NewComponentLogger("task"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = httpclient.NewWithCircuitBreaker(5*time.Minute, p.logger, "checker")
	}
	return p
}

// Run processes one task: it fetches the checker envelope for fileReference
// from checkerAddress (host:port) and submits every usable result.
// Runs are not idempotent; each call issues new transactions.
func (p *Pipeline) Run(ctx context.Context, fileReference, checkerAddress string) (Summary, error) {
	start := time.Now()
	ctx = observability.ContextWithTaskReference(ctx, fileReference)
	ctx, span := p.tracer.StartSpan(ctx, observability.SpanTaskRun)

	scoped := *p
	scoped.logger = logging.With(p.logger, "file_reference", fileReference)
	summary, err := scoped.run(ctx, fileReference, checkerAddress)
	summary.FileReference = fileReference
	span.SetAttributes(
		attribute.Int(observability.AttrSubmitted, summary.Submitted),
		attribute.Int(observability.AttrSkipped, summary.Skipped),
	)
	observability.EndSpan(span, err)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "failure"
	case summary.NoWork:
		outcome = "no_work"
	}
	p.metrics.RecordTaskRun(ctx, outcome, time.Since(start))
	return summary, err
}

func (p *Pipeline) run(ctx context.Context, fileReference, checkerAddress string) (Summary, error) {
	envelope, err := p.fetch(ctx, fileReference, checkerAddress)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{ProcessedCount: envelope.ProcessedFiles, Transactions: []string{}}

	for _, item := range envelope.Results {
		if item.IsError() {
			itemErr := &ItemError{Reference: item.URL, Message: item.ErrorMessage()}
			p.logger.Error("%v", itemErr)
			return summary, itemErr
		}
	}

	if len(envelope.Results) == 0 {
		p.logger.Debug("No files to process")
		summary.NoWork = true
		return summary, nil
	}

	for _, item := range envelope.Results {
		if !item.IsSuccess() || !item.HasPayload() {
			continue
		}

		payload, err := DecodePayload(item.InferenceResult)
		if err != nil {
			p.logger.Warn("Skipping %s: unparseable inference result: %v", item.URL, err)
			p.skip(ctx, &summary, "payload")
			continue
		}

		key, ok := p.signingKey(ctx)
		if !ok {
			p.skip(ctx, &summary, "credential")
			continue
		}

		txID, err := p.submit(ctx, key, item.URL, payload)
		if err != nil {
			return summary, err
		}
		summary.Submitted++
		summary.Transactions = append(summary.Transactions, txID)
	}

	return summary, nil
}

func (p *Pipeline) skip(ctx context.Context, summary *Summary, reason string) {
	summary.Skipped++
	p.metrics.RecordSkippedItem(ctx, reason)
}

func (p *Pipeline) fetch(ctx context.Context, fileReference, checkerAddress string) (*Envelope, error) {
	endpoint := url.URL{Scheme: "http", Host: checkerAddress, Path: p.checkerPath}
	if fileReference != "" {
		endpoint.RawQuery = url.Values{"file": []string{fileReference}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckerRequest, err)
	}
	p.logger.Debug("Sending GET request to %s", endpoint.String())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckerRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, truncated, readErr := httpclient.ReadPrefix(resp.Body, p.bodyLimit)
		if readErr != nil {
			p.logger.Warn("Reading error body from checker: %v", readErr)
		}
		statusErr := &StatusError{Status: resp.StatusCode, Body: string(body), Truncated: truncated}
		p.logger.Error("Request failed: %d. Body: %s", resp.StatusCode, statusErr.Body)
		return nil, statusErr
	}

	body, err := httpclient.ReadAllWithLimit(resp.Body, p.bodyLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeDecode, err)
	}
	p.logger.Debug("Response body: %s", body)

	return DecodeEnvelope(body)
}

// signingKey returns the first credential of the configured scheme whose
// secret can be exposed.
func (p *Pipeline) signingKey(ctx context.Context) (*ecdsa.PrivateKey, bool) {
	creds, err := p.keystore.ListCredentials(ctx, p.scheme)
	if err != nil {
		p.logger.Error("Listing %s credentials failed: %v", p.scheme, err)
		return nil, false
	}
	if len(creds) == 0 {
		p.logger.Error("No %s keys found in keystore", strings.ToUpper(p.scheme))
		return nil, false
	}
	for _, cred := range creds {
		key, err := p.keystore.ExposeSecret(ctx, cred)
		if err != nil {
			p.logger.Warn("Credential %s unusable: %v", cred.ID, err)
			continue
		}
		if key == nil {
			continue
		}
		return key, true
	}
	p.logger.Error("No usable %s credential", p.scheme)
	return nil, false
}

func (p *Pipeline) submit(ctx context.Context, key *ecdsa.PrivateKey, reference string, payload Payload) (string, error) {
	ctx, span := p.tracer.StartSpan(ctx, observability.SpanLedgerSubmit,
		attribute.String(observability.AttrItemReference, reference),
	)

	txID, err := p.record(ctx, key, reference, payload)
	observability.EndSpan(span, err)
	return txID, err
}

func (p *Pipeline) record(ctx context.Context, key *ecdsa.PrivateKey, reference string, payload Payload) (string, error) {
	scaled, err := ScaleConfidence(payload.Confidence)
	if err != nil {
		// DecodePayload already rejected out of range values.
		return "", fmt.Errorf("%w for %s: %w", ErrLedgerSubmit, reference, err)
	}

	p.logger.Info("Submitting result: file=%s prediction=%s confidence=%.4f%%",
		payload.Subject, payload.Label, payload.Confidence*100)

	txID, err := p.ledger.SubmitInferenceResult(ctx, key, Submission{
		Subject:              payload.Subject,
		Label:                payload.Label,
		ConfidenceFixedPoint: scaled,
	})
	if err != nil {
		p.metrics.RecordSubmission(ctx, "failure")
		return "", fmt.Errorf("%w for %s: %w", ErrLedgerSubmit, reference, err)
	}

	p.metrics.RecordSubmission(ctx, "success")
	p.logger.Info("Transaction submitted: %s", txID)
	return txID, nil
}

// IsTaskError reports whether err is a task-level failure rather than an
// infrastructure problem with the checker.
func IsTaskError(err error) bool {
	return errors.Is(err, ErrItemFailed) || errors.Is(err, ErrLedgerSubmit)
}
