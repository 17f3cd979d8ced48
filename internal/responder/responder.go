// Package responder serves RFC 6960 OCSP responses for one issuing CA
// from a YAML status table that is reloaded when the file changes.
package responder

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/remiblancher/qocsp/internal/audit"
	pkicrypto "github.com/remiblancher/qocsp/internal/crypto"
	"github.com/remiblancher/qocsp/internal/log"
	"github.com/remiblancher/qocsp/internal/ocsp"
)

// ErrNotAuthoritative is returned when a request names a certificate of
// another issuer.
var ErrNotAuthoritative = errors.New("responder is not authoritative for this issuer")

// Options configures a Responder.
type Options struct {
	// Certificate is the responder certificate matching Signer.
	Certificate *x509.Certificate

	// Issuer is the CA the responder answers for. Defaults to Certificate.
	Issuer *x509.Certificate

	Signer *pkicrypto.Signer

	// Chain is embedded after the responder certificate.
	Chain []*x509.Certificate

	// StatusFile is the YAML status table.
	StatusFile string

	// NextUpdate sets nextUpdate to thisUpdate + NextUpdate; zero omits it.
	NextUpdate time.Duration

	// ByName identifies the responder by subject name.
	ByName bool

	// Debounce delays reloads after file events. Defaults to 100ms.
	Debounce time.Duration

	// Logger overrides the logger carried by the context.
	Logger *slog.Logger

	// Now returns the production time. Defaults to time.Now.
	Now func() time.Time
}

// Responder answers OCSP requests.
type Responder struct {
	opts       Options
	issuer     *x509.Certificate
	statusPath string
	now        func() time.Time

	table    atomic.Pointer[StatusTable]
	debounce debounced

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	reloadCounter  metric.Int64Counter
}

// New creates a Responder and loads its status table.
func New(ctx context.Context, opts Options) (*Responder, error) {
	if opts.Certificate == nil {
		return nil, fmt.Errorf("responder certificate is required")
	}
	if opts.Signer == nil {
		return nil, fmt.Errorf("responder signer is required")
	}
	if opts.StatusFile == "" {
		return nil, fmt.Errorf("status file is required")
	}
	statusPath, err := filepath.Abs(opts.StatusFile)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve status file: %w", err)
	}

	d := opts.Debounce
	if d < 10*time.Millisecond {
		d = 100 * time.Millisecond
	}
	r := &Responder{
		opts:       opts,
		issuer:     opts.Issuer,
		statusPath: statusPath,
		now:        opts.Now,
		debounce:   debounce(d),
	}
	if r.issuer == nil {
		r.issuer = opts.Certificate
	}
	if r.now == nil {
		r.now = time.Now
	}

	meter := otel.Meter("github.com/remiblancher/qocsp/internal/responder")
	if r.requestCounter, err = meter.Int64Counter("qocsp.responder.requests"); err != nil {
		return nil, fmt.Errorf("failed to create otel counter: %w", err)
	}
	if r.errorCounter, err = meter.Int64Counter("qocsp.responder.errors"); err != nil {
		return nil, fmt.Errorf("failed to create otel counter: %w", err)
	}
	if r.reloadCounter, err = meter.Int64Counter("qocsp.responder.reloads"); err != nil {
		return nil, fmt.Errorf("failed to create otel counter: %w", err)
	}

	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Responder) loggerFor(ctx context.Context) *slog.Logger {
	if r.opts.Logger != nil {
		return r.opts.Logger
	}
	return log.GetLogger(ctx)
}

// Status returns the status table currently served.
func (r *Responder) Status() *StatusTable {
	return r.table.Load()
}

// Reload reads the status file again. On failure the previous table stays
// in service.
func (r *Responder) Reload(ctx context.Context) error {
	logger := r.loggerFor(ctx)
	r.reloadCounter.Add(ctx, 1)

	table, err := LoadStatusTable(r.statusPath)
	if err != nil {
		r.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "reload")))
		logger.LogAttrs(ctx, slog.LevelError, "failed to load status table",
			slog.String("path", r.statusPath), slog.Any("err", err))
		if auditErr := audit.LogStatusReloaded(r.statusPath, 0, false, err.Error()); auditErr != nil {
			return errors.Join(err, auditErr)
		}
		return err
	}

	if old := r.table.Swap(table); old == nil {
		logger.LogAttrs(ctx, slog.LevelInfo, "status table loaded",
			slog.String("path", r.statusPath), slog.Int("entries", table.Len()))
	} else {
		logger.LogAttrs(ctx, slog.LevelInfo, "status table reloaded",
			slog.String("path", r.statusPath), slog.Int("entries", table.Len()))
	}
	return audit.LogStatusReloaded(r.statusPath, table.Len(), true, "")
}

// Respond builds the signed response to req. Every CertID must name the
// configured issuer; serials missing from the table are reported unknown.
func (r *Responder) Respond(ctx context.Context, req *ocsp.Request, method string) ([]byte, error) {
	logger := r.loggerFor(ctx)
	table := r.table.Load()

	now := r.now().UTC()
	var nextUpdate time.Time
	if r.opts.NextUpdate > 0 {
		nextUpdate = now.Add(r.opts.NextUpdate)
	}

	b := ocsp.NewResponseBuilder(r.opts.Certificate, r.opts.Signer).
		SetProducedAt(now).
		ResponderByName(r.opts.ByName).
		AddChain(r.opts.Chain...).
		AddNonce(req.Nonce())

	type served struct {
		serial string
		status ocsp.CertStatus
	}
	var entries []served

	for _, sr := range req.Requests().Items() {
		id := sr.CertID()
		if !id.MatchesIssuer(r.issuer) {
			return nil, fmt.Errorf("%w: serial %s", ErrNotAuthoritative, id.SerialNumber())
		}

		cs, ok := table.Lookup(id.Serial())
		if !ok {
			cs = CertificateStatus{Status: ocsp.CertStatusUnknown}
		}
		switch cs.Status {
		case ocsp.CertStatusGood:
			b.AddGood(id, now, nextUpdate)
		case ocsp.CertStatusRevoked:
			b.AddRevoked(id, now, nextUpdate, cs.RevokedAt, cs.Reason)
		default:
			b.AddUnknown(id, now, nextUpdate)
		}
		entries = append(entries, served{id.SerialNumber(), cs.Status})
	}

	der, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build response: %w", err)
	}

	for _, e := range entries {
		logger.LogAttrs(ctx, slog.LevelInfo, "served certificate status",
			slog.String("serial", e.serial),
			slog.String("status", e.status.String()),
			slog.String("method", method))
		if err := audit.LogOCSPServe(e.serial, e.status.String(), method, true, ""); err != nil {
			return nil, err
		}
	}
	return der, nil
}

// Watch reloads the status table whenever its file is written or
// replaced. It blocks until ctx is canceled.
func (r *Responder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fswatcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched so that atomic replacements are seen.
	dir := filepath.Dir(r.statusPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	logger := r.loggerFor(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			r.handleEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.LogAttrs(ctx, slog.LevelError, "an error occurred while watching files", slog.Any("err", err))
		}
	}
}

func (r *Responder) handleEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Clean(event.Name) != r.statusPath {
		return
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return
	}

	r.debounce(func() {
		if ctx.Err() != nil {
			return
		}
		// Reload logs its own failures.
		_ = r.Reload(ctx)
	})
}
