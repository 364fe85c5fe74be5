// Package status derives the OCSP status of issued certificates, renders
// it as a CA index entry and produces signed OCSP responses, which are
// persisted next to the certificate record.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jmcleod/silverbullet/identity"
	"github.com/jmcleod/silverbullet/internal/util"
	"github.com/jmcleod/silverbullet/storage"
)

// ErrOCSPGeneration is returned when the responder fails or times out.
var ErrOCSPGeneration = errors.New("OCSP response generation failed")

const (
	defaultTimeout  = 5 * time.Second
	defaultValidity = 10 * 24 * time.Hour
	indexTimeLayout = "060102150405Z"
)

// Code is the single-letter status of a CA index entry.
type Code byte

const (
	Valid   Code = 'V'
	Revoked Code = 'R'
	Expired Code = 'E'
)

func (c Code) String() string { return string(c) }

// CodeFor derives the status code of a certificate. Expiry takes priority
// over revocation.
func CodeFor(snap *identity.StatusSnapshot, now time.Time) Code {
	switch {
	case now.After(snap.Expiry):
		return Expired
	case snap.RevocationStatus == storage.Revoked:
		return Revoked
	default:
		return Valid
	}
}

// Entry is one line of a CA index database.
type Entry struct {
	Status         Code
	Expiry         time.Time
	RevocationTime time.Time
	Serial         int64
	Organization   string
	Federation     string
	CommonName     string
}

// NewEntry builds the index entry for a certificate snapshot.
func NewEntry(snap *identity.StatusSnapshot, organization string, now time.Time) Entry {
	return Entry{
		Status:         CodeFor(snap, now),
		Expiry:         snap.Expiry,
		RevocationTime: snap.RevocationTime,
		Serial:         snap.SerialNumber,
		Organization:   organization,
		Federation:     strings.ToUpper(snap.Federation),
		CommonName:     snap.CommonName,
	}
}

// Subject returns the slash-separated distinguished name of the entry.
func (e Entry) Subject() string {
	return fmt.Sprintf("/O=%s/OU=%s/CN=%s/emailAddress=%s",
		e.Organization, e.Federation, e.CommonName, e.CommonName)
}

// IndexLine renders the entry in the tab-separated CA index format. The
// revocation field is only filled for revoked entries.
func (e Entry) IndexLine() string {
	var revoked string
	if e.Status == Revoked {
		revoked = e.RevocationTime.UTC().Format(indexTimeLayout) + ",unspecified"
	}
	return strings.Join([]string{
		e.Status.String(),
		e.Expiry.UTC().Format(indexTimeLayout),
		revoked,
		util.SerialHex(e.Serial),
		"unknown",
		e.Subject(),
	}, "\t")
}

// Responder signs an OCSP response for a single index entry.
type Responder interface {
	Respond(ctx context.Context, entry Entry, validity time.Duration) ([]byte, error)
}

// Source is the certificate state the engine reads and writes.
type Source interface {
	QueryCertificateStatus(ctx context.Context, serial int64) (*identity.StatusSnapshot, error)
	StoreOCSP(ctx context.Context, serial int64, response []byte, at time.Time) error
}

// Statement is a persisted OCSP response.
type Statement struct {
	Serial     int64
	Status     Code
	DER        []byte
	ProducedAt time.Time
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Engine regenerates and caches OCSP statements.
type Engine struct {
	source       Source
	responder    Responder
	organization string
	timeout      time.Duration
	validity     time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout bounds a single responder invocation.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithValidity sets how long a response stays valid (its NextUpdate).
func WithValidity(d time.Duration) Option {
	return func(e *Engine) { e.validity = d }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns an engine that names subjects under organization.
func NewEngine(source Source, responder Responder, organization string, opts ...Option) *Engine {
	e := &Engine{
		source:       source,
		responder:    responder,
		organization: organization,
		timeout:      defaultTimeout,
		validity:     defaultValidity,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return e
}

// TriggerNewStatement produces a fresh OCSP response for serial from its
// current stored state and persists it. Responses are regenerated for
// expired certificates as well.
func (e *Engine) TriggerNewStatement(ctx context.Context, serial int64) (*Statement, error) {
	snap, err := e.source.QueryCertificateStatus(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("loading certificate status: %w", err)
	}
	now := e.now().UTC()
	entry := NewEntry(snap, e.organization, now)

	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	der, err := e.responder.Respond(rctx, entry, e.validity)
	cancel()
	if err != nil {
		e.logger.Error("OCSP generation failed",
			slog.String("serial", util.SerialHex(serial)),
			slog.String("status", entry.Status.String()),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: serial %s: %w", ErrOCSPGeneration, util.SerialHex(serial), err)
	}

	if err := e.source.StoreOCSP(ctx, serial, der, now); err != nil {
		return nil, err
	}
	e.logger.Info("OCSP statement generated",
		slog.String("serial", util.SerialHex(serial)),
		slog.String("status", entry.Status.String()))

	return &Statement{Serial: serial, Status: entry.Status, DER: der, ProducedAt: now}, nil
}

// Current returns the cached statement for serial while it is fresh, and
// regenerates it otherwise. A cached statement is stale once half its
// validity has passed, or when it predates the certificate's revocation
// or expiry.
func (e *Engine) Current(ctx context.Context, serial int64) (*Statement, error) {
	snap, err := e.source.QueryCertificateStatus(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("loading certificate status: %w", err)
	}
	now := e.now().UTC()
	if e.fresh(snap, now) {
		return &Statement{
			Serial:     serial,
			Status:     CodeFor(snap, now),
			DER:        snap.CachedOCSP,
			ProducedAt: snap.OCSPTimestamp,
		}, nil
	}
	return e.TriggerNewStatement(ctx, serial)
}

func (e *Engine) fresh(snap *identity.StatusSnapshot, now time.Time) bool {
	if len(snap.CachedOCSP) == 0 || snap.OCSPTimestamp.IsZero() {
		return false
	}
	if now.Sub(snap.OCSPTimestamp) > e.validity/2 {
		return false
	}
	switch CodeFor(snap, now) {
	case Revoked:
		return !snap.OCSPTimestamp.Before(snap.RevocationTime)
	case Expired:
		return snap.OCSPTimestamp.After(snap.Expiry)
	default:
		return true
	}
}
