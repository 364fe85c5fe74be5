package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jmcleod/silverbullet/config"
	"github.com/jmcleod/silverbullet/identity"
	"github.com/jmcleod/silverbullet/lifecycle"
	"github.com/jmcleod/silverbullet/pki"
	"github.com/jmcleod/silverbullet/status"
	"github.com/jmcleod/silverbullet/storage"
	bboltstorage "github.com/jmcleod/silverbullet/storage/bbolt"
	"github.com/jmcleod/silverbullet/storage/memory"
	"github.com/jmcleod/silverbullet/storage/postgres"
)

// app bundles the services every subcommand needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  storage.Store
	ids    *identity.Store
	ca     *pki.EmbeddedCA
	engine *status.Engine
	mgr    *lifecycle.Manager
	hsm    *pki.PKCS11KeyStore
}

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	bootstrap := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	cfg, err := config.Load(configPath, bootstrap)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewStore(), nil
	case config.DriverBbolt:
		s, err := bboltstorage.NewStoreFromFile(cfg.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("opening bbolt store %s: %w", cfg.Path, err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.NewStoreFromDSN(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func issuingKeyStore(cfg config.CAConfig) (pki.KeyStore, *pki.PKCS11KeyStore, error) {
	if cfg.PKCS11 == nil {
		alg, err := pki.ParseKeyAlgorithm(cfg.KeyAlgorithm)
		if err != nil {
			return nil, nil, err
		}
		return pki.NewSoftwareKeyStore(alg), nil, nil
	}
	hsm, err := pki.NewPKCS11KeyStore(pki.PKCS11Config{
		ModulePath: cfg.PKCS11.Module,
		TokenLabel: cfg.PKCS11.TokenLabel,
		PIN:        cfg.PKCS11.PIN,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening PKCS#11 token: %w", err)
	}
	return hsm, hsm, nil
}

func newResponder(cfg *config.Config, ca *pki.EmbeddedCA) status.Responder {
	if cfg.OCSP.Responder == config.ResponderOpenSSL {
		return &status.OpenSSLResponder{
			Binary:     cfg.OCSP.OpenSSLPath,
			IssuerCert: cfg.CA.IssuingCert,
			IssuerKey:  cfg.CA.IssuingKey,
		}
	}
	return status.NewLibraryResponder(ca)
}

// openApp wires storage, the embedded CA, the OCSP engine and the
// lifecycle manager from cfg.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.ids = identity.New(a.store, identity.WithLogger(logger))

	keys, hsm, err := issuingKeyStore(cfg.CA)
	if err != nil {
		return nil, err
	}
	a.hsm = hsm
	a.ca, err = pki.LoadEmbeddedCA(pki.CAFiles{
		RootCert:    cfg.CA.RootCert,
		IssuingCert: cfg.CA.IssuingCert,
		IssuingKey:  cfg.CA.IssuingKey,
	}, a.ids,
		pki.WithKeyStore(keys),
		pki.WithOCSPURL(cfg.CA.OCSPURL),
		pki.WithCALogger(logger))
	if err != nil {
		return nil, fmt.Errorf("loading embedded CA: %w", err)
	}

	profiles, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	a.engine = status.NewEngine(a.ids, newResponder(cfg, a.ca), cfg.CA.Consortium,
		status.WithTimeout(cfg.OCSP.Timeout.Duration),
		status.WithValidity(time.Duration(cfg.OCSP.ValidityDays)*24*time.Hour),
		status.WithLogger(logger))

	alg, err := pki.ParseKeyAlgorithm(cfg.CA.KeyAlgorithm)
	if err != nil {
		return nil, err
	}
	a.mgr = lifecycle.New(a.ids, profiles, &pki.Signers{Embedded: a.ca}, a.engine, cfg.CA.Consortium,
		lifecycle.WithLogger(logger),
		lifecycle.WithLeafKeyStore(pki.NewSoftwareKeyStore(alg)))
	return a, nil
}

// Close releases the store and the HSM session.
func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.hsm != nil {
		errs = append(errs, a.hsm.Close())
	}
	return errors.Join(errs...)
}

// withApp loads the configuration, opens the app, runs fn and closes it.
func withApp(ctx context.Context, fn func(*app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
