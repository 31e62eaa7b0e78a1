package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sorteia/sorteia/pkg/config"
	"github.com/sorteia/sorteia/pkg/identity"
	"github.com/sorteia/sorteia/pkg/ordering"
	"github.com/sorteia/sorteia/pkg/stores"
	"github.com/sorteia/sorteia/pkg/telemetry"
)

// app holds everything a command needs for one invocation.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  stores.Store
	engine *ordering.Engine
	owner  identity.Identity
}

// loadConfig reads --config and applies the verbose flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openStore opens, initializes and migrates the configured store.
func openStore(ctx context.Context, cfg *config.Config) (stores.Store, error) {
	store, err := stores.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// newApp wires config, telemetry, store and engine.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	engine := ordering.New(store.Orders(), store.Resources(),
		ordering.WithTelemetry(tel),
		ordering.WithCompactorConfig(cfg.Compaction),
	)

	log.Debug().
		Str("driver", string(cfg.Store.Driver)).
		Str("path", cfg.Store.Path).
		Str("compaction", string(cfg.Compaction.Mode)).
		Msg("Engine ready")

	return &app{
		cfg:    cfg,
		tel:    tel,
		store:  store,
		engine: engine,
		owner:  identity.Chain(identity.Static(ownerID), identity.Env(cfg.OwnerEnv)),
	}, nil
}

// close drains pending compactions before the store goes away.
func (a *app) close(ctx context.Context) error {
	// Shutdown must still run after the caller's context is cancelled.
	ctx = context.WithoutCancel(ctx)
	return errors.Join(
		a.engine.Close(ctx),
		a.store.Close(),
		a.tel.Shutdown(ctx),
	)
}

// resolveOwner returns the owner of the current invocation.
func (a *app) resolveOwner(ctx context.Context) (string, error) {
	owner, err := a.owner.Owner(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: pass --owner or set %s", err, a.cfg.OwnerEnv)
	}
	return owner, nil
}

// withApp runs fn with an app and its resolved owner and closes the app after.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app, owner string) error) (err error) {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	owner, err := a.resolveOwner(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, a, owner)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}
