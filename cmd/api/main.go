package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"doreen/api/internal/app"
	"doreen/api/internal/attachment"
	"doreen/api/internal/config"
	"doreen/api/internal/fields"
	"doreen/api/internal/logging"
	"doreen/api/internal/schema"
	"doreen/api/internal/search"
	"doreen/api/internal/session"
	"doreen/api/internal/store"
	"doreen/api/internal/wiki"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	var migrateOnly bool
	var seedSchema string
	flagSet := pflag.NewFlagSet("doreen-api", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flagSet.BoolVar(&migrateOnly, "migrate-only", false, "apply migrations and exit")
	flagSet.StringVar(&seedSchema, "seed-schema", "", "seed an empty schema from this YAML file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("invalid arguments")
	}

	if err := run(cfg, log, migrateOnly, seedSchema); err != nil {
		log.Fatal().Err(err).Msg("api stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger, migrateOnly bool, seedSchema string) error {
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	migrations, err := store.Migrations(db.Dialect(), cfg.MigrationsDir)
	if err != nil {
		return err
	}
	if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if migrateOnly {
		log.Info().Msg("migrations applied")
		return nil
	}

	reg, err := loadSchema(ctx, db, seedSchema, log)
	if err != nil {
		return err
	}
	holder := schema.NewHolder(db, reg)

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meili.Close()
	}
	engine := search.NewEngine(meili, log)

	var sessions session.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		sessions = redisStore
		log.Info().Msg("using redis for sessions")
	} else {
		sessions = session.NewMemoryStore()
		log.Info().Msg("using in-process session store")
	}
	defer sessions.Close()

	var blobs attachment.Blobs
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioBlobs, err := attachment.NewMinioBlobs(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return fmt.Errorf("object storage failed: %w", err)
		}
		blobs = minioBlobs
	} else {
		log.Warn().Msg("MINIO_ENDPOINT not set; attachments are kept in memory")
		blobs = attachment.NewMemoryBlobs()
	}

	if err := os.MkdirAll(cfg.WikiDir, 0o755); err != nil {
		return fmt.Errorf("create wiki dir: %w", err)
	}

	service := app.New(cfg, app.Deps{
		DB:       db,
		Schema:   holder,
		Handlers: fields.NewDefaultRegistry(),
		Engine:   engine,
		Blobs:    blobs,
		Wiki:     wiki.New(cfg.WikiDir),
		Sessions: sessions,
		Log:      log,
	})
	if meili != nil {
		go func() {
			if err := service.Reindex(context.Background()); err != nil {
				log.Warn().Err(err).Msg("initial reindex failed")
			}
		}()
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.RateLimit, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("doreen api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	return nil
}

// loadSchema seeds the schema tables when they are empty, from file if one
// was given and from the built-in core schema otherwise.
func loadSchema(ctx context.Context, db *store.DB, seedFile string, log zerolog.Logger) (*schema.Registry, error) {
	n, err := db.Count(ctx, `SELECT COUNT(*) FROM ticket_fields`)
	if err != nil {
		return nil, fmt.Errorf("count ticket fields: %w", err)
	}
	switch {
	case seedFile != "":
		f, err := os.Open(seedFile)
		if err != nil {
			return nil, fmt.Errorf("open schema file: %w", err)
		}
		seed, err := schema.ParseYAML(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		if err := schema.Seed(ctx, db, seed); err != nil {
			return nil, err
		}
		log.Info().Str("file", seedFile).Msg("schema seeded")
	case n == 0:
		if err := schema.Seed(ctx, db, schema.Core()); err != nil {
			return nil, err
		}
		log.Info().Msg("core schema seeded")
	}
	return schema.Load(ctx, db)
}
