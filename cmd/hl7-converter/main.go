package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/config"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/domain/conversion"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/db"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/hl7v2"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/mapper"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/middleware"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/script"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hl7-converter",
		Short: "HL7v2 to FHIR conversion service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(convertCmd())
	rootCmd.AddCommand(templatesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the conversion API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func convertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert [file]",
		Short: "Convert a single HL7v2 message file to a FHIR bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			templateDir, _ := cmd.Flags().GetString("templates")

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			registry, err := mapper.LoadDir(templateDir)
			if err != nil {
				return err
			}
			engine := mapper.New(registry, script.Default())

			svc := conversion.NewService(engine, nil, zerolog.Nop())
			bundle, err := svc.Convert(cmd.Context(), raw)
			if err != nil {
				return err
			}

			out, err := bundle.MarshalIndent()
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().String("templates", "templates", "Path to mapping template directory")
	return cmd
}

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage mapping templates",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the mapping template set",
		RunE: func(cmd *cobra.Command, args []string) error {
			templateDir, _ := cmd.Flags().GetString("templates")

			registry, err := mapper.LoadDir(templateDir)
			if err != nil {
				return err
			}

			fmt.Printf("Loaded %d resource template(s): %v\n",
				len(registry.ResourceKinds()), registry.ResourceKinds())
			fmt.Printf("Loaded %d message template(s): %v\n",
				len(registry.MessageTypes()), registry.MessageTypes())
			return nil
		},
	}
	validateCmd.Flags().String("templates", "templates", "Path to mapping template directory")
	cmd.AddCommand(validateCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := newLogger()

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Mapping templates
	registry, err := mapper.LoadDir(cfg.TemplateDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load mapping templates")
	}
	logger.Info().
		Strs("resources", registry.ResourceKinds()).
		Strs("messages", registry.MessageTypes()).
		Msg("mapping templates loaded")

	engine := mapper.New(registry, script.Default(), mapper.WithLogger(logger))

	// Database (optional: without it, conversion history is disabled)
	ctx := context.Background()
	var repo conversion.Repository
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		repo = conversion.NewRepoPG(pool)
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set; conversion history is disabled")
	}

	svc := conversion.NewService(engine, repo, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	apiV1 := e.Group("/api/v1")
	conversion.NewHandler(svc).RegisterRoutes(apiV1)

	// MLLP listener: convert every received message, ACK on success, NAK on
	// failure.
	if cfg.MLLPEnabled {
		mllp := hl7v2.NewMLLPServer(cfg.MLLPAddr, func(msg *hl7v2.Message) *hl7v2.Message {
			if _, err := svc.ConvertMessage(context.Background(), msg); err != nil {
				return hl7v2.GenerateACK(msg, "AE")
			}
			return hl7v2.GenerateACK(msg, "AA")
		})
		mllp.SetLogger(logger)
		if err := mllp.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start MLLP listener")
		}
		defer mllp.Stop()
		logger.Info().Str("addr", mllp.Addr()).Msg("MLLP listener started")
	}

	// Start server
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
		return err
	}
	return nil
}
