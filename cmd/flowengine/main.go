package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fieldops/flowengine/api"
	"github.com/fieldops/flowengine/backend"
	"github.com/fieldops/flowengine/backend/mysql"
	"github.com/fieldops/flowengine/backend/postgres"
	"github.com/fieldops/flowengine/backend/sqlite"
	"github.com/fieldops/flowengine/client"
)

func main() {
	cmd := &cobra.Command{
		Use:   "flowengine",
		Short: "Workflow execution engine for field-service automations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	cmd.PersistentFlags().String("config", "", "path to config file")

	cobra.OnInitialize(func() {
		cfg, _ := cmd.PersistentFlags().GetString("config")
		if err := initConfig(cfg); err != nil {
			slog.Error("could not read config", "error", err)
			os.Exit(1)
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		slog.Error("flowengine exited", "error", err)
		os.Exit(1)
	}
}

func initConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("flowengine")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/flowengine")
	}

	viper.SetEnvPrefix("FLOWENGINE")
	// Nested keys like db.driver map to FLOWENGINE_DB_DRIVER.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("listen", ":8090")
	viper.SetDefault("db.driver", "sqlite")
	viper.SetDefault("db.path", "flowengine.db")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("tracing.exporter", "none")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	return nil
}

func run(ctx context.Context) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	tp, shutdownTracing, err := tracerProvider(ctx)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	b, err := newBackend(logger, tp)
	if err != nil {
		return err
	}
	defer b.Close()

	c := client.New(b)
	defer c.Close()

	srv := &http.Server{
		Addr:    viper.GetString("listen"),
		Handler: api.NewHandler(c),
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", srv.Addr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func newBackend(logger *slog.Logger, tp trace.TracerProvider) (backend.Backend, error) {
	opts := []backend.BackendOption{
		backend.WithLogger(logger),
		backend.WithTracerProvider(tp),
	}

	driver := viper.GetString("db.driver")
	switch driver {
	case "sqlite":
		return sqlite.NewSqliteBackend(viper.GetString("db.path"), opts...), nil

	case "postgres":
		return postgres.NewPostgresBackend(
			viper.GetString("db.host"),
			viper.GetInt("db.port"),
			viper.GetString("db.user"),
			viper.GetString("db.password"),
			viper.GetString("db.database"),
			opts...,
		), nil

	case "mysql":
		return mysql.NewMysqlBackend(
			viper.GetString("db.host"),
			viper.GetInt("db.port"),
			viper.GetString("db.user"),
			viper.GetString("db.password"),
			viper.GetString("db.database"),
			opts...,
		), nil

	default:
		return nil, fmt.Errorf("unknown db driver %q", driver)
	}
}

func tracerProvider(ctx context.Context) (trace.TracerProvider, func(), error) {
	switch exporter := viper.GetString("tracing.exporter"); exporter {
	case "none", "":
		return noop.NewTracerProvider(), func() {}, nil

	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}

		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		return tp, func() { _ = tp.Shutdown(context.Background()) }, nil

	case "otlp":
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(viper.GetString("tracing.endpoint")), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, nil, fmt.Errorf("creating otlp trace exporter: %w", err)
		}

		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		return tp, func() { _ = tp.Shutdown(context.Background()) }, nil

	default:
		return nil, nil, fmt.Errorf("unknown tracing exporter %q", exporter)
	}
}
