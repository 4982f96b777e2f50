/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// campaign-service is the HTTP entry point for the compliance
// campaign engine: campaign/task/escalation lifecycle, the audit
// trail, and BOM upload, behind one chi router.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/jordigilh/compliance-campaign-engine/internal/config"
	"github.com/jordigilh/compliance-campaign-engine/internal/server"
	"github.com/jordigilh/compliance-campaign-engine/pkg/auditlog"
	auditpg "github.com/jordigilh/compliance-campaign-engine/pkg/auditlog/postgres"
	"github.com/jordigilh/compliance-campaign-engine/pkg/shared/logging"
	"github.com/jordigilh/compliance-campaign-engine/pkg/workflow"
)

// riskScanInterval is how often the deadline-risk monitor sweeps the
// active campaigns.
const riskScanInterval = time.Hour

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "campaign-service: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	audit, cleanup, err := buildAuditStore(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := []workflow.Option{
		workflow.WithLogger(log.WithName("workflow")),
		workflow.WithDefaultConfig(workflow.Config{
			MaxFollowUps:            cfg.Workflow.MaxFollowUps,
			FollowUpIntervalDays:    cfg.Workflow.FollowUpIntervalDays,
			AutoEscalate:            cfg.Workflow.AutoEscalate,
			EscalationThresholdDays: cfg.Workflow.EscalationThresholdDays,
		}),
		workflow.WithStagger(cfg.Workflow.Stagger()),
	}
	if cfg.Database.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.Database.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		opts = append(opts, workflow.WithLease(workflow.NewRedisLease(redis.NewClient(redisOpts))))
	}
	if token := os.Getenv("SLACK_TOKEN"); token != "" {
		channel := os.Getenv("SLACK_ESCALATION_CHANNEL")
		opts = append(opts, workflow.WithNotifier(workflow.NewSlackNotifier(token, channel)))
	}

	engine := workflow.NewEngine(audit, opts...)

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.New(engine, audit, log.WithName("http"), server.WithMaxRequestSize(cfg.Server.MaxRequestSize)).Router(),
		ReadTimeout:  time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go riskScanLoop(ctx, engine, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("campaign-service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// buildAuditStore returns the postgres-backed store when a database
// is configured, the in-memory store otherwise (useful for local
// development; the chain contract is identical).
func buildAuditStore(cfg *config.Config, log logr.Logger) (auditlog.Store, func(), error) {
	if cfg.Database.PostgresURL == "" {
		log.Info("no postgres url configured, using the in-memory audit store")
		return auditlog.NewMemoryStore(), func() {}, nil
	}

	db, err := sqlx.Connect("pgx", cfg.Database.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConnections)

	if err := auditpg.Migrate(db.DB); err != nil {
		db.Close()
		return nil, nil, err
	}
	return auditpg.NewStore(db), func() { db.Close() }, nil
}

// riskScanLoop runs the deadline-risk and silent-supplier sweeps
// until ctx is cancelled.
func riskScanLoop(ctx context.Context, engine *workflow.Engine, log logr.Logger) {
	ticker := time.NewTicker(riskScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reports := engine.ScanDeadlineRisk(ctx)
			for _, r := range reports {
				log.Info("campaign at deadline risk",
					"campaign_id", r.CampaignID.String(),
					"level", string(r.Level),
					"days_remaining", r.DaysRemaining,
					"percent_complete", r.PercentComplete)
			}
			for _, esc := range engine.ScanSilentSuppliers(ctx) {
				log.Info("supplier silent past escalation threshold",
					"campaign_id", esc.CampaignID.String(),
					"supplier_id", esc.SupplierID.String())
			}
		}
	}
}
