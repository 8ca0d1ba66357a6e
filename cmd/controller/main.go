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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/jack-michaud/ephemeral-environments/internal/app/migrate"
	"github.com/jack-michaud/ephemeral-environments/internal/driver"
	"github.com/jack-michaud/ephemeral-environments/internal/driver/cloudflare"
	"github.com/jack-michaud/ephemeral-environments/internal/driver/dockerhost"
	"github.com/jack-michaud/ephemeral-environments/internal/driver/ec2"
	"github.com/jack-michaud/ephemeral-environments/internal/driver/github"
	"github.com/jack-michaud/ephemeral-environments/internal/driver/ssm"
	httpx "github.com/jack-michaud/ephemeral-environments/internal/http"
	"github.com/jack-michaud/ephemeral-environments/internal/queue"
	"github.com/jack-michaud/ephemeral-environments/internal/repository/postgres"
	"github.com/jack-michaud/ephemeral-environments/internal/secrets"
	"github.com/jack-michaud/ephemeral-environments/internal/service/lifecycle"
	"github.com/jack-michaud/ephemeral-environments/internal/service/reconciler"
	"github.com/jack-michaud/ephemeral-environments/internal/service/sweeper"
	"github.com/jack-michaud/ephemeral-environments/pkg/config"
	"github.com/jack-michaud/ephemeral-environments/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadControllerConfig()
	log := logger.New("controller", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Up(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Error("failed to load AWS configuration", "error", err)
		os.Exit(1)
	}
	secretStore, err := secrets.New(secretsmanager.NewFromConfig(awsCfg))
	if err != nil {
		log.Error("failed to configure secret store", "error", err)
		os.Exit(1)
	}

	githubCreds, err := secretStore.Get(ctx, cfg.GitHubSecretName)
	if err != nil {
		log.Error("failed to read GitHub credentials", "secret", cfg.GitHubSecretName, "error", err)
		os.Exit(1)
	}
	authority, err := github.New(github.Config{
		AppID:         githubCreds["app_id"],
		PrivateKeyPEM: []byte(githubCreds["private_key"]),
		BaseURL:       cfg.GitHubAPIBaseURL,
	}, log)
	if err != nil {
		log.Error("failed to configure GitHub client", "error", err)
		os.Exit(1)
	}

	cloudflareCreds, err := secretStore.Get(ctx, cfg.CloudflareSecretName)
	if err != nil {
		log.Error("failed to read Cloudflare credentials", "secret", cfg.CloudflareSecretName, "error", err)
		os.Exit(1)
	}
	tunnels, err := cloudflare.New(cloudflare.Config{
		APIToken:  cloudflareCreds["api_token"],
		AccountID: cloudflareCreds["account_id"],
		BaseURL:   cfg.CloudflareAPIBaseURL,
	}, log)
	if err != nil {
		log.Error("failed to configure Cloudflare client", "error", err)
		os.Exit(1)
	}

	compute, commandRunner, err := buildComputeBackend(cfg, awsCfg, log)
	if err != nil {
		log.Error("failed to configure compute backend", "backend", cfg.ComputeBackend, "error", err)
		os.Exit(1)
	}

	lifecycleSvc := lifecycle.New(repo, repo, compute, commandRunner, tunnels,
		secretStore, authority, lifecycle.NewPRNotifier(authority, log), log,
		lifecycle.Config{
			HostReady: driver.WaitPolicy{
				Interval:    cfg.HostReadyInterval,
				MaxDuration: cfg.HostReadyTimeout,
			},
			ScriptDeadline:    cfg.StartScriptTimeout,
			RepoSecretsPrefix: cfg.RepoSecretsPrefix,
		})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	consumer := queue.NewConsumer(redisClient, lifecycleSvc, log, queue.Config{
		Queue:      cfg.IntentQueue,
		DeadLetter: cfg.DeadLetterList,
		Workers:    cfg.WorkerCount,
	})
	go consumer.Run(ctx)

	if cfg.SweeperEnabled {
		go sweeper.New(repo, lifecycleSvc, log, sweeper.Config{
			Interval:      cfg.SweepInterval,
			IdleThreshold: cfg.IdleThreshold,
			StopRetention: cfg.StopRetention,
		}).Run(ctx)
	}
	if cfg.ReconcilerEnabled {
		go reconciler.New(repo, compute, authority, lifecycleSvc, log, reconciler.Config{
			Interval: cfg.ReconcileInterval,
		}).Run(ctx)
	}

	router := httpx.NewRouter(log, repo, repo, pool.Ping)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("controller starting", "addr", cfg.Addr, "backend", cfg.ComputeBackend)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("controller stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// buildComputeBackend wires the configured provisioning backend: EC2 with SSM
// command execution for production, or a local Docker daemon for
// single-machine installs.
func buildComputeBackend(cfg config.ControllerConfig, awsCfg aws.Config, log *slog.Logger) (driver.ComputeDriver, driver.CommandRunner, error) {
	switch cfg.ComputeBackend {
	case "docker":
		d, err := dockerhost.New(dockerhost.Config{Host: cfg.DockerHost, Image: cfg.DockerImage}, log)
		if err != nil {
			return nil, nil, err
		}
		return d, d, nil
	case "ec2":
		ssmRunner, err := ssm.New(awsssm.NewFromConfig(awsCfg), log)
		if err != nil {
			return nil, nil, err
		}
		ec2Driver, err := ec2.New(awsec2.NewFromConfig(awsCfg), ec2.Config{
			LaunchTemplateID: cfg.LaunchTemplateID,
			SubnetIDs:        splitCSV(cfg.SubnetIDs),
			SecurityGroupID:  cfg.SecurityGroupID,
			AgentReady: driver.WaitPolicy{
				Interval:    5 * time.Second,
				MaxDuration: cfg.AgentReadyTimeout,
			},
		}, ssmRunner, log)
		if err != nil {
			return nil, nil, err
		}
		return ec2Driver, ssmRunner, nil
	default:
		return nil, nil, fmt.Errorf("unknown compute backend %q", cfg.ComputeBackend)
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
