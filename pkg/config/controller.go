package config

import "time"

// ControllerConfig holds runtime configuration for the controller worker.
type ControllerConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	LogLevel      string

	// Intent queue.
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	IntentQueue    string
	DeadLetterList string
	WorkerCount    int

	// Compute provisioning.
	ComputeBackend     string // "ec2" or "docker"
	AWSRegion          string
	LaunchTemplateID   string
	SubnetIDs          string
	SecurityGroupID    string
	DockerHost         string
	DockerImage        string
	HostReadyTimeout   time.Duration
	HostReadyInterval  time.Duration
	AgentReadyTimeout  time.Duration
	StartScriptTimeout time.Duration

	// Secrets.
	GitHubSecretName     string
	CloudflareSecretName string
	RepoSecretsPrefix    string

	// External APIs.
	GitHubAPIBaseURL     string
	CloudflareAPIBaseURL string

	// Cleanup sweeper.
	SweepInterval  time.Duration
	IdleThreshold  time.Duration
	StopRetention  time.Duration
	SweeperEnabled bool

	// Drift reconciler.
	ReconcileInterval time.Duration
	ReconcilerEnabled bool
}

// LoadControllerConfig constructs a ControllerConfig from environment variables.
func LoadControllerConfig() ControllerConfig {
	return ControllerConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("CONTROLLER_ADDR", ":4100"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://ephemeral:ephemeral@db:5432/ephemeral?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		LogLevel:      GetString("LOG_LEVEL", "info"),

		RedisAddr:      GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword:  GetString("REDIS_PASSWORD", ""),
		RedisDB:        GetInt("REDIS_DB", 0),
		IntentQueue:    GetString("INTENT_QUEUE", "ephemeral:intents"),
		DeadLetterList: GetString("INTENT_DEAD_LETTER", "ephemeral:intents:dead"),
		WorkerCount:    GetInt("INTENT_WORKERS", 4),

		ComputeBackend:     GetString("COMPUTE_BACKEND", "ec2"),
		AWSRegion:          GetString("AWS_REGION", "us-east-1"),
		LaunchTemplateID:   GetString("LAUNCH_TEMPLATE_ID", ""),
		SubnetIDs:          GetString("SUBNET_IDS", ""),
		SecurityGroupID:    GetString("SECURITY_GROUP_ID", ""),
		DockerHost:         GetString("DOCKER_HOST_OVERRIDE", ""),
		DockerImage:        GetString("DOCKER_SANDBOX_IMAGE", "ephemeral-sandbox:latest"),
		HostReadyTimeout:   GetDuration("HOST_READY_TIMEOUT", 5*time.Minute),
		HostReadyInterval:  GetDuration("HOST_READY_INTERVAL", 5*time.Second),
		AgentReadyTimeout:  GetDuration("AGENT_READY_TIMEOUT", 2*time.Minute),
		StartScriptTimeout: GetDuration("START_SCRIPT_TIMEOUT", 15*time.Minute),

		GitHubSecretName:     GetString("GITHUB_SECRET_NAME", "ephemeral-env/github-app"),
		CloudflareSecretName: GetString("CLOUDFLARE_SECRET_NAME", "ephemeral-env/cloudflare"),
		RepoSecretsPrefix:    GetString("REPO_SECRETS_PREFIX", "ephemeral-env/repos"),

		GitHubAPIBaseURL:     GetString("GITHUB_API_BASE_URL", "https://api.github.com"),
		CloudflareAPIBaseURL: GetString("CLOUDFLARE_API_BASE_URL", "https://api.cloudflare.com/client/v4"),

		SweepInterval:  GetDuration("SWEEP_INTERVAL", 15*time.Minute),
		IdleThreshold:  GetDuration("IDLE_STOP_AFTER", 4*time.Hour),
		StopRetention:  GetDuration("TERMINATE_STOPPED_AFTER", 24*time.Hour),
		SweeperEnabled: GetBool("SWEEPER_ENABLED", true),

		ReconcileInterval: GetDuration("RECONCILE_INTERVAL", 30*time.Minute),
		ReconcilerEnabled: GetBool("RECONCILER_ENABLED", true),
	}
}
