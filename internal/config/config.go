package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ExamShieldAPI/internal/detection"
	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/models"
	"ExamShieldAPI/internal/notify"

	"github.com/joho/godotenv"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	MQTT         MQTTConfig
	Security     SecurityConfig
	Logging      LoggingConfig
	Pipeline     PipelineConfig
	Vision       VisionConfig
	Analyzer     AnalyzerConfig
	Notification NotificationConfig

	// parseErrors holds keys that were set but could not be parsed.
	parseErrors []string
}

type ServerConfig struct {
	Host            string
	Port            int
	Environment     string
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxHeaderBytes  int
}

type DatabaseConfig struct {
	Enabled         bool
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type MQTTConfig struct {
	Enabled        bool
	Broker         string
	Port           int
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	RetainMessages bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	AutoReconnect  bool
}

type SecurityConfig struct {
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	RateLimitPerMinute int
	EnableRateLimit    bool
}

type LoggingConfig struct {
	Level     logger.Level
	Mode      logger.Mode
	FilePath  string
	UseColors bool
}

type PipelineConfig struct {
	CooldownWindow    time.Duration
	FeedCapacity      int
	ConfidenceFloor   float64
	ExcludedKinds     []models.Kind
	NotifyThreshold   int
	PollInterval      time.Duration
	ScoringTablesPath string
	EvidenceDir       string

	// Tables is populated by Load from ScoringTablesPath.
	Tables detection.Tables

	rawExcluded []string
}

type VisionConfig struct {
	BaseURL         string
	Timeout         time.Duration
	Source          string
	CameraIndex     int
	BreakerFailures int
	BreakerCooldown time.Duration
}

type AnalyzerConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

type NotificationConfig struct {
	BrevoAPIKey      string
	BrevoBaseURL     string
	SenderEmail      string
	SenderName       string
	Timeout          time.Duration
	DefaultRecipient string
	AutoEnabled      bool
	AttachPDF        bool
}

var requiredWhenDBEnabled = []string{
	"DB_HOST",
	"DB_USER",
	"DB_PASSWORD",
	"DB_NAME",
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	env := &envReader{}
	cfg := &Config{
		Server:       loadServerConfig(env),
		Database:     loadDatabaseConfig(env),
		MQTT:         loadMQTTConfig(env),
		Security:     loadSecurityConfig(env),
		Logging:      loadLoggingConfig(env),
		Pipeline:     loadPipelineConfig(env),
		Vision:       loadVisionConfig(env),
		Analyzer:     loadAnalyzerConfig(env),
		Notification: loadNotificationConfig(env),
		parseErrors:  env.errs,
	}

	if cfg.Database.Enabled {
		if err := validateRequired(requiredWhenDBEnabled); err != nil {
			return nil, err
		}
	}

	tables, err := detection.LoadTables(cfg.Pipeline.ScoringTablesPath)
	if err != nil {
		return nil, err
	}
	cfg.Pipeline.Tables = tables

	return cfg, nil
}

func validateRequired(keys []string) error {
	var missing []string

	for _, key := range keys {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return nil
}

func loadServerConfig(env *envReader) ServerConfig {
	return ServerConfig{
		Host:            getEnv("SERVER_HOST", "0.0.0.0"),
		Port:            env.Int("SERVER_PORT", 8080),
		Environment:     getEnv("ENVIRONMENT", "development"),
		ShutdownTimeout: env.Duration("SHUTDOWN_TIMEOUT", "15s"),
		ReadTimeout:     env.Duration("READ_TIMEOUT", "15s"),
		WriteTimeout:    env.Duration("WRITE_TIMEOUT", "30s"),
		MaxHeaderBytes:  env.Int("MAX_HEADER_BYTES", 1048576),
	}
}

func loadDatabaseConfig(env *envReader) DatabaseConfig {
	return DatabaseConfig{
		Enabled:         env.Bool("DB_ENABLED", false),
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            env.Int("DB_PORT", 5432),
		User:            getEnv("DB_USER", "examshield"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "examshield"),
		SSLMode:         getEnv("DB_SSL_MODE", "disable"),
		MaxOpenConns:    env.Int("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    env.Int("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: env.Duration("DB_CONN_MAX_LIFETIME", "5m"),
		ConnMaxIdleTime: env.Duration("DB_CONN_MAX_IDLE_TIME", "5m"),
	}
}

func loadMQTTConfig(env *envReader) MQTTConfig {
	return MQTTConfig{
		Enabled:        env.Bool("MQTT_ENABLED", false),
		Broker:         getEnv("MQTT_BROKER", "localhost"),
		Port:           env.Int("MQTT_PORT", 1883),
		ClientID:       getEnv("MQTT_CLIENT_ID", "examshield-api"),
		Username:       getEnv("MQTT_USERNAME", ""),
		Password:       getEnv("MQTT_PASSWORD", ""),
		TopicPrefix:    strings.TrimRight(getEnv("MQTT_TOPIC_PREFIX", "examshield"), "/"),
		QoS:            byte(env.Int("MQTT_QOS", 1)),
		RetainMessages: env.Bool("MQTT_RETAIN", false),
		KeepAlive:      env.Duration("MQTT_KEEP_ALIVE", "60s"),
		ConnectTimeout: env.Duration("MQTT_CONNECT_TIMEOUT", "10s"),
		AutoReconnect:  env.Bool("MQTT_AUTO_RECONNECT", true),
	}
}

func loadSecurityConfig(env *envReader) SecurityConfig {
	origins := getEnv("CORS_ALLOWED_ORIGINS", "*")
	methods := getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS")

	return SecurityConfig{
		CORSAllowedOrigins: strings.Split(origins, ","),
		CORSAllowedMethods: strings.Split(methods, ","),
		RateLimitPerMinute: env.Int("RATE_LIMIT_PER_MINUTE", 600),
		EnableRateLimit:    env.Bool("ENABLE_RATE_LIMIT", true),
	}
}

func loadLoggingConfig(env *envReader) LoggingConfig {
	return LoggingConfig{
		Level:     logger.ParseLevel(getEnv("LOG_LEVEL", "info")),
		Mode:      logger.ParseMode(getEnv("LOG_MODE", "normal")),
		FilePath:  getEnv("LOG_FILE_PATH", ""),
		UseColors: env.Bool("LOG_USE_COLORS", true),
	}
}

func loadPipelineConfig(env *envReader) PipelineConfig {
	return PipelineConfig{
		CooldownWindow:    env.Duration("COOLDOWN_WINDOW", "10s"),
		FeedCapacity:      env.Int("FEED_CAPACITY", 50),
		ConfidenceFloor:   env.Float("CONFIDENCE_FLOOR", 0.20),
		NotifyThreshold:   env.Int("NOTIFY_THRESHOLD", 50),
		PollInterval:      env.Duration("POLL_INTERVAL", "500ms"),
		ScoringTablesPath: getEnv("SCORING_TABLES_PATH", ""),
		EvidenceDir:       getEnv("EVIDENCE_DIR", "./evidence"),
		rawExcluded:       getEnvAsList("EXCLUDED_KINDS"),
	}
}

func loadVisionConfig(env *envReader) VisionConfig {
	return VisionConfig{
		BaseURL:         getEnv("VISION_BASE_URL", "http://localhost:5000"),
		Timeout:         env.Duration("VISION_TIMEOUT", "5s"),
		Source:          getEnv("VISION_SOURCE", "webcam"),
		CameraIndex:     env.Int("VISION_CAMERA_INDEX", 0),
		BreakerFailures: env.Int("VISION_BREAKER_FAILURES", 5),
		BreakerCooldown: env.Duration("VISION_BREAKER_COOLDOWN", "30s"),
	}
}

func loadAnalyzerConfig(env *envReader) AnalyzerConfig {
	return AnalyzerConfig{
		APIKey:  getEnv("ANALYZER_API_KEY", ""),
		Model:   getEnv("ANALYZER_MODEL", "gemini-2.5-flash"),
		BaseURL: getEnv("ANALYZER_BASE_URL", "https://generativelanguage.googleapis.com"),
		Timeout: env.Duration("ANALYZER_TIMEOUT", "30s"),
	}
}

func loadNotificationConfig(env *envReader) NotificationConfig {
	return NotificationConfig{
		BrevoAPIKey:      getEnv("BREVO_API_KEY", ""),
		BrevoBaseURL:     getEnv("BREVO_BASE_URL", "https://api.brevo.com"),
		SenderEmail:      getEnv("NOTIFY_SENDER_EMAIL", ""),
		SenderName:       getEnv("NOTIFY_SENDER_NAME", "ExamShield AI"),
		Timeout:          env.Duration("NOTIFY_TIMEOUT", "10s"),
		DefaultRecipient: getEnv("NOTIFY_DEFAULT_RECIPIENT", ""),
		AutoEnabled:      env.Bool("NOTIFY_AUTO_ENABLED", true),
		AttachPDF:        env.Bool("NOTIFY_ATTACH_PDF", true),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed environment values. A key that is set but does
// not parse is recorded and the default is used until Validate reports it.
type envReader struct {
	errs []string
}

func (e *envReader) fail(key, kind, value string) {
	e.errs = append(e.errs, fmt.Sprintf("%s: invalid %s %q", key, kind, value))
}

func (e *envReader) Int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		e.fail(key, "integer", value)
		return defaultValue
	}
	return intVal
}

func (e *envReader) Float(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		e.fail(key, "number", value)
		return defaultValue
	}
	return f
}

func (e *envReader) Bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		e.fail(key, "boolean", value)
		return defaultValue
	}
	return boolVal
}

func (e *envReader) Duration(key string, defaultValue string) time.Duration {
	duration, _ := time.ParseDuration(defaultValue)
	value := os.Getenv(key)
	if value == "" {
		return duration
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		e.fail(key, "duration", value)
		return duration
	}
	return parsed
}

func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

func (c *Config) GetMQTTBroker() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTT.Broker, c.MQTT.Port)
}

// Validate collects every problem instead of stopping at the first one.
// It also resolves EXCLUDED_KINDS, so it must run before the pipeline is
// built.
func (c *Config) Validate() error {
	errors := append([]string(nil), c.parseErrors...)

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "SERVER_PORT must be between 1 and 65535")
	}

	if c.Database.Enabled {
		if c.Database.Password == "" {
			errors = append(errors, "DB_PASSWORD cannot be empty")
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			errors = append(errors, "DB_PORT must be between 1 and 65535")
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			errors = append(errors, "MQTT_PORT must be between 1 and 65535")
		}
		if c.MQTT.QoS > 2 {
			errors = append(errors, "MQTT_QOS must be 0, 1 or 2")
		}
	}

	p := &c.Pipeline
	if p.NotifyThreshold <= 0 {
		errors = append(errors, "NOTIFY_THRESHOLD must be greater than 0")
	}
	if p.FeedCapacity <= 0 {
		errors = append(errors, "FEED_CAPACITY must be greater than 0")
	}
	if p.ConfidenceFloor < 0 || p.ConfidenceFloor > 1 {
		errors = append(errors, "CONFIDENCE_FLOOR must be between 0 and 1")
	}
	if p.CooldownWindow < 0 {
		errors = append(errors, "COOLDOWN_WINDOW cannot be negative")
	}
	if p.PollInterval <= 0 {
		errors = append(errors, "POLL_INTERVAL must be positive")
	}
	if p.EvidenceDir == "" {
		errors = append(errors, "EVIDENCE_DIR cannot be empty")
	}

	p.ExcludedKinds = p.ExcludedKinds[:0]
	for _, raw := range p.rawExcluded {
		k, err := models.ParseKind(raw)
		if err != nil {
			errors = append(errors, fmt.Sprintf("EXCLUDED_KINDS: %v", err))
			continue
		}
		p.ExcludedKinds = append(p.ExcludedKinds, k)
	}

	if err := p.Tables.Validate(); err != nil {
		errors = append(errors, err.Error())
	}

	if c.Vision.BaseURL == "" {
		errors = append(errors, "VISION_BASE_URL cannot be empty")
	}
	if c.Vision.Timeout <= 0 {
		errors = append(errors, "VISION_TIMEOUT must be positive")
	}
	if c.Vision.BreakerFailures < 1 {
		errors = append(errors, "VISION_BREAKER_FAILURES must be at least 1")
	}
	if c.Analyzer.Timeout <= 0 {
		errors = append(errors, "ANALYZER_TIMEOUT must be positive")
	}
	if c.Notification.Timeout <= 0 {
		errors = append(errors, "NOTIFY_TIMEOUT must be positive")
	}
	if c.Notification.BrevoAPIKey != "" && c.Notification.SenderEmail == "" {
		errors = append(errors, "NOTIFY_SENDER_EMAIL is required when BREVO_API_KEY is set")
	}
	if r := c.Notification.DefaultRecipient; r != "" {
		if err := notify.ValidateRecipient(r); err != nil {
			errors = append(errors, fmt.Sprintf("NOTIFY_DEFAULT_RECIPIENT: %v", err))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

func (c *Config) Print() {
	fmt.Println("╔══════════════════════════════════════════════════════════╗")
	fmt.Println("║             ExamShield API - Configuration               ║")
	fmt.Println("╚══════════════════════════════════════════════════════════╝")
	fmt.Printf("Environment:     %s\n", c.Server.Environment)
	fmt.Printf("Server:          %s:%d\n", c.Server.Host, c.Server.Port)
	fmt.Printf("Vision backend:  %s (%s)\n", c.Vision.BaseURL, c.Vision.Source)
	fmt.Printf("Poll interval:   %s\n", c.Pipeline.PollInterval)
	fmt.Printf("Feed capacity:   %d\n", c.Pipeline.FeedCapacity)
	fmt.Printf("Cooldown:        %s\n", c.Pipeline.CooldownWindow)
	fmt.Printf("Threshold:       %d severity points\n", c.Pipeline.NotifyThreshold)
	if c.Notification.BrevoAPIKey != "" {
		fmt.Printf("Notifications:   email via %s\n", c.Notification.BrevoBaseURL)
	} else {
		fmt.Println("Notifications:   local (websocket)")
	}
	if c.Database.Enabled {
		fmt.Printf("Database:        %s:%d/%s\n", c.Database.Host, c.Database.Port, c.Database.Database)
	} else {
		fmt.Println("Database:        disabled")
	}
	if c.MQTT.Enabled {
		fmt.Printf("MQTT Broker:     %s:%d\n", c.MQTT.Broker, c.MQTT.Port)
	} else {
		fmt.Println("MQTT Broker:     disabled")
	}
	fmt.Println("──────────────────────────────────────────────────────────")
}
