package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"flawhunt-web/internal/logging"
	"flawhunt-web/internal/model"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Flags holds the command-line overrides. Zero values mean "not set".
type Flags struct {
	ConfigFile  string
	EnvFile     string
	Port        int
	LogLevel    string
	DatabaseURL string
	WebDir      string
}

// LoadConfig builds the configuration. Later sources win: defaults, the JSON
// config file, the .env file, process environment, then command-line flags.
func LoadConfig(flags Flags, defaultConfig model.Config, logger *zap.Logger) (*model.Config, error) {
	// godotenv never overwrites variables that are already set, which keeps
	// the process environment above .env.
	envFile := flags.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		logger.Debug("No .env file found or unable to load it, continuing with system environment variables", zap.String("file", envFile), zap.Error(err))
	} else {
		logger.Info(".env file loaded successfully", zap.String("file", envFile))
	}

	logger.Info("Starting configuration loading", zap.String("configFile", flags.ConfigFile))

	cfg := defaultConfig
	if flags.ConfigFile != "" {
		fileData, err := os.ReadFile(flags.ConfigFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Warn("Config file not found, using default configuration", zap.String("file", flags.ConfigFile))
		case err != nil:
			logger.Error("Failed to read config file", zap.String("file", flags.ConfigFile), zap.Error(err))
			return nil, err
		default:
			if err := json.Unmarshal(fileData, &cfg); err != nil {
				logger.Error("Failed to unmarshal config data", zap.String("file", flags.ConfigFile), zap.Error(err))
				return nil, fmt.Errorf("parse %s: %w", flags.ConfigFile, err)
			}
			logger.Info("Config file loaded and parsed", zap.String("file", flags.ConfigFile))
		}
	}

	applyEnv(&cfg, logger)

	if flags.Port != 0 {
		cfg.ListeningPort = flags.Port
		logger.Info("Listening port override applied", zap.Int("port", flags.Port))
	}
	if flags.DatabaseURL != "" {
		cfg.DatabaseURL = flags.DatabaseURL
		logger.Info("Database URL override applied", zap.String("DATABASE_URL", logging.Redact(cfg.DatabaseURL)))
	}
	if flags.WebDir != "" {
		cfg.WebDir = flags.WebDir
	}

	if cfg.OAuthJWTSecret == "" {
		logger.Warn("OAUTH_JWT_SECRET not set, OAuth sign-in is disabled")
	}

	cfg.Logger = logger
	cfg.ConfigFilePath = flags.ConfigFile

	logger.Info("Configuration loading completed successfully")
	return &cfg, nil
}

func applyEnv(cfg *model.Config, logger *zap.Logger) {
	cfg.ListeningPort = getIntEnv("PORT", cfg.ListeningPort)

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
		logger.Info("Database URL loaded from environment variable", zap.String("DATABASE_URL", logging.Redact(dbURL)))
	}

	cfg.WebDir = getEnv("WEB_DIR", cfg.WebDir)
	cfg.OAuthJWTSecret = getEnv("OAUTH_JWT_SECRET", cfg.OAuthJWTSecret)
	cfg.MailerURL = getEnv("MAILER_URL", cfg.MailerURL)
	cfg.MailerAPIKey = getEnv("MAILER_API_KEY", cfg.MailerAPIKey)
	cfg.MailerFrom = getEnv("MAILER_FROM", cfg.MailerFrom)
	cfg.ReleaseRepo = getEnv("RELEASE_REPO", cfg.ReleaseRepo)
	cfg.AuthRateLimit = getIntEnv("AUTH_RATE_LIMIT", cfg.AuthRateLimit)
	cfg.AuthRateWindow = model.Duration(getDurationEnv("AUTH_RATE_WINDOW", cfg.AuthRateWindow.Std()))
	cfg.SessionTTL = model.Duration(getDurationEnv("SESSION_TTL", cfg.SessionTTL.Std()))

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
}

// InitFlags initializes and parses the command-line flags.
func InitFlags() Flags {
	// flag.CommandLine exits on parse errors.
	flags, _ := ParseFlags(flag.CommandLine, os.Args[1:])
	return flags
}

// ParseFlags registers the flags on fs and parses args.
func ParseFlags(fs *flag.FlagSet, args []string) (Flags, error) {
	var f Flags
	fs.StringVar(&f.ConfigFile, "config", "config.json", "Path to the configuration file")
	fs.StringVar(&f.EnvFile, "env-file", ".env", "Path to a .env file")
	fs.IntVar(&f.Port, "port", 0, "Listening port (overrides config file and PORT)")
	fs.StringVar(&f.LogLevel, "log-level", "warn", "define the log level: debug, info, warn, error, dpanic, panic, fatal")
	fs.StringVar(&f.DatabaseURL, "database-url", "", "Postgres connection string (overrides DATABASE_URL)")
	fs.StringVar(&f.WebDir, "web-dir", "", "Directory holding the built dashboard")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
