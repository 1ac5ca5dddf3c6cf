package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"awardwatch-backend/lib/browser"
	"awardwatch-backend/lib/configutil"
	"awardwatch-backend/lib/keychain"
	"awardwatch-backend/lib/scrapers/cathay"
	"awardwatch-backend/services/monitor"
	watchesdb "awardwatch-backend/services/watches/db"

	"github.com/spf13/cobra"

	_ "modernc.org/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "awardwatch",
	Short: "awardwatch monitors Cathay award-seat availability and notifies on matches.",
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.json5", "path to the configuration file")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type Config struct {
	Port         int    `json:"port"`
	DatabaseFile string `json:"databaseFile"`
	ProfileDir   string `json:"profileDir"`
	BrowserBin   string `json:"browserBin"`
	// SecretEnv names the environment variable holding the credential
	// sealing secret.
	SecretEnv           string             `json:"secretEnv"`
	Smtp                monitor.SmtpConfig `json:"smtp"`
	PollIntervalMinutes int                `json:"pollIntervalMinutes"`
	CacheMaxAgeMinutes  int                `json:"cacheMaxAgeMinutes"`
	SearchesPerMinute   int                `json:"searchesPerMinute"`
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 8460
	}
	if c.DatabaseFile == "" {
		c.DatabaseFile = "awardwatch.db"
	}
	if c.ProfileDir == "" {
		c.ProfileDir = "profiles"
	}
	if c.SecretEnv == "" {
		c.SecretEnv = "AWARDWATCH_SECRET"
	}
	return c
}

func (c Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalMinutes) * time.Minute
}

func (c Config) cacheMaxAge() time.Duration {
	return time.Duration(c.CacheMaxAgeMinutes) * time.Minute
}

func readConfig() (Config, error) {
	config, err := configutil.ReadConfig[Config](configPath)
	if err != nil {
		return Config{}, err
	}
	return config.withDefaults(), nil
}

func openDatabase(file string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(watchesdb.Schema)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openKeychain(config Config) (*keychain.Keychain, error) {
	secret := os.Getenv(config.SecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("environment variable %s is not set", config.SecretEnv)
	}
	return keychain.New(secret)
}

func newRegistry(config Config) (*browser.Manager, *cathay.Registry) {
	browsers := browser.NewManager(browser.Config{
		DataDir: config.ProfileDir,
		Bin:     config.BrowserBin,
	})
	return browsers, cathay.NewRegistry(browsers)
}
