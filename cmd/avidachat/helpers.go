package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	avidachat "github.com/kelvinofficial/avida-sub007"
)

// getClient creates a REST client from the stored configuration.
func getClient() *avidachat.Client {
	cfg := mustLoadConfig()
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'avidachat init <token>' first.")
		os.Exit(1)
	}

	var opts []avidachat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, avidachat.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, avidachat.WithLogger(slog.Default()))

	return avidachat.NewClient(cfg.Auth.Token, opts...)
}

// getCore assembles the full messaging core (REST + push channel).
func getCore() *avidachat.Core {
	cfg := mustLoadConfig()
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id configured. Run 'avidachat init <token> --user-id <id>' first.")
		os.Exit(1)
	}

	core, err := avidachat.NewCore(avidachat.CoreConfig{
		Client:   getClient(),
		WSURL:    wsURL(cfg),
		Token:    cfg.Auth.Token,
		UserID:   cfg.Auth.UserID,
		UserName: cfg.Auth.UserName,
		Channel: avidachat.ChannelConfig{
			AutoReconnect: true,
		},
		Logger: slog.Default(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build messaging core: %v\n", err)
		os.Exit(1)
	}
	return core
}

func wsURL(cfg *Config) string {
	if cfg.Default.WSURL != "" {
		return cfg.Default.WSURL
	}
	base := cfg.Default.BaseURL
	if base == "" {
		base = avidachat.DefaultBaseURL
	}
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

func mustLoadConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
