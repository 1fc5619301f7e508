package config

import (
	"net"
	"strings"
)

// Environment variables honoured on top of the file.
const (
	EnvBotToken  = "BOT_TOKEN"
	EnvChannelID = "CHANNEL_ID"
	EnvPort      = "PORT"

	DefaultPort = "1000"
)

// ApplyEnv overrides credentials and the status port from the environment.
// lookup is os.LookupEnv in production.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	if v, ok := lookup(EnvBotToken); ok && strings.TrimSpace(v) != "" {
		cfg.Telegram.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvChannelID); ok && strings.TrimSpace(v) != "" {
		cfg.Telegram.ChatID = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvPort); ok && strings.TrimSpace(v) != "" {
		cfg.Status.Enabled = true
		cfg.Status.Addr = withPort(cfg.Status.Addr, strings.TrimSpace(v))
	}
}

// withPort replaces the port of addr, keeping its host.
func withPort(addr, port string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, port)
}
