package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixora/chat-sync/internal/api"
	"github.com/pixora/chat-sync/internal/auth"
	"github.com/pixora/chat-sync/internal/chat"
	"github.com/pixora/chat-sync/internal/chatsync"
	"github.com/pixora/chat-sync/internal/config"
	"github.com/pixora/chat-sync/internal/logging"
	"github.com/pixora/chat-sync/internal/resume"
	"github.com/pixora/chat-sync/internal/transport"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "chatbridge",
	Short: "Headless chat-sync client",
	Long: `chatbridge keeps a chat session connected, mirrors it onto NATS and
exposes Prometheus metrics. It also offers one-shot commands for listing
conversations and sending a message.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (yaml)")
	rootCmd.PersistentFlags().String("token", "", "access token (overrides CHAT_TOKEN)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
}

// loadConfig reads the config file named by --config and applies the
// persistent flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	if tok, _ := cmd.Flags().GetString("token"); tok != "" {
		cfg.Auth.Token = tok
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if cfg.Auth.Token == "" {
		return cfg, nil, fmt.Errorf("no access token: set CHAT_TOKEN or --token")
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Sink), nil
}

// deps is everything a command may need, built from the config.
type deps struct {
	cfg       config.Config
	log       *slog.Logger
	tokens    *auth.StaticToken
	notifier  *auth.Notifier
	api       *api.Client
	resume    resume.Store
	transport *transport.Client
	session   *chatsync.Session
	closers   []func() error
}

func (d *deps) Close() {
	if d.session != nil {
		d.session.Close()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.log.Warn("close failed", "err", err)
		}
	}
}

// newAPI builds only the REST side.
func newAPI(cfg config.Config, log *slog.Logger) *deps {
	d := &deps{
		cfg:      cfg,
		log:      log,
		tokens:   auth.NewStaticToken(cfg.Auth.Token),
		notifier: auth.NewNotifier(),
	}
	d.api = api.New(api.Options{
		BaseURL:  cfg.API.URL,
		Tokens:   d.tokens,
		Notifier: d.notifier,
		Timeout:  cfg.API.Timeout,
		Logger:   log,
	})
	return d
}

// newSession builds the REST client, the resume store, the transport and the
// session. Nothing is connected yet.
func newSession(cfg config.Config, log *slog.Logger) (*deps, error) {
	d := newAPI(cfg, log)

	var self string
	if claims, err := auth.ParseClaims(cfg.Auth.Token); err == nil {
		self = claims.UserID
		if claims.Expired(time.Now()) {
			log.Warn("access token is expired, the server will reject it")
		}
	} else {
		log.Warn("cannot read user id from token", "err", err)
	}

	d.resume = resume.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		rs, err := resume.NewRedisStore(cfg.Redis.Addr, cfg.Redis.TTL)
		if err != nil {
			return nil, err
		}
		d.resume = rs
		d.closers = append(d.closers, rs.Close)
		log.Info("resume store", "backend", "redis", "addr", cfg.Redis.Addr)
	}

	d.transport = transport.New(transport.Options{
		URL:               cfg.WS.URL,
		UserID:            self,
		ReconnectDelay:    cfg.WS.ReconnectDelay,
		BackoffMultiplier: cfg.WS.BackoffMultiplier,
		MaxReconnectDelay: cfg.WS.MaxReconnectDelay,
		Jitter:            cfg.WS.Jitter,
		PingInterval:      cfg.WS.PingInterval,
		PongWait:          cfg.WS.PongWait,
		QueueSize:         cfg.WS.QueueSize,
		SendRate:          cfg.WS.SendRate,
		SendBurst:         cfg.WS.SendBurst,
		Resume:            d.resume,
		Logger:            log,
	})

	d.session = chatsync.New(chatsync.Options{
		API:        d.api,
		Transport:  d.transport,
		Tokens:     d.tokens,
		Notifier:   d.notifier,
		Resume:     d.resume,
		Self:       chat.User{ID: self, Username: cfg.Auth.Username},
		TypingIdle: cfg.Typing.Idle,
		Logger:     log,
	})
	return d, nil
}
