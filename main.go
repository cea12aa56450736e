package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/mailriver/mailriver/config"
	"github.com/mailriver/mailriver/interfaces"
	er "github.com/mailriver/mailriver/internal/errors"
	"github.com/mailriver/mailriver/internal/logger"
	"github.com/mailriver/mailriver/internal/metrics"
	"github.com/mailriver/mailriver/internal/repository"
	"github.com/mailriver/mailriver/server"
	"github.com/mailriver/mailriver/services/auth"
	"github.com/mailriver/mailriver/services/health"
	"github.com/mailriver/mailriver/services/worker"
)

func main() {
	app := &cli.App{
		Name:    "mailriver",
		Usage:   "IMAP to Redis Streams email ingestion pipeline",
		Version: health.Version,
		Commands: []*cli.Command{
			producerCmd(),
			workerCmd(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitErr maps a run failure onto the documented exit codes: 2 when the
// account needs interactive auth setup, 1 for everything else.
func exitErr(err error) error {
	if err == nil {
		return nil
	}
	if er.IsKind(err, er.KindAuthSetupRequired) {
		return cli.Exit(err.Error(), 2)
	}
	return cli.Exit(err.Error(), 1)
}

func producerCmd() *cli.Command {
	return &cli.Command{
		Name:  "producer",
		Usage: "Poll an IMAP mailbox and append new messages to the ingestion stream",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "username", Usage: "IMAP account to poll", EnvVars: []string{"IMAP_USERNAME"}},
			&cli.StringFlag{Name: "mailbox", Usage: "mailbox to poll", EnvVars: []string{"IMAP_MAILBOX"}},
			&cli.StringFlag{Name: "provider", Usage: "mail provider, gmail or outlook", EnvVars: []string{"IMAP_PROVIDER"}},
			&cli.IntFlag{Name: "batch-size", Usage: "messages fetched per poll", EnvVars: []string{"PRODUCER_BATCH_SIZE"}},
			&cli.DurationFlag{Name: "poll-interval", Usage: "delay between polls", EnvVars: []string{"POLL_INTERVAL"}},
			&cli.BoolFlag{Name: "dry-run", Usage: "log what would be appended without writing to the stream", EnvVars: []string{"DRY_RUN"}},
			&cli.BoolFlag{Name: "auth-setup", Usage: "run the interactive OAuth consent flow and exit"},
			&cli.BoolFlag{Name: "token-info", Usage: "print the stored token state and exit"},
			&cli.BoolFlag{Name: "token-revoke", Usage: "revoke and delete the stored token and exit"},
		},
		Action: runProducer,
	}
}

func runProducer(c *cli.Context) error {
	cfg, err := config.InitConfig()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	applyProducerFlags(cfg, c)

	if c.Bool("auth-setup") || c.Bool("token-info") || c.Bool("token-revoke") {
		return runTokenCommand(c, cfg)
	}

	if err := cfg.Validate(config.RoleProducer); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	srv, err := server.NewProducerServer(cfg)
	if err != nil {
		return exitErr(err)
	}
	return exitErr(srv.Run(c.Context))
}

func applyProducerFlags(cfg *config.Config, c *cli.Context) {
	if c.IsSet("username") {
		cfg.IMAP.Username = c.String("username")
	}
	if c.IsSet("mailbox") {
		cfg.IMAP.Mailbox = c.String("mailbox")
	}
	if c.IsSet("provider") {
		cfg.IMAP.Provider = c.String("provider")
		// Recompute the host default unless one was pinned explicitly.
		if os.Getenv("IMAP_HOST") == "" {
			cfg.IMAP.Host = ""
			cfg.ApplyProviderDefaults()
		}
	}
	if c.IsSet("batch-size") {
		cfg.Producer.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("poll-interval") {
		cfg.Producer.PollInterval = c.Duration("poll-interval")
	}
	if c.Bool("dry-run") {
		cfg.Producer.DryRun = true
	}
}

// runTokenCommand handles the credential operations that talk to the
// token store instead of starting the pipeline.
func runTokenCommand(c *cli.Context, cfg *config.Config) error {
	if cfg.IMAP.Username == "" {
		return cli.Exit("IMAP_USERNAME or --username is required", 1)
	}

	log := logger.NewAppLogger(cfg.Logger)
	log.InitLogger()

	provider, err := auth.NewProvider(cfg, cfg.IMAP.Username, log)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	switch {
	case c.Bool("auth-setup"):
		if err := provider.InteractiveSetup(c.Context); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		fmt.Printf("token stored for %s (%s)\n", provider.Username(), provider.Provider())
	case c.Bool("token-revoke"):
		if err := provider.Revoke(c.Context); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		fmt.Printf("token revoked for %s\n", provider.Username())
	case c.Bool("token-info"):
		info, err := provider.Info(c.Context)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		printTokenInfo(info)
	}
	return nil
}

func printTokenInfo(info *interfaces.TokenInfo) {
	fmt.Printf("provider:    %s\n", info.Provider)
	fmt.Printf("username:    %s\n", info.Username)
	fmt.Printf("valid:       %t\n", info.Valid)
	fmt.Printf("has refresh: %t\n", info.HasRefresh)
	if !info.Expiry.IsZero() {
		fmt.Printf("expires:     %s\n", info.Expiry.UTC().Format(time.RFC3339))
	}
	if len(info.Scopes) > 0 {
		fmt.Printf("scopes:      %s\n", strings.Join(info.Scopes, " "))
	}
}

func workerCmd() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Consume the ingestion stream and process messages",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "stream", Usage: "stream to consume", EnvVars: []string{"STREAM_NAME"}},
			&cli.StringFlag{Name: "group", Usage: "consumer group", EnvVars: []string{"CONSUMER_GROUP"}},
			&cli.StringFlag{Name: "consumer", Usage: "consumer name within the group", EnvVars: []string{"WORKER_CONSUMER"}},
			&cli.IntFlag{Name: "batch-size", Usage: "entries claimed per read", EnvVars: []string{"WORKER_BATCH_SIZE"}},
			&cli.DurationFlag{Name: "block-timeout", Usage: "consume block time", EnvVars: []string{"WORKER_BLOCK_TIMEOUT"}},
		},
		Action: runWorker,
		Subcommands: []*cli.Command{
			dlqCmd(),
		},
	}
}

func runWorker(c *cli.Context) error {
	cfg, err := config.InitConfig()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	applyWorkerFlags(cfg, c)

	if err := cfg.Validate(config.RoleWorker); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	srv, err := server.NewWorkerServer(cfg)
	if err != nil {
		return exitErr(err)
	}
	return exitErr(srv.Run(c.Context))
}

func applyWorkerFlags(cfg *config.Config, c *cli.Context) {
	if c.IsSet("stream") {
		cfg.Stream.Stream = c.String("stream")
	}
	if c.IsSet("group") {
		cfg.Stream.Group = c.String("group")
	}
	if c.IsSet("consumer") {
		cfg.Worker.Consumer = c.String("consumer")
	}
	if c.IsSet("batch-size") {
		cfg.Worker.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("block-timeout") {
		cfg.Worker.BlockTimeout = c.Duration("block-timeout")
	}
}

func dlqCmd() *cli.Command {
	return &cli.Command{
		Name:  "dlq",
		Usage: "Inspect and manage the dead letter stream",
		Subcommands: []*cli.Command{
			{
				Name:  "peek",
				Usage: "Print the oldest dead letters without consuming them",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "count", Value: 10, Usage: "entries to show"},
				},
				Action: runDLQPeek,
			},
			{
				Name:      "reprocess",
				Usage:     "Re-append a dead letter to the ingestion stream and drop it from the DLQ",
				ArgsUsage: "<dlq-entry-id>",
				Action:    runDLQReprocess,
			},
			{
				Name:   "clear",
				Usage:  "Delete every entry in the dead letter stream",
				Action: runDLQClear,
			},
		},
	}
}

// dlqTool wires just enough of the stack for the operator commands: a
// Redis connection and a router over the configured DLQ stream.
type dlqTool struct {
	cfg    *config.Config
	router *worker.DLQRouter
	client *redis.Client
}

func newDLQTool() (*dlqTool, error) {
	cfg, err := config.InitConfig()
	if err != nil {
		return nil, err
	}
	log := logger.NewAppLogger(cfg.Logger)
	log.InitLogger()

	client := repository.NewRedisClient(cfg.Redis)
	repos := repository.InitRepositories(client)
	m := metrics.New(prometheus.NewRegistry())
	router := worker.NewDLQRouter(repos.LogStore, cfg.Stream.DLQStream, cfg.Stream.MaxStreamLength, m, log)

	return &dlqTool{cfg: cfg, router: router, client: client}, nil
}

func (t *dlqTool) Close() {
	t.client.Close()
}

func runDLQPeek(c *cli.Context) error {
	t, err := newDLQTool()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer t.Close()

	entries, err := t.router.Peek(c.Context, c.Int64("count"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if len(entries) == 0 {
		fmt.Println("dead letter stream is empty")
		return nil
	}
	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Println(string(out))
	return nil
}

func runDLQReprocess(c *cli.Context) error {
	entryID := c.Args().First()
	if entryID == "" {
		return cli.Exit("usage: mailriver worker dlq reprocess <dlq-entry-id>", 1)
	}

	t, err := newDLQTool()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer t.Close()

	newID, err := t.router.Reprocess(c.Context, entryID, t.cfg.Stream.Stream)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Printf("re-appended %s as %s on %s\n", entryID, newID, t.cfg.Stream.Stream)
	return nil
}

func runDLQClear(c *cli.Context) error {
	t, err := newDLQTool()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer t.Close()

	removed, err := t.router.Clear(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Printf("cleared %d dead letters\n", removed)
	return nil
}
