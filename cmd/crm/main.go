// Crm is a conversational CRM assistant.
//
// It exposes an HTTP API where each user talks to an assistant that
// manages their contacts, interactions and reminders through tool calls,
// and a CLI for one-shot queries and account bootstrap. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	crm serve                              Start the API server
//	crm init [dir]                         Write an example config
//	crm ask -user <id> <question>          Ask a single question
//	crm user add <first> <last> <email>    Create a user
//	crm export -user <id>                  Write a user's contacts as vCards
//	crm version                            Print version and build information
//	crm -o json version                    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/nugget/crm-assistant/internal/agent"
	"github.com/nugget/crm-assistant/internal/api"
	"github.com/nugget/crm-assistant/internal/buildinfo"
	"github.com/nugget/crm-assistant/internal/config"
	"github.com/nugget/crm-assistant/internal/contacts"
	"github.com/nugget/crm-assistant/internal/email"
	"github.com/nugget/crm-assistant/internal/events"
	"github.com/nugget/crm-assistant/internal/llm"
	"github.com/nugget/crm-assistant/internal/memory"
	"github.com/nugget/crm-assistant/internal/mqtt"
	"github.com/nugget/crm-assistant/internal/prompts"
	"github.com/nugget/crm-assistant/internal/reminders"
	"github.com/nugget/crm-assistant/internal/reply"
	"github.com/nugget/crm-assistant/internal/tools"
	"github.com/nugget/crm-assistant/internal/usage"
	"github.com/nugget/crm-assistant/internal/users"
)

// main builds the OS-level environment and hands off to [run], keeping
// os.Exit, os.Stdout and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the crm command. Cancelling ctx shuts
// down servers and background goroutines. Logs go to stdout; fatal
// errors are returned for main to print.
//
// Arguments are parsed by hand rather than with the flag package, whose
// package-level state gets in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		userID, rest := userFlag(cmdArgs)
		if userID == "" || len(rest) == 0 {
			return fmt.Errorf("usage: crm ask -user <id> <question>")
		}
		return runAsk(ctx, stdout, configPath, outputFmt, userID, strings.Join(rest, " "))
	case "user":
		if len(cmdArgs) != 4 || cmdArgs[0] != "add" {
			return fmt.Errorf("usage: crm user add <first> <last> <email>")
		}
		return runUserAdd(ctx, stdout, configPath, outputFmt, cmdArgs[1], cmdArgs[2], cmdArgs[3])
	case "export":
		userID, _ := userFlag(cmdArgs)
		if userID == "" {
			return fmt.Errorf("usage: crm export -user <id>")
		}
		return runExport(ctx, stdout, configPath, userID)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// userFlag extracts "-user <id>" or "-user=<id>" from args and returns
// the id and the remaining arguments.
func userFlag(args []string) (string, []string) {
	var userID string
	var rest []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-user" && i+1 < len(args):
			userID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-user="):
			userID = strings.TrimPrefix(args[i], "-user=")
		default:
			rest = append(rest, args[i])
		}
	}
	return userID, rest
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "crm - Conversational CRM assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: crm [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                            Start the API server")
	fmt.Fprintln(w, "  init [dir]                       Write an example config (default: .)")
	fmt.Fprintln(w, "  ask -user <id> <question>        Ask a single question")
	fmt.Fprintln(w, "  user add <first> <last> <email>  Create a user")
	fmt.Fprintln(w, "  export -user <id>                Write a user's contacts as vCards")
	fmt.Fprintln(w, "  version                          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// app holds the stores and services shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *events.Bus
	users     *users.Store
	contacts  *contacts.Store
	reminders *reminders.Store
	history   memory.Store
	usage     *usage.Store
	mailer    *email.Sender
	llm       *llm.MultiClient
	loop      *agent.Loop

	closers []io.Closer
}

// openApp loads configuration and opens every store under the data
// directory. The agent loop is only built when withAgent is set.
func openApp(stdout io.Writer, configPath string, withAgent bool) (*app, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := newLogger(stdout, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	a := &app{cfg: cfg, logger: logger, bus: events.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.users, err = users.NewStore(filepath.Join(cfg.DataDir, "users.db"))
	if err != nil {
		return nil, fmt.Errorf("open user store: %w", err)
	}
	a.closers = append(a.closers, a.users)

	a.reminders, err = reminders.NewStore(filepath.Join(cfg.DataDir, "reminders.db"), logger.With("component", "reminders"))
	if err != nil {
		return nil, fmt.Errorf("open reminder store: %w", err)
	}
	a.closers = append(a.closers, a.reminders)

	a.contacts, err = contacts.NewStore(filepath.Join(cfg.DataDir, "contacts.db"), logger.With("component", "contacts"))
	if err != nil {
		return nil, fmt.Errorf("open contact store: %w", err)
	}
	a.closers = append(a.closers, a.contacts)
	a.contacts.SetEventBus(a.bus)
	a.contacts.SetReminderLister(a.reminders)

	a.mailer = email.New(cfg.Email, logger)
	if !a.mailer.Configured() {
		logger.Warn("email not configured; send_email and reminder delivery will fail")
	}

	if withAgent {
		policy := memory.KeepLast(cfg.Agent.HistoryLimit)
		switch cfg.ConversationStore {
		case "sqlite":
			hs, err := memory.NewSQLiteStore(filepath.Join(cfg.DataDir, "history.db"), policy, logger)
			if err != nil {
				return nil, fmt.Errorf("open conversation store: %w", err)
			}
			a.closers = append(a.closers, hs)
			a.history = hs
		default:
			a.history = memory.NewMemoryStore(policy, logger)
		}

		a.usage, err = usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
		if err != nil {
			return nil, fmt.Errorf("open usage store: %w", err)
		}
		a.closers = append(a.closers, a.usage)

		loc, err := cfg.Location()
		if err != nil {
			return nil, err
		}
		executor := tools.NewExecutor(a.contacts, a.reminders, a.users, a.mailer, logger)
		executor.SetLocation(loc)
		a.llm = createLLMClient(cfg, logger)
		a.loop = agent.NewLoop(logger, a.history, a.llm, executor, agent.Config{
			Model:         cfg.Agent.Model,
			MaxIterations: cfg.Agent.Iterations(),
			MaxTokens:     cfg.Agent.MaxTokens,
			ParallelTools: cfg.Agent.ParallelTools,
			System: func(now time.Time) string {
				return prompts.CRMSystemPrompt(now.In(loc))
			},
		})
		a.loop.SetEventBus(a.bus)
		a.loop.SetUsageRecorder(a.usage)
	}

	ok = true
	return a, nil
}

// Close releases every store in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// runServe starts the API server, the reminder poller and, when a broker
// is configured, the MQTT bridge. It blocks until ctx is cancelled or a
// termination signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	a, err := openApp(stdout, configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	logger.Info("starting crm assistant",
		"version", buildinfo.Version,
		"model", cfg.Agent.Model,
		"max_iterations", cfg.Agent.Iterations(),
		"conversation_store", cfg.ConversationStore,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.llm.PingModel(pingCtx, cfg.Agent.Model); err != nil {
		logger.Warn("model provider unreachable; queries will fail until it recovers", "model", cfg.Agent.Model, "error", err)
	}
	pingCancel()

	var poller *reminders.Poller
	if cfg.Reminders.IsEnabled() {
		poller = reminders.NewPoller(a.reminders, a.mailer, cfg.Reminders.PollInterval, logger.With("component", "reminders"))
		poller.SetEventBus(a.bus)
		poller.Start(ctx)
		defer poller.Stop()
	}

	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		clientID, err := mqtt.ClientID(cfg.MQTT.ClientID, cfg.DataDir)
		if err != nil {
			return err
		}
		publisher = mqtt.New(cfg.MQTT, clientID, a.bus, logger)
		if err := publisher.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt publisher: %w", err)
		}
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, logger)
	server.SetContacts(a.contacts)
	server.SetReminders(a.reminders)
	server.SetEventBus(a.bus)
	server.SetUsage(a.usage)
	server.SetRunTimeout(cfg.Agent.RunTimeout)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown", "error", err)
		}
	}
	return nil
}

// runAsk runs one query through the assistant and prints the reply.
func runAsk(ctx context.Context, stdout io.Writer, configPath, outputFmt, userID, question string) error {
	a, err := openApp(io.Discard, configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.users.Get(ctx, userID); err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return fmt.Errorf("unknown user %q (create one with: crm user add)", userID)
		}
		return err
	}

	if a.cfg.Agent.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Agent.RunTimeout)
		defer cancel()
	}

	result, err := a.loop.Run(ctx, userID, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	parsed := reply.Parse(result.Message)
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(api.AssistantData{
			Message:   parsed,
			Raw:       result.Message,
			ToolsUsed: result.ToolResults,
		})
	}

	for _, tr := range result.ToolResults {
		status := "ok"
		if !tr.Result.Success {
			status = "failed: " + tr.Result.Error
		}
		fmt.Fprintf(stdout, "[%s] %s\n", tr.Tool, status)
	}
	fmt.Fprintln(stdout, parsed.Message("(no answer; the assistant stopped before replying)"))
	return nil
}

// runUserAdd creates a user and prints its id.
func runUserAdd(ctx context.Context, stdout io.Writer, configPath, outputFmt, first, last, addr string) error {
	a, err := openApp(io.Discard, configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	u := &users.User{FirstName: first, LastName: last, Email: addr}
	if err := a.users.Create(ctx, u); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	if outputFmt == "json" {
		return json.NewEncoder(stdout).Encode(u)
	}
	fmt.Fprintln(stdout, u.ID)
	return nil
}

// runExport writes the user's active contacts as a vCard stream.
func runExport(ctx context.Context, stdout io.Writer, configPath, userID string) error {
	a, err := openApp(io.Discard, configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.contacts.ForUser(userID).All(ctx)
	if err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}
	return contacts.WriteVCards(stdout, list)
}

// newLogger creates a structured logger writing to w at the given level.
// format is "text" (default) or "json".
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Returns the
// parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds the model client. Models named "claude*" go to
// Anthropic when a key is configured; everything else falls through to
// Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	ollama := llm.NewOllamaClient(cfg.Ollama.URL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		multi.AddPrefix("claude", "anthropic")
		logger.Info("Anthropic provider configured")
	}
	return multi
}
