// ABOUTME: Entry point for the cmdmesh agent: connects out to a controller,
// ABOUTME: serves dispatched commands, and optionally runs an interactive loop.
// ABOUTME: Usage: cmdmesh-agent [-host HOST] [-port 5555] [-config FILE] [-interactive]

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/cmdmesh/cmdmesh/internal/agent"
	"github.com/cmdmesh/cmdmesh/internal/config"
	"github.com/cmdmesh/cmdmesh/internal/protocol"
)

func main() {
	configPath := flag.String("config", "", "Agent config file (flags override)")
	host := flag.String("host", "", "Controller host")
	port := flag.Int("port", 0, "Controller port")
	clientID := flag.String("id", "", "Stable client id (default: random per process)")
	token := flag.String("token", "", "Registration token")
	useTLS := flag.Bool("tls", false, "Connect over TLS")
	caFile := flag.String("ca", "", "Pinned controller certificate (PEM)")
	insecure := flag.Bool("insecure", false, "Skip TLS certificate verification")
	interactive := flag.Bool("interactive", false, "Read chat and /run requests from stdin")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := buildConfig(*configPath, *host, *port, *clientID, *token, *useTLS, *caFile, *insecure)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(*logLevel, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, *interactive); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildConfig layers command-line flags over the optional config file.
func buildConfig(path, host string, port int, clientID, token string, useTLS bool, caFile string, insecure bool) (*config.Agent, error) {
	cfg := config.DefaultAgent()
	if path != "" {
		loaded, err := config.LoadAgent(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
	if clientID != "" {
		cfg.ClientID = clientID
	}
	if token != "" {
		cfg.Token = token
	}
	if useTLS {
		cfg.TLS.Enabled = true
	}
	if caFile != "" {
		cfg.TLS.Enabled = true
		cfg.TLS.CertFile = caFile
	}
	if insecure {
		cfg.TLS.InsecureSkipVerify = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Agent, logger *slog.Logger, interactive bool) error {
	a := agent.New(cfg, logger)
	a.OnChat = func(text, sender string) {
		color.Cyan("[%s] %s", sender, text)
	}

	logger.Info("agent starting",
		"controller", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		"client_id", a.ClientID(),
		"tls", cfg.TLS.Enabled,
	)

	if interactive {
		go interactiveLoop(ctx, a)
	}

	err := a.Run(ctx)
	if ctx.Err() != nil {
		logger.Info("agent stopped")
		return nil
	}
	return err
}

// interactiveLoop reads stdin: plain lines become chat messages, /run asks
// the controller to execute, /local runs in the agent's own shell.
func interactiveLoop(ctx context.Context, a *agent.Agent) {
	fmt.Println("Interactive mode: /run <cmd> on controller, /local <cmd> here, anything else is chat")

	user := os.Getenv("USER")
	if user == "" {
		user = "agent"
	}
	hostname, _ := os.Hostname()
	prompt := color.New(color.FgGreen)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		prompt.Printf("%s@%s %s> ", user, hostname, a.LocalCwd())
		if !scanner.Scan() {
			return
		}
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "/run "):
			command := strings.TrimSpace(strings.TrimPrefix(line, "/run "))
			reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			result, err := a.RequestCommand(reqCtx, command)
			cancel()
			if err != nil {
				color.Red("request failed: %v", err)
				continue
			}
			printResult(result)
		case strings.HasPrefix(line, "/local "):
			printResult(a.ExecuteLocal(strings.TrimSpace(strings.TrimPrefix(line, "/local "))))
		default:
			if err := a.SendChat(line); err != nil {
				color.Red("chat failed: %v", err)
			}
		}
	}
}

func printResult(result *protocol.Result) {
	if result.Status != protocol.StatusSuccess {
		color.Red("%s", result.Error)
		return
	}
	if result.Stdout != "" {
		fmt.Print(result.Stdout)
		if !strings.HasSuffix(result.Stdout, "\n") {
			fmt.Println()
		}
	}
	if result.Stderr != "" {
		color.Red("%s", strings.TrimRight(result.Stderr, "\n"))
	}
	if result.ExitCode != 0 {
		color.Yellow("(exit %d)", result.ExitCode)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
