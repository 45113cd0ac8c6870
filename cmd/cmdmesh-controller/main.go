// ABOUTME: Entry point for the cmdmesh controller: serves agent connections
// ABOUTME: and runs the interactive operator console.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/cmdmesh/cmdmesh/internal/auth"
	"github.com/cmdmesh/cmdmesh/internal/config"
	"github.com/cmdmesh/cmdmesh/internal/controller"
	"github.com/cmdmesh/cmdmesh/internal/protocol"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                   _                     _
   ___ _ __ ___   __| |_ __ ___   ___  ___| |__
  / __| '_ ' _ \ / _' | '_ ' _ \ / _ \/ __| '_ \
 | (__| | | | | | (_| | | | | | |  __/\__ \ | | |
  \___|_| |_| |_|\__,_|_| |_| |_|\___||___/_| |_|
`

// getConfigPath returns the controller config path.
// Priority: CMDMESH_CONFIG env var > XDG_CONFIG_HOME/cmdmesh/controller.yaml > ~/.config/cmdmesh/controller.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CMDMESH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "controller.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "cmdmesh", "controller.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: cmdmesh-controller <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                       Start the controller and operator console")
		fmt.Println("  init                        Write a starter config file")
		fmt.Println("  token --subject NAME [--ttl DUR]  Mint a registration JWT")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Controller, string, error) {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.DefaultController(), configPath + " (not found, using defaults)", nil
	}
	cfg, err := config.LoadController(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:  %s:%d\n", cfg.Host, cfg.Port)
	green.Print("    ▶ ")
	fmt.Printf("TLS:     %v\n", cfg.TLS.Enabled)
	green.Print("    ▶ ")
	fmt.Printf("Auth:    %s\n", authModeLabel(cfg.Auth.Mode))
	fmt.Println()

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctrl, err := controller.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("starting controller: %w", err)
	}
	defer ctrl.Stop()

	console := &console{ctrl: ctrl, logger: logger}
	return console.run(ctx)
}

func authModeLabel(mode string) string {
	if mode == "" {
		return "none"
	}
	return mode
}

// console is the interactive operator loop. One goroutine owns stdin; every
// mode, including the per-client shell, consumes from the same line channel.
type console struct {
	ctrl   *controller.Controller
	logger *slog.Logger
	lines  chan string
}

func (c *console) run(ctx context.Context) error {
	c.lines = make(chan string)
	go func() {
		defer close(c.lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			c.lines <- scanner.Text()
		}
	}()

	prompt := color.New(color.FgCyan, color.Bold)
	c.printHelp()

	for {
		prompt.Print("cmdmesh> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-c.lines:
			if !ok {
				return nil
			}
			if done := c.handle(ctx, strings.TrimSpace(line)); done {
				return nil
			}
		}
	}
}

// handle executes one console line; returns true to exit.
func (c *console) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "help":
		c.printHelp()
	case "list":
		c.printClients()
	case "known":
		c.printKnown(ctx)
	case "info":
		c.printInfo(rest)
	case "cmd":
		c.dispatch(ctx, rest)
	case "shell":
		c.shell(ctx, rest)
	case "local":
		c.local(rest)
	case "exit", "quit":
		return true
	default:
		color.Red("Unknown command: %s (try 'help')", cmd)
	}
	return false
}

func (c *console) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  list                 List connected clients")
	fmt.Println("  known                List every client ever seen (inventory)")
	fmt.Println("  info <id>            Show details for one client")
	fmt.Println("  cmd <id|all> <cmd>   Run a command and wait for results")
	fmt.Println("  shell <id>           Interactive shell against one client")
	fmt.Println("  local <cmd>          Run a command on this host")
	fmt.Println("  exit                 Shut down")
}

func (c *console) printClients() {
	clients := c.ctrl.ListClients()
	if len(clients) == 0 {
		color.Yellow("No clients connected")
		return
	}
	for _, client := range clients {
		color.Green("  %s", client.Identifier)
		fmt.Printf("    id: %s  platform: %s  addr: %s  last seen: %s ago\n",
			client.ClientID, client.Platform, client.RemoteAddr,
			time.Since(client.LastSeen).Round(time.Second))
	}
}

func (c *console) printKnown(ctx context.Context) {
	known, err := c.ctrl.KnownClients(ctx)
	if err != nil {
		color.Red("inventory error: %v", err)
		return
	}
	if known == nil {
		color.Yellow("Inventory is disabled")
		return
	}
	for _, kc := range known {
		fmt.Printf("  %s  %s (%s)  connects: %d  last seen: %s\n",
			kc.ClientID, kc.Hostname, kc.Platform, kc.ConnectCount,
			kc.LastSeen.Local().Format("2006-01-02 15:04:05"))
	}
}

func (c *console) printInfo(idOrPrefix string) {
	if idOrPrefix == "" {
		color.Red("Usage: info <id>")
		return
	}
	client, err := c.ctrl.FindClient(idOrPrefix)
	if err != nil {
		color.Red("%v", err)
		return
	}
	color.Green("%s", client.Identifier)
	fmt.Printf("  client id:  %s\n", client.ClientID)
	fmt.Printf("  hostname:   %s\n", client.Hostname)
	fmt.Printf("  platform:   %s\n", client.Platform)
	fmt.Printf("  ip:         %s\n", client.IPAddress)
	fmt.Printf("  remote:     %s\n", client.RemoteAddr)
	fmt.Printf("  connected:  %s\n", client.ConnectedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("  last seen:  %s ago\n", time.Since(client.LastSeen).Round(time.Second))
}

func (c *console) dispatch(ctx context.Context, rest string) {
	target, command, ok := strings.Cut(rest, " ")
	if !ok || strings.TrimSpace(command) == "" {
		color.Red("Usage: cmd <id|all> <command>")
		return
	}
	command = strings.TrimSpace(command)

	var targets []string
	if target != "all" {
		targets = []string{target}
	}

	results, err := c.ctrl.DispatchAndWait(ctx, command, targets, 0)
	if err != nil {
		if errors.Is(err, controller.ErrNoTargets) {
			color.Yellow("No matching clients")
		} else {
			color.Red("%v", err)
		}
		return
	}
	printResults(results)
}

// shell runs a command loop pinned to one client until "exit".
func (c *console) shell(ctx context.Context, idOrPrefix string) {
	if idOrPrefix == "" {
		color.Red("Usage: shell <id>")
		return
	}
	client, err := c.ctrl.FindClient(idOrPrefix)
	if err != nil {
		color.Red("%v", err)
		return
	}
	color.Cyan("Shell for %s, 'exit' to leave", client.Identifier)

	prompt := color.New(color.FgGreen, color.Bold)
	shortID := client.ClientID[:min(8, len(client.ClientID))]
	cwd := ""
	for {
		if cwd != "" {
			prompt.Printf("%s:%s$ ", shortID, cwd)
		} else {
			prompt.Printf("%s$ ", shortID)
		}
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-c.lines:
			if !ok {
				return
			}
			line := strings.TrimSpace(raw)
			if line == "" {
				continue
			}
			if line == "exit" {
				return
			}
			results, err := c.ctrl.DispatchAndWait(ctx, line, []string{client.ClientID}, 0)
			if err != nil {
				color.Red("%v", err)
				return
			}
			printResults(results)
			if result, ok := results[client.ClientID]; ok && result.Cwd != "" {
				cwd = result.Cwd
			}
		}
	}
}

func (c *console) local(command string) {
	if command == "" {
		color.Red("Usage: local <command>")
		return
	}
	printResult("local", c.ctrl.ExecuteLocal(command))
}

func printResults(results map[string]*protocol.Result) {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		printResult(id, results[id])
	}
}

func printResult(id string, result *protocol.Result) {
	switch result.Status {
	case protocol.StatusSuccess:
		if result.ExitCode == 0 {
			color.Green("── %s", id)
		} else {
			color.Yellow("── %s (exit %d)", id, result.ExitCode)
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
	default:
		color.Red("── %s: %s", id, result.Error)
	}
}

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	starter := `host: 0.0.0.0
port: 5555

tls:
  enabled: false
  # cert_file: /etc/cmdmesh/server.crt
  # key_file: /etc/cmdmesh/server.key

auth:
  mode: none
  # mode: jwt
  # secret: ${CMDMESH_AUTH_SECRET}

inventory:
  enabled: false
  # path: /var/lib/cmdmesh/inventory.db

metrics:
  enabled: false
  # addr: 127.0.0.1:9090

timeouts:
  read: 60s
  execution: 60s
  dispatch: 30s
  health_interval: 30s
  staleness: 120s

logging:
  level: info
  format: text

allow_command_requests: false
`
	if err := os.WriteFile(configPath, []byte(starter), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	color.Green("Wrote %s", configPath)
	return nil
}

func runToken() error {
	args := os.Args[2:]
	subject := ""
	ttl := 30 * 24 * time.Hour
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--subject":
			i++
			if i < len(args) {
				subject = args[i]
			}
		case "--ttl":
			i++
			if i < len(args) {
				d, err := time.ParseDuration(args[i])
				if err != nil {
					return fmt.Errorf("parsing --ttl: %w", err)
				}
				ttl = d
			}
		}
	}
	if subject == "" {
		return fmt.Errorf("usage: cmdmesh-controller token --subject NAME [--ttl DUR]")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.Mode != "jwt" || cfg.Auth.Secret == "" {
		return fmt.Errorf("token minting requires auth.mode jwt with a secret configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.Secret)).IssueToken(subject, ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func setupLogger(cfg config.Logging) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{level: level}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	fmt.Println(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &colorHandler{
		level:  h.level,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}
