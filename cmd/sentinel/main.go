// Package main is the CLI entry point for Sentinel — a transparent
// intercepting proxy that sits between an LLM-driven agent and the
// upstream message-completion API, recording every request and response
// into durable local storage and fanning reconstructed events out to live
// subscribers.
//
// Architecture overview:
//
//	agent SDK --> Sentinel proxy (:9000) --> API provider
//	               |
//	               +-- tap response stream
//	               |-- reconstruct assistant_response from SSE deltas
//	               |-- store (sqlite, seq-ordered)
//	               +-- bus --> push channel (:9001) --> UI / consumers
//
// CLI commands (cobra):
//
//	sentinel start                    - Run the proxy and management server
//	sentinel agents                   - List observed agents
//	sentinel logs [--agent|--type|--session] [--follow]
//	                                  - Query the flight log, optionally live-tail
//	sentinel export --checkpoint <id> - Export events up to a sequence checkpoint
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gobwas/glob"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cnrmurphy/sentinel/internal/agent"
	"github.com/cnrmurphy/sentinel/internal/api"
	"github.com/cnrmurphy/sentinel/internal/bus"
	"github.com/cnrmurphy/sentinel/internal/config"
	"github.com/cnrmurphy/sentinel/internal/event"
	"github.com/cnrmurphy/sentinel/internal/proxy"
	"github.com/cnrmurphy/sentinel/internal/store"
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Sentinel — flight recorder proxy for LLM agents",
	Long: `Sentinel is a transparent intercepting proxy between an LLM-driven agent
and the upstream API provider. It records every request and response into
durable local storage, reconstructs semantic events from the streaming wire
protocol, and fans them out in real time to subscribers — with no
modification to the agent.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(exportCmd)
}

// ============================================================================
// sentinel start
// ============================================================================

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy and the management server",
	RunE:  runStart,
}

// Shutdown deadlines: in-flight proxy requests get the long one, bus
// subscriber drain the short one.
const (
	requestDrainTimeout    = 30 * time.Second
	subscriberDrainTimeout = 5 * time.Second
)

func runStart(cmd *cobra.Command, args []string) error {
	// .env in the working directory, if present, feeds the SENTINEL_*
	// overrides. Absence is not an error.
	if err := godotenv.Load(); err == nil {
		slog.Debug(".env loaded")
	}

	dataDir := config.DataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	configPath := filepath.Join(dataDir, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.WriteDefault(configPath); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
		slog.Info("wrote default config", "path", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	upstream, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return fmt.Errorf("parsing upstream URL: %w", err)
	}

	st, err := store.Open(filepath.Join(dataDir, "sentinel.db"))
	if err != nil {
		return err
	}

	registry, err := agent.NewRegistry(st, time.Duration(cfg.Registry.IdleAfterSeconds)*time.Second)
	if err != nil {
		st.Close()
		return fmt.Errorf("loading agent registry: %w", err)
	}

	eventBus := bus.New(cfg.Capture.SubscriberBuffer)

	proxyHandler := proxy.New(proxy.Options{
		Upstream:       upstream,
		Store:          st,
		Bus:            eventBus,
		Registry:       registry,
		MaxBodyBytes:   cfg.Capture.MaxBodyBytes,
		TapBufferBytes: cfg.Capture.TapBufferBytes,
	})

	mgmt := api.New(api.Options{
		Store:    st,
		Bus:      eventBus,
		Registry: registry,
	})

	// appCtx is wired into both servers' request contexts so subscriber
	// loops observe shutdown.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	mgmt.Start(appCtx)

	baseCtx := func(net.Listener) context.Context { return appCtx }
	proxySrv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     proxyHandler,
		BaseContext: baseCtx,
	}
	mgmtSrv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.ManagementPort),
		Handler:     mgmt.Handler(),
		BaseContext: baseCtx,
	}

	watcher, err := config.NewWatcher(dataDir, func(next *config.Config) {
		// Capture tunables apply live; bind addresses and the upstream
		// URL are baked into the listeners and need a restart.
		proxyHandler.SetLimits(next.Capture.MaxBodyBytes, next.Capture.TapBufferBytes)
		eventBus.SetBufferSize(next.Capture.SubscriberBuffer)
		registry.SetIdleAfter(time.Duration(next.Registry.IdleAfterSeconds) * time.Second)
		slog.Info("capture tunables reloaded",
			"maxBodyBytes", next.Capture.MaxBodyBytes,
			"tapBufferBytes", next.Capture.TapBufferBytes,
			"subscriberBuffer", next.Capture.SubscriberBuffer,
			"idleAfterSeconds", next.Registry.IdleAfterSeconds,
		)
		if next.Server != cfg.Server || next.Upstream != cfg.Upstream {
			slog.Info("server or upstream changed in config.yaml; restart to apply")
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("proxy listening", "addr", proxySrv.Addr, "upstream", upstream.String())
		if err := proxySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()
	go func() {
		slog.Info("management server listening", "addr", mgmtSrv.Addr)
		if err := mgmtSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("management server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		slog.Error("server failed", "error", err)
	}

	// Shutdown order: stop accepting and wait for in-flight requests,
	// then cut subscriber loops loose and drain the push channel, then
	// close the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), requestDrainTimeout)
	proxySrv.Shutdown(shutdownCtx)
	cancel()

	appCancel()

	drainCtx, cancel := context.WithTimeout(context.Background(), subscriberDrainTimeout)
	mgmtSrv.Shutdown(drainCtx)
	cancel()

	eventBus.Close()

	if err := st.Close(); err != nil {
		slog.Error("store close failed", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// ============================================================================
// sentinel agents
// ============================================================================

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List observed agents",
	RunE:  runAgents,
}

func runAgents(cmd *cobra.Command, args []string) error {
	st, err := openStoreReadOnly()
	if err != nil {
		return err
	}
	defer st.Close()

	agents, err := st.ListAgents()
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents observed yet.")
		return nil
	}

	fmt.Printf("%-32s %-10s %-24s %s\n", "NAME", "STATUS", "LAST SEEN", "SESSION")
	for _, a := range agents {
		fmt.Printf("%-32s %-10s %-24s %s\n", a.Name, a.Status, a.LastSeenAt, a.SessionID)
	}
	return nil
}

// ============================================================================
// sentinel logs
// ============================================================================

var (
	logsAgent   string
	logsType    string
	logsSession string
	logsLimit   int
	logsFollow  bool
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Query the flight log",
	Long: `Query recent events from the store. --agent accepts a glob pattern
(e.g. 'claude-*'). With --follow, the command live-tails the push channel
of a running sentinel instead.`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().StringVar(&logsAgent, "agent", "", "Filter by agent name (glob)")
	logsCmd.Flags().StringVar(&logsType, "type", "", "Filter by payload type")
	logsCmd.Flags().StringVar(&logsSession, "session", "", "Filter by session id")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 50, "Maximum events to print")
	logsCmd.Flags().BoolVar(&logsFollow, "follow", false, "Live-tail the push channel")
}

func runLogs(cmd *cobra.Command, args []string) error {
	if logsFollow {
		return followLogs()
	}

	var matcher glob.Glob
	if logsAgent != "" {
		g, err := glob.Compile(logsAgent)
		if err != nil {
			return fmt.Errorf("bad --agent pattern %q: %w", logsAgent, err)
		}
		matcher = g
	}

	st, err := openStoreReadOnly()
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := st.RecentEvents(logsLimit)
	if err != nil {
		return err
	}

	for _, e := range events {
		if matcher != nil && !matcher.Match(e.Agent) {
			continue
		}
		if logsType != "" && e.Payload.Type != logsType {
			continue
		}
		if logsSession != "" && e.SessionID != logsSession {
			continue
		}
		printEvent(e)
	}
	return nil
}

// followLogs tails the push channel of a running sentinel, so the CLI and
// the browser share one read path.
func followLogs() error {
	cfg, err := config.Load(filepath.Join(config.DataDir(), "config.yaml"))
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("http://%s:%d/api/events", cfg.Server.Host, cfg.Server.ManagementPort)
	if logsAgent != "" {
		endpoint += "?agent=" + url.QueryEscape(logsAgent)
	}

	resp, err := http.Get(endpoint)
	if err != nil {
		return fmt.Errorf("connecting to push channel (is sentinel running?): %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push channel returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		var env event.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			slog.Warn("undecodable push frame", "error", err)
			continue
		}

		switch env.Type {
		case event.EnvelopeObservabilityEvent:
			var inner struct {
				Event event.Event `json:"event"`
			}
			if err := json.Unmarshal(env.Payload, &inner); err != nil {
				slog.Warn("undecodable event payload", "error", err)
				continue
			}
			e := inner.Event
			if logsType != "" && e.Payload.Type != logsType {
				continue
			}
			if logsSession != "" && e.SessionID != logsSession {
				continue
			}
			printEvent(e)

		case event.EnvelopeResyncRequired:
			var r event.Resync
			if err := json.Unmarshal(env.Payload, &r); err == nil {
				fmt.Printf("-- resync required: %d events dropped (latest seq %d) --\n",
					r.EventsDropped, r.LatestSeq)
			}
		}
	}
	return scanner.Err()
}

// printEvent renders one event as a log line.
func printEvent(e event.Event) {
	summary := ""
	switch e.Payload.Type {
	case event.TypeUserMessage:
		summary = firstLine(e.Payload.UserMessage.Text)
	case event.TypeAssistantResponse:
		r := e.Payload.AssistantResponse
		summary = firstLine(r.Text)
		if len(r.ToolCalls) > 0 {
			names := make([]string, len(r.ToolCalls))
			for i, tc := range r.ToolCalls {
				names[i] = tc.Name
			}
			summary = fmt.Sprintf("%s [tools: %s]", summary, strings.Join(names, ", "))
		}
	case event.TypeAgentActivity:
		summary = e.Payload.AgentActivity.Phase
	case event.TypeLabel:
		l := e.Payload.Label
		summary = fmt.Sprintf("%s %s=%s", l.Kind, l.Key, l.Value)
	case event.TypeError:
		summary = e.Payload.Error.Message
	}
	fmt.Printf("[%s] seq=%d agent=%s type=%s %s\n",
		e.Timestamp, e.Seq, e.Agent, e.Payload.Type, summary)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > 80 {
		s = string(runes[:80]) + "…"
	}
	return s
}

// ============================================================================
// sentinel export
// ============================================================================

var (
	exportCheckpoint int64
	exportFormat     string
	exportOutput     string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export events up to a sequence checkpoint",
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().Int64Var(&exportCheckpoint, "checkpoint", 0, "Highest seq to include (required)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Output format: jsonl or json")
	exportCmd.Flags().StringVar(&exportOutput, "output", "", "Output file (default stdout)")
	exportCmd.MarkFlagRequired("checkpoint")
}

func runExport(cmd *cobra.Command, args []string) error {
	st, err := openStoreReadOnly()
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := st.EventsUpTo(exportCheckpoint)
	if err != nil {
		return err
	}

	out := os.Stdout
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	switch exportFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(events); err != nil {
			return err
		}
	case "jsonl":
		enc := json.NewEncoder(out)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported export format: %s (use json or jsonl)", exportFormat)
	}

	fmt.Fprintf(os.Stderr, "exported %d events up to seq %d\n", len(events), exportCheckpoint)
	return nil
}

// openStoreReadOnly opens the store for a CLI query against a possibly
// running sentinel. WAL mode makes the concurrent read safe.
func openStoreReadOnly() (*store.Store, error) {
	return store.Open(filepath.Join(config.DataDir(), "sentinel.db"))
}
