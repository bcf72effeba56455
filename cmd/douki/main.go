// Package main is the douki CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/douki/internal/backend"
	"github.com/hyperjump/douki/internal/chat"
	"github.com/hyperjump/douki/internal/cli"
	"github.com/hyperjump/douki/internal/config"
	"github.com/hyperjump/douki/internal/gateway"
	"github.com/hyperjump/douki/internal/ingest"
	"github.com/hyperjump/douki/internal/models"
	"github.com/hyperjump/douki/internal/server"
	"github.com/hyperjump/douki/internal/store"
	"github.com/hyperjump/douki/internal/watcher"
	"github.com/hyperjump/douki/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/douki/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used, so "douki server" from the project dir picks up the project's
// config (including debug).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "assets":
		runAssets()
	case "upload":
		runUpload()
	case "sync":
		runSync()
	case "chat":
		runChat()
	case "version", "--version", "-v":
		fmt.Printf("douki version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`douki - state synchronization engine for the academic agent backend

Usage: douki <command> [flags]

Commands:
  server    Run the engine (pollers, drop watcher, HTTP API)
  assets    List the mirrored asset collection
  upload    Register a file as a new asset
  sync      Trigger backend processing of pending assets
  chat      Ask a question and print the finished transcript
  version   Print version
  help      Show this help
`)
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (poll ticks, stream deltas, watcher events)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.String("backend", cfg.Backend.BaseURL),
		zap.Bool("debug", debugMode),
	)

	var debugLogger *zap.Logger
	if debugMode {
		debugLogger = logger
	}

	client := newBackendClient(cfg, debugLogger)
	st := newStore(debugLogger)
	poller := newIngestPoller(client, st, cfg, debugLogger)
	coordinator := newChatCoordinator(client, st, cfg, debugLogger)
	defer coordinator.Close()

	hub := server.NewHub(debugLogger)
	hub.BindStore(st)

	gwOpts := []gateway.Option{
		gateway.WithDetailTTL(cfg.Chat.CacheTTL()),
		gateway.WithJumpHandler(hub.JumpHandler()),
	}
	if debugLogger != nil {
		gwOpts = append(gwOpts, gateway.WithLogger(debugLogger))
	}
	gw := gateway.New(client, st, coordinator, poller, gwOpts...)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Initial mirror of the backend's collections. A dead backend is not
	// fatal; the collections fill in on the first successful intent.
	if err := gw.RefreshAll(rootCtx); err != nil {
		logger.Warn("initial refresh failed", zap.Error(err))
	}
	if len(st.NonTerminalAssetIDs()) > 0 {
		poller.Kick(rootCtx)
	}

	var watchSvc *watcher.Watcher
	if len(cfg.Watch.Directories) > 0 {
		watchOpts := []watcher.Option{}
		if debugLogger != nil {
			watchOpts = append(watchOpts, watcher.WithLogger(debugLogger))
		}
		watchSvc = watcher.New(
			cfg.Watch.Directories,
			cfg.Watch.Extensions,
			cfg.Watch.RecursiveOrDefault(),
			gw,
			watchOpts...,
		)
		if err := watchSvc.Start(rootCtx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		watchSvc.UploadExistingFiles(rootCtx)
	}

	srv := server.NewServer(gw, st, watchSvc, hub, &cfg.Server, logger)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if watchSvc != nil {
		watchSvc.Stop()
	}
	rootCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func newBackendClient(cfg *config.Config, debugLogger *zap.Logger) *backend.Client {
	opts := []backend.ClientOption{backend.WithTimeout(cfg.Backend.Timeout())}
	if debugLogger != nil {
		opts = append(opts, backend.WithLogger(debugLogger))
	}
	return backend.NewClient(cfg.Backend.BaseURL, opts...)
}

func newStore(debugLogger *zap.Logger) *store.Store {
	if debugLogger != nil {
		return store.New(store.WithLogger(debugLogger))
	}
	return store.New()
}

func newIngestPoller(client *backend.Client, st *store.Store, cfg *config.Config, debugLogger *zap.Logger) *ingest.Poller {
	opts := []ingest.PollerOption{
		ingest.WithInterval(cfg.Ingest.PollInterval()),
		ingest.WithDwell(cfg.Ingest.Dwell()),
		ingest.WithProgressFloor(cfg.Ingest.ProgressFloor),
	}
	if debugLogger != nil {
		opts = append(opts, ingest.WithLogger(debugLogger))
	}
	return ingest.NewPoller(client, st, opts...)
}

func newChatCoordinator(client *backend.Client, st *store.Store, cfg *config.Config, debugLogger *zap.Logger) *chat.Coordinator {
	opts := []chat.Option{chat.WithPollInterval(cfg.Chat.PollInterval())}
	if debugLogger != nil {
		opts = append(opts, chat.WithLogger(debugLogger))
	}
	return chat.NewCoordinator(client, st, opts...)
}

func runAssets() {
	fs := flag.NewFlagSet("assets", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8710", "engine server URL")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	var resp struct {
		Data []models.Asset `json:"data"`
	}
	if err := getJSON(*serverURL+"/api/v1/assets", &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list assets: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteAssets(os.Stdout, resp.Data, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runUpload() {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8710", "engine server URL")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fmt.Println("Usage: douki upload [flags] <file>")
		os.Exit(1)
	}
	path := fs.Arg(0)
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", path, err)
		os.Exit(1)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := io.Copy(fw, f); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	mw.Close()

	resp, err := http.Post(*serverURL+"/api/v1/assets/upload", mw.FormDataContentType(), &body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Upload failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "Upload rejected (%d): %s\n", resp.StatusCode, string(b))
		os.Exit(1)
	}
	fmt.Printf("Uploaded: %s\n", strings.TrimSpace(string(b)))
}

func runSync() {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8710", "engine server URL")
	_ = fs.Parse(os.Args[2:])

	resp, err := http.Post(*serverURL+"/api/v1/assets/sync", "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		fmt.Println("Backend is busy; try again when the current run finishes.")
		os.Exit(1)
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Sync rejected (%d): %s\n", resp.StatusCode, string(b))
		os.Exit(1)
	}
	fmt.Println("Sync started.")
}

func runChat() {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8710", "engine server URL")
	chatID := fs.String("chat", "", "existing chat id (empty = create a new session)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	wait := fs.Duration("wait", 2*time.Minute, "how long to wait for the reply")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fmt.Println("Usage: douki chat [flags] <question>")
		os.Exit(1)
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	id := *chatID
	if id == "" {
		var created struct {
			ChatID string `json:"chat_id"`
		}
		if err := postJSON(*serverURL+"/api/v1/chats", nil, &created); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create chat: %v\n", err)
			os.Exit(1)
		}
		id = created.ChatID
	}

	if err := postJSON(*serverURL+"/api/v1/chats/"+id+"/messages", map[string]string{"message": question}, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to send message: %v\n", err)
		os.Exit(1)
	}

	deadline := time.Now().Add(*wait)
	var session models.ChatSession
	for {
		if err := getJSON(*serverURL+"/api/v1/chats/"+id, &session); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to fetch chat: %v\n", err)
			os.Exit(1)
		}
		if session.Phase.Terminal() && session.OpenMessage() == nil {
			break
		}
		if time.Now().After(deadline) {
			fmt.Fprintf(os.Stderr, "Timed out waiting for the reply (phase: %s)\n", session.Phase)
			os.Exit(1)
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err := cli.WriteChat(os.Stdout, session, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func getJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(url string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
