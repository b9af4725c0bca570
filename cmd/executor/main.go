package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zephyrfeng/kandev-executor/internal/auth"
	"github.com/zephyrfeng/kandev-executor/internal/backend"
	"github.com/zephyrfeng/kandev-executor/internal/backend/model"
	"github.com/zephyrfeng/kandev-executor/internal/backend/process"
	"github.com/zephyrfeng/kandev-executor/internal/common/config"
	"github.com/zephyrfeng/kandev-executor/internal/common/logger"
	kandevexecutor "github.com/zephyrfeng/kandev-executor/internal/executor"
	"github.com/zephyrfeng/kandev-executor/internal/history"
	"github.com/zephyrfeng/kandev-executor/internal/monitor"
	"github.com/zephyrfeng/kandev-executor/internal/orchestrator"
	"github.com/zephyrfeng/kandev-executor/internal/session"
	"github.com/zephyrfeng/kandev-executor/internal/session/dockeradapter"
	"github.com/zephyrfeng/kandev-executor/internal/statusapi"
	"github.com/zephyrfeng/kandev-executor/internal/workspace"
	v1 "github.com/zephyrfeng/kandev-executor/pkg/api/v1"
)

// loginTokenLifetime is used for a token handed directly to `login`, whose
// real expiry isn't known to the CLI; AuthHeaders still revalidates against
// the identity provider on every call, so this is just a cache hint.
const loginTokenLifetime = 10 * 365 * 24 * time.Hour

func main() {
	sub := "run"
	if len(os.Args) > 1 {
		sub = os.Args[1]
	}

	var err error
	switch sub {
	case "login":
		err = runLogin(os.Args[2:])
	case "logout":
		err = runLogout()
	case "whoami":
		err = runWhoami()
	case "status":
		err = runStatus()
	case "run", "":
		err = runAgent()
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (expected: run, login, logout, whoami, status)\n", sub)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func loadConfigAndLogger() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	return cfg, log, nil
}

func runLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "access token obtained from the identity provider")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return fmt.Errorf("login requires --token <t>")
	}

	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	store := auth.NewStore(cfg.Auth.IdentityURL, cfg.Auth.IdentityAnonKey, cfg.Auth.CacheDir, log)
	if err := store.LoginWithToken(*token, "", time.Now().Add(loginTokenLifetime), ""); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	info, ok := store.Whoami(context.Background())
	if !ok {
		fmt.Println("logged in, but the token could not be validated against the identity provider")
		return nil
	}
	fmt.Printf("logged in as %s (%s)\n", info.Email, info.ID)
	return nil
}

func runLogout() error {
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	store := auth.NewStore(cfg.Auth.IdentityURL, cfg.Auth.IdentityAnonKey, cfg.Auth.CacheDir, log)
	store.Logout()
	fmt.Println("logged out")
	return nil
}

func runWhoami() error {
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	store := auth.NewStore(cfg.Auth.IdentityURL, cfg.Auth.IdentityAnonKey, cfg.Auth.CacheDir, log)
	info, ok := store.Whoami(context.Background())
	if !ok {
		return fmt.Errorf("not logged in")
	}
	fmt.Printf("%s (%s)\n", info.Email, info.ID)
	return nil
}

// runStatus queries a locally running agent's status API over HTTP. It does
// not start an agent of its own.
func runStatus() error {
	cfg, _, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if !cfg.StatusAPI.Enabled {
		return fmt.Errorf("status API is disabled in configuration")
	}

	resp, err := http.Get("http://" + cfg.StatusAPI.Addr + "/status")
	if err != nil {
		return fmt.Errorf("failed to reach running agent at %s: %w", cfg.StatusAPI.Addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read status response: %w", err)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	encoded, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(encoded))
	return nil
}

// runAgent is the default subcommand: load configuration, build every
// component, start the executor core and (optionally) the status API, and
// block until a termination signal triggers graceful shutdown.
func runAgent() error {
	// 1. Load configuration.
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("starting kandev executor", zap.String("agent_name", cfg.AgentName))

	// 2. Create context with cancellation, tied to OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Build the auth store and orchestrator client (C1/C2).
	authStore := auth.NewStore(cfg.Auth.IdentityURL, cfg.Auth.IdentityAnonKey, cfg.Auth.CacheDir, log)
	orchClient := orchestrator.NewClient(cfg.OrchestratorURL, authStore, log)

	// 4. Build the execution back-ends (C3/C4/C5/C6/C7).
	backends := make(map[v1.ExecutionMode]backend.Backend)

	if cfg.ModelAPI.APIKey != "" {
		backends[v1.ExecutionModeAPI] = model.New(cfg.ModelAPI, log)
	}

	if cfg.Process.ExternalToolPath != "" {
		ws, err := workspace.New(cfg.Workspace.BaseDir, log)
		if err != nil {
			return fmt.Errorf("failed to initialize workspace manager: %w", err)
		}

		var docker *dockeradapter.Client
		if cfg.Process.WindowMode == config.WindowModeContainer {
			docker, err = dockeradapter.NewClient(cfg.Docker, log)
			if err != nil {
				return fmt.Errorf("failed to initialize docker client for container window_mode: %w", err)
			}
			if err := docker.Ping(ctx); err != nil {
				return fmt.Errorf("docker daemon unreachable for container window_mode: %w", err)
			}
			defer docker.Close()
		}

		sessions := session.NewManager(cfg.Process, cfg.Docker.Image, docker, log)
		mon := monitor.New(log)
		timeout := time.Duration(cfg.TaskTimeoutSeconds) * time.Second
		backends[v1.ExecutionModeProcess] = process.New(ws, sessions, mon, cfg.Workspace.AutoCleanup, timeout, log)
	}

	// 5. Open the local execution history store.
	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		defer hist.Close()
		log.Info("opened execution history store", zap.String("path", cfg.History.DBPath))
	}

	// 6. Build the executor core (C8).
	core := kandevexecutor.New(*cfg, orchClient, backends, log)
	if hist != nil {
		core.SetRecorder(hist)
	}

	// 7. Start the optional status API (C9, ambient).
	var statusServer *statusapi.Server
	if cfg.StatusAPI.Enabled {
		statusServer = statusapi.NewServer(cfg.StatusAPI.Addr, func() any { return core.Status() }, log)
		statusServer.Start()
		log.Info("status API started", zap.String("addr", cfg.StatusAPI.Addr))
	}

	// 8. Start the executor.
	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("failed to start executor: %w", err)
	}
	log.Info("executor started successfully")

	// 9. Block until a termination signal arrives.
	<-ctx.Done()
	log.Info("shutdown signal received, stopping executor")

	// 10. Graceful shutdown.
	if err := core.Stop(); err != nil {
		log.Error("error during executor shutdown", zap.Error(err))
	}
	if statusServer != nil {
		if err := statusServer.Stop(); err != nil {
			log.Error("error during status API shutdown", zap.Error(err))
		}
	}

	log.Info("executor stopped")
	return nil
}
