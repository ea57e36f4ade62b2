package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"moonwatch/internal/app"
	"moonwatch/internal/config"
	"moonwatch/internal/exitplan"
	"moonwatch/internal/logger"

	"github.com/joho/godotenv"
)

const defaultConfigPath = "configs/moonwatch.yaml"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("load .env failed: %v", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "policy" {
		if err := runPolicy(cfg, args[1:], os.Stdout); err != nil {
			log.Fatalf("policy: %v", err)
		}
		return
	}

	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("open log file failed: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	logger.Infof("config loaded (env=%s, http=%s)", cfg.App.Env, cfg.App.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("init app failed: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("run failed: %v", err)
	}
	logger.Infof("moonwatch stopped")
}

// loadConfig reads MOONWATCH_CONFIG, then the default path, and falls back
// to built-in defaults when neither exists.
func loadConfig() (*config.Config, error) {
	path := strings.TrimSpace(os.Getenv("MOONWATCH_CONFIG"))
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return config.Load(defaultConfigPath)
	}
	return config.Default(), nil
}

// runPolicy handles "policy dump" and "policy check <file>".
func runPolicy(cfg *config.Config, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: moonwatch policy dump | check <file>")
	}
	switch args[0] {
	case "dump":
		reg, err := exitplan.NewRegistry(cfg.TPPolicy.PolicyPath, false)
		if err != nil {
			return err
		}
		raw, err := exitplan.MarshalPolicy(reg.Policy())
		if err != nil {
			return err
		}
		_, err = out.Write(raw)
		return err
	case "check":
		if len(args) < 2 {
			return fmt.Errorf("usage: moonwatch policy check <file>")
		}
		if _, err := exitplan.LoadPolicyFile(args[1]); err != nil {
			return err
		}
		_, err := fmt.Fprintf(out, "%s: ok\n", args[1])
		return err
	default:
		return fmt.Errorf("unknown policy command %q", args[0])
	}
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
