package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"judgeflow/internal/cli/command"
	"judgeflow/internal/cli/config"
	httpclient "judgeflow/internal/cli/http"
	"judgeflow/internal/cli/repl"
	"judgeflow/internal/cli/state"
	commoncfg "judgeflow/internal/common/config"
)

const defaultConfigPath = "configs/judgectl.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	baseURL := flag.String("base", "", "Override base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 10s)")
	token := flag.String("token", "", "Override access token")
	statePath := flag.String("state", "", "Override token state path")
	pretty := flag.Bool("pretty", false, "Pretty print JSON response")
	flag.Parse()

	if err := commoncfg.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load env failed: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
			os.Exit(1)
		}
		cfg = config.Default()
	}
	if *baseURL != "" {
		cfg.BaseURL = strings.TrimRight(*baseURL, "/")
		cfg.WebsocketURL = config.WebsocketURL(cfg.BaseURL)
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *statePath != "" {
		cfg.TokenStatePath = *statePath
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	saved, err := state.Load(cfg.TokenStatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load state failed: %v\n", err)
		os.Exit(1)
	}
	if *token != "" {
		saved.AccessToken = *token
	} else if env := os.Getenv("JUDGEFLOW_TOKEN"); env != "" && saved.AccessToken == "" {
		saved.AccessToken = env
	}

	rl, err := repl.NewReadline(cfg.HistoryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init terminal failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = rl.Close() }()

	client := httpclient.New(cfg.BaseURL, cfg.Timeout, func() string {
		return saved.AccessToken
	})
	session := repl.New(client, command.Registry(), &saved, rl, rl.Stdout(), repl.Options{
		StatePath:    cfg.TokenStatePath,
		WebsocketURL: cfg.WebsocketURL,
		PrettyJSON:   cfg.PrettyJSON != nil && *cfg.PrettyJSON,
	})
	session.Run(context.Background())
}
