package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/config"
)

func newAgentsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agents",
		Aliases: []string{"agent"},
		Short:   "List agents or run one",
	}
	cmd.AddCommand(newAgentsListCmd(a), newAgentsRunCmd(a))
	return cmd
}

func newAgentsListCmd(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			agents, err := a.client().ListAgents(ctxOf(cmd), agent.Status(status))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if done, err := a.emit(out, agents); done {
				return err
			}
			if len(agents) == 0 {
				fmt.Fprintln(out, "no agents")
				return nil
			}
			header(out, "%-36s  %-16s  %-10s  %-7s  %-5s  %s", "ID", "NAME", "TYPE", "STATUS", "LOAD", "CAPABILITIES")
			for _, ag := range agents {
				fmt.Fprintf(out, "%-36s  %-16s  %-10s  %s  %-5s  %s\n",
					ag.ID, truncate(ag.Name, 16), ag.Type,
					statusColor(string(ag.Status)).Sprintf("%-7s", ag.Status),
					fmt.Sprintf("%d/%d", ag.CurrentTasks, ag.MaxConcurrent),
					strings.Join(ag.Capabilities, ","))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func newAgentsRunCmd(a *app) *cobra.Command {
	var (
		profile   agent.Agent
		typ       string
		llm       config.LLMConfig
		poll      time.Duration
		timeout   time.Duration
		redactEnv []string
		logLevel  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an agent that polls the server for work",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := (&config.Config{LogLevel: logLevel, LogFormat: "text"}).NewLogger(cmd.ErrOrStderr())
			profile.Type = agent.Type(typ)
			if profile.Name == "" {
				host, _ := os.Hostname()
				profile.Name = "agent-" + host
			}

			if llm.APIKey == "" {
				switch llm.Provider {
				case "anthropic":
					llm.APIKey = os.Getenv("ANTHROPIC_API_KEY")
				case "openai":
					llm.APIKey = os.Getenv("OPENAI_API_KEY")
				}
			}
			p, err := llm.NewProvider()
			if err != nil {
				return err
			}
			var fallback agent.Executor
			if p != nil {
				fallback = &agent.ProviderExecutor{Provider: p}
			}

			secrets := agent.NewSecretGuard()
			secrets.Add("llm_api_key", llm.APIKey)
			for _, name := range redactEnv {
				secrets.Add(name, os.Getenv(name))
			}

			rt, err := agent.NewRuntime(agent.RuntimeConfig{
				Profile:      &profile,
				Coordinator:  a.client(),
				Executors:    agent.NewRegistry(fallback),
				PollInterval: poll,
				TaskTimeout:  timeout,
				Secrets:      secrets,
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctxOf(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info("agent starting",
				slog.String("server", a.v.GetString("server")),
				slog.String("name", profile.Name),
				slog.String("provider", llm.Provider))
			return rt.Run(ctx)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&profile.ID, "id", "", "agent id (generated when empty)")
	flags.StringVar(&profile.Name, "name", "", "agent name")
	flags.StringVar(&typ, "type", string(agent.TypeLLM), "agent type")
	flags.StringSliceVar(&profile.Capabilities, "caps", nil, "capabilities, e.g. go,testing")
	flags.IntVar(&profile.MaxConcurrent, "max", 1, "maximum concurrent tasks")
	flags.StringVar(&llm.Provider, "provider", "mock", "executor provider: mock, anthropic, openai, none")
	flags.StringVar(&llm.Model, "model", "", "provider model")
	flags.StringVar(&llm.BaseURL, "base-url", "", "provider base URL")
	flags.DurationVar(&poll, "poll", 5*time.Second, "poll interval")
	flags.DurationVar(&timeout, "task-timeout", 0, "per-task execution limit")
	flags.StringSliceVar(&redactEnv, "redact-env", nil, "environment variables whose values are redacted from reports")
	flags.StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
