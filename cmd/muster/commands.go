package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/muster/internal/llm"
	"github.com/cloud-shuttle/muster/internal/logging"
	"github.com/cloud-shuttle/muster/internal/orchestrator"
	"github.com/cloud-shuttle/muster/internal/reconcile"
	"github.com/cloud-shuttle/muster/internal/strategy"
	"github.com/cloud-shuttle/muster/internal/webhook"
	"github.com/cloud-shuttle/muster/internal/worker"
	"github.com/cloud-shuttle/muster/internal/workspace"
	"github.com/cloud-shuttle/muster/pkg/types"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the Muster database",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			fmt.Printf("Initialized Muster database at %s\n", cfg.DatabasePath)
			fmt.Println("\nNext steps:")
			fmt.Println("  muster add project --name myproject --repo owner/repo")
			fmt.Println("  muster add agent --key engineer --prompt-file prompt.txt")
			fmt.Println("  muster add item --project <id> --type engineer --title \"My first task\"")
			fmt.Println("  muster serve")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and webhook ingress",
		Long: `Run the full service: worker goroutines polling the work item queue
plus the HTTP webhook ingress reconciling repository events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(true)
		},
	}
}

func workCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Run the worker pool without the webhook ingress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(false)
		},
	}
}

func runService(withWebhook bool) error {
	logger, err := logging.New(cfg.LogLevel, cfg.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	llmClient := llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMModel, cfg.LLMAPIKey)
	hosts := workspace.DefaultHostClientFactory(cfg.GitHubBaseURL)
	ws := workspace.New(store, cfg.WorkspaceDir, hosts, logger)
	registry := strategy.NewRegistry(store, ws, hosts, logger)
	orch := orchestrator.New(store, llmClient, registry, logger)
	manager := worker.NewManager(store, orch, cfg.Workers, cfg.PollInterval, cfg.StallTimeout, logger)

	errs := make(chan error, 2)

	if withWebhook {
		reconciler := reconcile.New(store, logger)
		server := webhook.NewServer(store, reconciler, cfg.MaxBodyBytes, logger)
		go func() {
			errs <- server.ListenAndServe(cfg.ListenAddr)
		}()
	}

	go func() {
		errs <- manager.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return nil
	case err := <-errs:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show work item counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := store.GetStatusCounts()
			if err != nil {
				return err
			}

			fmt.Printf("Work items: %d total\n", counts.Total)
			fmt.Printf("  pending:     %d\n", counts.Pending)
			fmt.Printf("  in_progress: %d\n", counts.InProgress)
			fmt.Printf("  completed:   %d\n", counts.Completed)
			fmt.Printf("  failed:      %d\n", counts.Failed)
			return nil
		},
	}
}

func addCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register projects, agents, and work items",
	}
	cmd.AddCommand(addProjectCmd(), addAgentCmd(), addItemCmd())
	return cmd
}

func addProjectCmd() *cobra.Command {
	var name, repo, branch, token, secret, workdir string

	cmd := &cobra.Command{
		Use:   "project",
		Short: "Register a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || repo == "" {
				return fmt.Errorf("--name and --repo are required")
			}
			if !strings.Contains(repo, "/") {
				return fmt.Errorf("--repo must be owner/name")
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			project, err := store.CreateProject(&types.Project{
				Name:          name,
				RepoFullName:  repo,
				DefaultBranch: branch,
				GitHubToken:   token,
				WebhookSecret: secret,
				Workdir:       workdir,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Created project %s (%s)\n", project.Name, project.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Project name")
	cmd.Flags().StringVar(&repo, "repo", "", "Repository as owner/name")
	cmd.Flags().StringVar(&branch, "branch", "main", "Default branch")
	cmd.Flags().StringVar(&token, "token", "", "Repository write token")
	cmd.Flags().StringVar(&secret, "webhook-secret", "", "Webhook HMAC secret")
	cmd.Flags().StringVar(&workdir, "workdir", "", "Working tree for file-write work types")

	return cmd
}

func addAgentCmd() *cobra.Command {
	var key, name, prompt, promptFile string
	var capabilities []string
	var maxConcurrency int

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return fmt.Errorf("--key is required")
			}
			if promptFile != "" {
				data, err := os.ReadFile(promptFile)
				if err != nil {
					return fmt.Errorf("reading prompt file: %w", err)
				}
				prompt = string(data)
			}
			if name == "" {
				name = key
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			agent, err := store.CreateAgent(key, name, prompt, capabilities, maxConcurrency)
			if err != nil {
				return err
			}

			fmt.Printf("Created agent %s (%s)\n", agent.Key, agent.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Unique agent key")
	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to key)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Agent system prompt")
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "Read the system prompt from a file")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "Agent capability tag (repeatable)")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 1, "Maximum concurrent work items")

	return cmd
}

func addItemCmd() *cobra.Command {
	var projectID, workType, title, payload, agentKey string
	var priority int

	cmd := &cobra.Command{
		Use:   "item",
		Short: "Queue a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" || workType == "" {
				return fmt.Errorf("--project and --type are required")
			}
			if payload != "" && !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload must be valid JSON")
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			assignedID := ""
			if agentKey != "" {
				agent, err := store.GetAgentByKey(agentKey)
				if err != nil {
					return err
				}
				if agent == nil {
					return fmt.Errorf("unknown agent key %q", agentKey)
				}
				assignedID = agent.ID
			}

			item, err := store.CreateWorkItem(projectID, types.WorkType(workType), title,
				json.RawMessage(payload), priority, assignedID)
			if err != nil {
				return err
			}

			fmt.Printf("Queued work item %s (%s, priority %d)\n", item.ID, item.WorkType, item.Priority)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project ID")
	cmd.Flags().StringVar(&workType, "type", "", "Work type")
	cmd.Flags().StringVar(&title, "title", "", "Work item title")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload document")
	cmd.Flags().StringVar(&agentKey, "agent", "", "Assign to agent by key")
	cmd.Flags().IntVar(&priority, "priority", 0, "Priority (higher runs first)")

	return cmd
}
