package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskpilot/internal/app"
	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/engine"
	"taskpilot/internal/ingest"
	"taskpilot/internal/migrate"
	"taskpilot/internal/registry"
	"taskpilot/internal/secrets"
	"taskpilot/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tp",
	Short: "Taskpilot CLI",
	Long: `Taskpilot automates what happens when messages arrive.
Core concepts:
- Workspace: your .taskpilot directory holding the database and uploads.
- Linked accounts: external services (gmail, slack, ...) whose tokens are
  stored encrypted; messages are ingested against an account.
- Tasks: automation rules with a prompt, a priority, monitored accounts and
  enabled action kinds; active tasks run until their execution budget is spent.
- Actions: the catalog of things a task can do (send_notification,
  save_message, send_email, trigger_task, upload_content, forward_message,
  create_task, summarize_text).
- Executions: every run is recorded with its decision, per-action results
  and a full status transition history.
- Event log: diary of changes, view with 'tp log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
}

func userID() string { return viper.GetString("user") }

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	a, err := app.Build(conn, cfg, workspace, log.Default())
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Status(ctx, userID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Accounts: %d\n", s.Accounts)
				fmt.Printf("Tasks: %d active / %d total\n", s.ActiveTasks, s.TotalTasks)
				fmt.Println("Messages:")
				for status, c := range s.MessageCounts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
}

func accountCmd() *cobra.Command {
	acc := &cobra.Command{Use: "account", Short: "Manage linked accounts"}
	acc.AddCommand(accountLinkCmd())
	acc.AddCommand(accountListCmd())
	acc.AddCommand(accountShowCmd())
	acc.AddCommand(accountUnlinkCmd())
	return acc
}

func accountLinkCmd() *cobra.Command {
	var service, identifier, token, refreshToken, expiresAt string
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link an external account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				acct, err := a.Engine.LinkAccount(ctx, engine.AccountLinkOptions{
					OwnerID:        userID(),
					Service:        service,
					Identifier:     identifier,
					Token:          token,
					RefreshToken:   refreshToken,
					TokenExpiresAt: expiresAt,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(acct)
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service name (gmail, slack, ...)")
	cmd.Flags().StringVar(&identifier, "identifier", "", "account identifier")
	cmd.Flags().StringVar(&token, "token", "", "access token")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "refresh token")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "token expiry (RFC3339)")
	return cmd
}

func accountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List linked accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListAccounts(ctx, userID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Service", "Identifier", "Active", "Added"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Service, it.Identifier, it.IsActive, it.AddedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func accountShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <account-id>",
		Short: "Show a linked account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				acct, err := a.Engine.GetAccount(ctx, userID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(acct)
			})
		},
	}
}

func accountUnlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <account-id>",
		Short: "Unlink an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.UnlinkAccount(ctx, userID(), args[0]); err != nil {
					return err
				}
				fmt.Println("unlinked", args[0])
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskPauseCmd())
	task.AddCommand(taskResumeCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title, description, prompt, aiConfig, priority string
	var actionKinds, accountIDs []string
	var maxExecutions int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTask(ctx, engine.TaskCreateOptions{
					OwnerID:       userID(),
					Title:         title,
					Description:   description,
					Prompt:        prompt,
					AIConfigJSON:  aiConfig,
					Priority:      priority,
					ActionKinds:   actionKinds,
					AccountIDs:    accountIDs,
					MaxExecutions: maxExecutions,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&prompt, "prompt", "", "instruction for the decider")
	cmd.Flags().StringVar(&aiConfig, "ai-config", "", "decider configuration (JSON)")
	cmd.Flags().StringVar(&priority, "priority", "", "low|medium|high|urgent")
	cmd.Flags().StringSliceVar(&actionKinds, "action", nil, "enabled action kind (repeatable)")
	cmd.Flags().StringSliceVar(&accountIDs, "account", nil, "monitored account id (repeatable)")
	cmd.Flags().IntVar(&maxExecutions, "max-executions", 0, "execution budget, 0 = unlimited")
	return cmd
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListTasks(ctx, userID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Runs", "Budget"})
				for _, t := range items {
					budget := "∞"
					if t.MaxExecutions > 0 {
						budget = fmt.Sprintf("%d", t.MaxExecutions)
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.ExecutionCount, budget})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.GetTask(ctx, userID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, description, prompt, aiConfig, priority string
	var actionKinds, accountIDs []string
	var maxExecutions int
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts := engine.TaskUpdateOptions{}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &description
				}
				if cmd.Flags().Changed("prompt") {
					opts.Prompt = &prompt
				}
				if cmd.Flags().Changed("ai-config") {
					opts.AIConfigJSON = &aiConfig
				}
				if cmd.Flags().Changed("priority") {
					opts.Priority = &priority
				}
				if cmd.Flags().Changed("action") {
					opts.ActionKinds = actionKinds
				}
				if cmd.Flags().Changed("account") {
					opts.AccountIDs = accountIDs
				}
				if cmd.Flags().Changed("max-executions") {
					opts.MaxExecutions = &maxExecutions
				}
				t, err := a.Engine.UpdateTask(ctx, userID(), args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&prompt, "prompt", "", "instruction for the decider")
	cmd.Flags().StringVar(&aiConfig, "ai-config", "", "decider configuration (JSON)")
	cmd.Flags().StringVar(&priority, "priority", "", "low|medium|high|urgent")
	cmd.Flags().StringSliceVar(&actionKinds, "action", nil, "enabled action kind (repeatable)")
	cmd.Flags().StringSliceVar(&accountIDs, "account", nil, "monitored account id (repeatable)")
	cmd.Flags().IntVar(&maxExecutions, "max-executions", 0, "execution budget, 0 = unlimited")
	return cmd
}

func taskPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Pause a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.PauseTask(ctx, userID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a paused task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.ResumeTask(ctx, userID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task (cancelled if it already ran)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteTask(ctx, userID(), args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func messageCmd() *cobra.Command {
	msg := &cobra.Command{Use: "message", Short: "Ingest and inspect messages"}
	msg.AddCommand(messageIngestCmd())
	msg.AddCommand(messageListCmd())
	msg.AddCommand(messageShowCmd())
	msg.AddCommand(messageSummarizeCmd())
	return msg
}

func messageIngestCmd() *cobra.Command {
	var accountID, externalID, title, content, priority, senderInfo string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a message and run matching tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.GetAccount(ctx, userID(), accountID); err != nil {
					return err
				}
				var sender *string
				if senderInfo != "" {
					sender = &senderInfo
				}
				res, err := a.Gate.Ingest(ctx, ingest.Incoming{
					AccountID:         accountID,
					ExternalMessageID: externalID,
					Title:             title,
					Content:           content,
					Priority:          priority,
					SenderInfoJSON:    sender,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "linked account id")
	cmd.Flags().StringVar(&externalID, "external-id", "", "provider message id")
	cmd.Flags().StringVar(&title, "title", "", "message title")
	cmd.Flags().StringVar(&content, "content", "", "message body")
	cmd.Flags().StringVar(&priority, "priority", "", "low|normal|high|urgent")
	cmd.Flags().StringVar(&senderInfo, "sender-info", "", "sender info (JSON)")
	return cmd
}

func messageListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListMessages(ctx, userID(), limit, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Created"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Title, m.Status, m.Priority, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max messages")
	return cmd
}

func messageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <message-id>",
		Short: "Show a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.GetMessage(ctx, userID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func messageSummarizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summarize <message-id>",
		Short: "Summarize a message (requires llm decider mode)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.SummarizeMessage(ctx, userID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{Use: "action", Short: "Action catalog"}
	act.AddCommand(actionListCmd())
	act.AddCommand(actionExecCmd())
	return act
}

func actionListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListActions(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "Name", "Active", "Schema"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Kind, it.Name, it.IsActive, it.ConfigSchemaJSON})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active actions")
	return cmd
}

func actionExecCmd() *cobra.Command {
	var kind, configJSON, messageID string
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Execute one action immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := registry.Config{}
				if configJSON != "" {
					if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
						return fmt.Errorf("invalid --config: %w", err)
					}
				}
				opts := engine.ExecuteActionOptions{
					ExecutorID: userID(),
					Kind:       kind,
					Config:     cfg,
				}
				if messageID != "" {
					opts.MessageID = &messageID
				}
				exec, err := a.Engine.ExecuteAction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "action kind")
	cmd.Flags().StringVar(&configJSON, "config", "", "action config (JSON)")
	cmd.Flags().StringVar(&messageID, "message", "", "message id in scope")
	return cmd
}

func execCmd() *cobra.Command {
	ex := &cobra.Command{Use: "exec", Short: "Inspect executions"}
	ex.AddCommand(execListCmd())
	ex.AddCommand(execShowCmd())
	return ex
}

func execListCmd() *cobra.Command {
	var taskID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions of a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--task required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListExecutions(ctx, userID(), taskID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Started", "Completed"})
				for _, e := range items {
					completed := ""
					if e.CompletedAt != nil {
						completed = *e.CompletedAt
					}
					tw.AppendRow(table.Row{e.ID, e.Status, e.StartedAt, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max executions")
	return cmd
}

func execShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show an execution with its actions and transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				exec, err := a.Engine.Repo.GetTaskExecution(ctx, args[0])
				if err != nil {
					return err
				}
				if _, err := a.Engine.GetTask(ctx, userID(), exec.TaskID); err != nil {
					return err
				}
				actions, err := a.Engine.Repo.ListActionExecutions(ctx, "", exec.ID, 0)
				if err != nil {
					return err
				}
				transitions, err := a.Engine.Repo.ListTransitions(ctx, "task", exec.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"execution":   exec,
					"actions":     actions,
					"transitions": transitions,
				})
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEvents(ctx, n, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Keys and credentials"}
	key.AddCommand(keyGenerateCmd())
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Generate a token encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(k)
			return nil
		},
	}
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, plaintext, err := a.Engine.CreateAPIKey(ctx, userID(), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":  key.ID,
					"key": plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.ListAPIKeys(ctx, userID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func keyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteAPIKey(ctx, userID(), args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			a, err := app.Build(conn, cfg, workspace, log.Default())
			if err != nil {
				return err
			}
			jwtSecret := cfg.Server.JWTSecret
			if env := os.Getenv("TASKPILOT_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" {
				return fmt.Errorf("TASKPILOT_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Gate:     a.Gate,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret, DevLogin: devLogin || cfg.Server.DevLogin},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taskpilot API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	return cmd
}
