package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"heir/internal/app"
	"heir/internal/config"
	"heir/internal/db"
	"heir/internal/doctrine"
	"heir/internal/domain"
	"heir/internal/engine"
	"heir/internal/registry"
	"heir/internal/repo"
	"heir/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "heir",
	Short: "HEIR doctrine governance CLI",
	Long: `HEIR governs agent traffic with three cooperating pieces:
- Doctrine gate: every governed request carries a unique_id, a VerbObject
  process_id, an agent_signature and a blueprint_id; malformed identity is
  rejected with the full list of violations.
- Escalation engine: reported errors are matched against a troubleshooting
  knowledge base; unresolved or repeating errors escalate once per key.
- Schema registry: an append-only ledger of applied schema versions,
  idempotent under redeploys.`,
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
	viper.SetEnvPrefix("HEIR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("service", "heir", "service name for default config")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("service", rootCmd.PersistentFlags().Lookup("service"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(errorsCmd())
	rootCmd.AddCommand(escalationsCmd())
	rootCmd.AddCommand(kbCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default heir.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			content := config.GenerateDefault(viper.GetString("service"))
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing config")
	_ = viper.BindPFlag("force", cmd.Flags().Lookup("force"))
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("service"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func validateCmd() *cobra.Command {
	var uniqueID, processID, signature, blueprintID string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate doctrine headers without touching storage",
		Long:  "Runs the same grammar checks the HTTP gate applies and prints every violation. Exit status 1 when any check fails.",
		RunE: func(cmd *cobra.Command, args []string) error {
			headers := map[string]string{}
			if uniqueID != "" {
				headers[doctrine.HeaderUniqueID] = uniqueID
			}
			if processID != "" {
				headers[doctrine.HeaderProcessID] = processID
			}
			if signature != "" {
				headers[doctrine.HeaderAgentSignature] = signature
			}
			if blueprintID != "" {
				headers[doctrine.HeaderBlueprintID] = blueprintID
			}
			verdict := doctrine.ValidateHeaders(headers)
			if viper.GetBool("json") {
				if err := printJSON(verdict); err != nil {
					return err
				}
			} else if verdict.Valid {
				fmt.Println("OK")
			} else {
				for _, msg := range verdict.Errors {
					fmt.Println("-", msg)
				}
			}
			if !verdict.Valid {
				// Exit nonzero without cobra printing a usage screen.
				cmd.SilenceUsage = true
				cmd.SilenceErrors = true
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&uniqueID, "unique-id", "", "unique_id header value")
	cmd.Flags().StringVar(&processID, "process-id", "", "process_id header value")
	cmd.Flags().StringVar(&signature, "agent-signature", "", "agent_signature header value")
	cmd.Flags().StringVar(&blueprintID, "blueprint-id", "", "blueprint_id header value")
	return cmd
}

func errorsCmd() *cobra.Command {
	errs := &cobra.Command{Use: "errors", Short: "Error reporting and log"}
	errs.AddCommand(errorsReportCmd())
	errs.AddCommand(errorsListCmd())
	return errs
}

func errorsReportCmd() *cobra.Command {
	var processID, errorCode, message, agentID string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report an error occurrence through the escalation pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if processID == "" || errorCode == "" {
				return fmt.Errorf("--process-id and --error-code required")
			}
			if ok, reason := doctrine.ValidateProcessID(processID); !ok {
				return fmt.Errorf("invalid process id: %s", reason)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				decision, err := e.ReportError(ctx, engine.ReportOptions{
					ProcessID: processID,
					ErrorCode: errorCode,
					Message:   message,
					AgentID:   agentID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(decision)
				}
				if decision.Resolution != nil {
					fmt.Printf("resolved %s: %s\n", decision.LookupKey, decision.Resolution.Guidance)
				} else {
					fmt.Printf("no known resolution for %s (miss streak %d)\n",
						decision.LookupKey, decision.Counter.MissStreak)
				}
				if decision.NewlyEscalated {
					fmt.Printf("ESCALATED after %d occurrences\n", decision.Counter.OccurrenceCount)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&processID, "process-id", "", "VerbObject process name")
	cmd.Flags().StringVar(&errorCode, "error-code", "", "error code")
	cmd.Flags().StringVar(&message, "message", "", "human readable message")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "reporting agent id")
	return cmd
}

func errorsListCmd() *cobra.Command {
	var limit int
	var lookupKey string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent error log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListErrorEvents(ctx, limit, lookupKey)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Lookup Key", "Agent", "Message", "Occurred"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.LookupKey, it.AgentID, it.Message, it.OccurredAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	cmd.Flags().StringVar(&lookupKey, "lookup-key", "", "filter by lookup key")
	return cmd
}

func escalationsCmd() *cobra.Command {
	var escalatedOnly bool
	cmd := &cobra.Command{
		Use:   "escalations",
		Short: "List escalation counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCounters(ctx, escalatedOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Lookup Key", "Count", "Miss Streak", "Escalated", "Last Seen"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.LookupKey, c.OccurrenceCount, c.MissStreak, c.Escalated, c.LastSeenAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&escalatedOnly, "escalated-only", false, "only escalated keys")
	return cmd
}

func kbCmd() *cobra.Command {
	kb := &cobra.Command{
		Use:   "kb",
		Short: "Troubleshooting knowledge base",
		Long:  "Known remediations, keyed by ProcessID:ERROR_CODE. Reported errors that match a key resolve instead of streaking toward escalation.",
	}
	kb.AddCommand(kbAddCmd())
	kb.AddCommand(kbLookupCmd())
	kb.AddCommand(kbListCmd())
	return kb
}

func kbAddCmd() *cobra.Command {
	var key, guidance string
	var steps []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a remediation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" || guidance == "" {
				return fmt.Errorf("--key and --guidance required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				res, err := r.UpsertResolution(ctx, domain.Resolution{
					LookupKey: key,
					Guidance:  guidance,
					Steps:     steps,
					UpdatedAt: time.Now().UTC().Format(time.RFC3339),
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "lookup key (ProcessID:ERROR_CODE)")
	cmd.Flags().StringVar(&guidance, "guidance", "", "remediation guidance")
	cmd.Flags().StringArrayVar(&steps, "step", nil, "remediation step (repeatable)")
	return cmd
}

func kbLookupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup <key>",
		Short: "Look up a remediation by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				res, err := r.LookupResolution(ctx, args[0])
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("no resolution for %s", args[0])
					}
					return err
				}
				return printJSON(res)
			})
		},
	}
	return cmd
}

func kbListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all remediations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListResolutions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Lookup Key", "Guidance", "Steps"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.LookupKey, it.Guidance, len(it.Steps)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func schemaCmd() *cobra.Command {
	sch := &cobra.Command{Use: "schema", Short: "Schema version ledger"}
	sch.AddCommand(schemaApplyCmd())
	sch.AddCommand(schemaListCmd())
	return sch
}

func schemaApplyCmd() *cobra.Command {
	var version, appliedBy, checksum string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Record an applied schema version (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if version == "" {
				return fmt.Errorf("--version required")
			}
			conn, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			res, err := registry.New(conn).Apply(cmd.Context(), version, appliedBy, checksum)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if res.AlreadyApplied {
				fmt.Printf("%s already applied at %s by %s\n",
					res.Record.Version, res.Record.AppliedAt, res.Record.AppliedBy)
			} else {
				fmt.Printf("applied %s\n", res.Record.Version)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "schema version label")
	cmd.Flags().StringVar(&appliedBy, "applied-by", "cli", "operator identifier")
	cmd.Flags().StringVar(&checksum, "checksum", "", "migration bundle checksum")
	return cmd
}

func schemaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List applied schema versions in application order",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			items, err := registry.New(conn).ListApplied(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Version", "Applied At", "Applied By", "Checksum"})
			for _, it := range items {
				tw.AppendRow(table.Row{it.Version, it.AppliedAt, it.AppliedBy, it.Checksum})
			}
			tw.Render()
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Operator tokens"}
	tok.AddCommand(tokenMintCmd())
	return tok
}

func tokenMintCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint an operator token for the schema ledger API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("HEIR_OPERATOR_SECRET")
			if secret == "" {
				return fmt.Errorf("HEIR_OPERATOR_SECRET is required")
			}
			token, err := server.MintOperatorToken(secret, subject)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator subject claim")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the governance HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, conn, err := app.BuildEngine(cmd.Context(), workspace, viper.GetString("service"))
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{OperatorSecret: os.Getenv("HEIR_OPERATOR_SECRET")}
			handler, err := server.New(server.Config{
				Engine:   e,
				Registry: registry.New(conn),
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving HEIR governance API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.BuildEngine(ctx, viper.GetString("workspace"), viper.GetString("service"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
