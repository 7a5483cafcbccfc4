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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"processline/internal/app"
	"processline/internal/dispatch"
	"processline/internal/ledger"
	"processline/internal/manifest"
	"processline/internal/server"
	"processline/internal/strategy"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Processline CLI",
	Long: `Processline routes business process invocations through versioned
manifests and records every entity mutation in a system-of-record ledger.

- Dispatch: one entry point per process; manifests pick the variant
  (direct, percentage rollout, attribute filter, or adaptive).
- Ledger: entities change only through intent-named commands; every
  transition lands in append-only history and emits a lean event.
- Tasks: human and agent work items with a completion trigger that
  resumes whatever was waiting on them.`,
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
	viper.SetEnvPrefix("PROCESSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("trace-id", "", "trace id (generated when empty)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("trace-id", rootCmd.PersistentFlags().Lookup("trace-id"))
}

func registerCommands() {
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(manifestCmd())
	rootCmd.AddCommand(outcomeCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())
}

func dispatchCmd() *cobra.Command {
	var process, inputJSON, contextJSON string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Invoke a business process",
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseJSONFlag("input", inputJSON)
			if err != nil {
				return err
			}
			callerCtx, err := parseJSONFlag("context", contextJSON)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, result, err := a.Dispatcher.Dispatch(ctx, dispatch.Request{
					Process: process,
					Context: callerCtx,
					Input:   input,
					TraceID: traceID(),
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"process": res.Process,
					"variant": res.Variant,
					"target":  res.Target,
					"result":  result,
				})
			})
		},
	}
	cmd.Flags().StringVar(&process, "process", "", "process name")
	cmd.Flags().StringVar(&inputJSON, "input", "{}", "input JSON object")
	cmd.Flags().StringVar(&contextJSON, "context", "{}", "caller context JSON object")
	_ = cmd.MarkFlagRequired("process")
	return cmd
}

func entityCmd() *cobra.Command {
	entity := &cobra.Command{
		Use:   "entity",
		Short: "Work with ledger entities",
		Long:  "Entities are the system of record: contracts, users, tasks, addresses, meter points, provider profiles and offer definitions. State changes only through intent-named commands.",
	}
	entity.AddCommand(entityExecCmd())
	entity.AddCommand(entityShowCmd())
	entity.AddCommand(entityListCmd())
	entity.AddCommand(entityHistoryCmd())
	entity.AddCommand(entityTimelineCmd())
	entity.AddCommand(entityCommandsCmd())
	return entity
}

func entityExecCmd() *cobra.Command {
	var id, payloadJSON string
	cmd := &cobra.Command{
		Use:   "exec <type> <command>",
		Short: "Execute a command against an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseJSONFlag("payload", payloadJSON)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Ledger.Execute(ctx, ledger.Request{
					EntityType: args[0],
					Command:    args[1],
					EntityID:   id,
					ActorID:    viper.GetString("actor-id"),
					TraceID:    traceID(),
					Payload:    payload,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "entity id (omit for creating commands)")
	cmd.Flags().StringVar(&payloadJSON, "payload", "{}", "command payload JSON object")
	return cmd
}

func entityShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <type> <id>",
		Short: "Entity snapshot with computed properties",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				details, err := a.Ledger.GetDetails(ctx, args[1])
				if err != nil {
					return err
				}
				if details.Entity.Type != args[0] {
					return fmt.Errorf("entity %s is a %s, not a %s", args[1], details.Entity.Type, args[0])
				}
				return printJSONOrTable(details)
			})
		},
	}
	return cmd
}

func entityListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <type>",
		Short: "List entities of a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListEntities(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Updated"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Status, e.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func entityHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <type> <id>",
		Short: "Append-only command history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				history, err := a.Repo.ListHistory(ctx, args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(history)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Command", "From", "To", "Actor", "At"})
				for _, h := range history {
					tw.AppendRow(table.Row{h.Seq, h.Command, h.FromStatus, h.ToStatus, h.ActorID, h.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func entityTimelineCmd() *cobra.Command {
	var termsJSON string
	cmd := &cobra.Command{
		Use:   "timeline <type> <id>",
		Short: "History plus projections, optionally under hypothetical terms",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var terms map[string]any
			if termsJSON != "" {
				parsed, err := parseJSONFlag("terms", termsJSON)
				if err != nil {
					return err
				}
				terms = parsed
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Ledger.GetTimeline(ctx, args[1], terms)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "At", "Label", "From", "To"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Kind, e.TS, e.Label, e.FromStatus, e.ToStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&termsJSON, "terms", "", "hypothetical terms JSON object")
	return cmd
}

func entityCommandsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands [type]",
		Short: "Show the command catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType := ""
			if len(args) == 1 {
				entityType = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cmds := a.Ledger.Commands(entityType)
				if viper.GetBool("json") {
					return printJSON(cmds)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Entity", "Command", "From", "To", "Event"})
				for _, c := range cmds {
					to := c.To
					if to == "" {
						to = "(unchanged)"
					}
					tw.AppendRow(table.Row{c.EntityType, c.Name, strings.Join(c.From, ","), to, c.EventType})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func manifestCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect process manifests",
	}
	m.AddCommand(manifestListCmd())
	m.AddCommand(manifestCheckCmd())
	return m
}

func manifestListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				names := a.Manifests.Names()
				if viper.GetBool("json") {
					return printJSON(names)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Process", "Strategy", "Variants"})
				for _, name := range names {
					mf, err := a.Manifests.Get(name)
					if err != nil {
						continue
					}
					ids := make([]string, 0, len(mf.Variants))
					for _, v := range mf.Variants {
						ids = append(ids, v.ID)
					}
					tw.AppendRow(table.Row{name, mf.Strategy.Address, strings.Join(ids, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func manifestCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a manifest file without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			store, err := manifest.FromYAML(data, strategy.Known)
			if err != nil {
				return err
			}
			fmt.Printf("ok: %d process(es)\n", len(store.Names()))
			return nil
		},
	}
	return cmd
}

func outcomeCmd() *cobra.Command {
	var process, variant string
	var success bool
	cmd := &cobra.Command{
		Use:   "outcome",
		Short: "Record a variant outcome for adaptive routing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Manifests.Get(process)
				if err != nil {
					return err
				}
				if _, ok := m.VariantByID(variant); !ok {
					return fmt.Errorf("process %s does not declare variant %s", process, variant)
				}
				return a.Repo.RecordOutcome(ctx, process, variant, success)
			})
		},
	}
	cmd.Flags().StringVar(&process, "process", "", "process name")
	cmd.Flags().StringVar(&variant, "variant", "", "variant id")
	cmd.Flags().BoolVar(&success, "success", false, "whether the invocation succeeded")
	_ = cmd.MarkFlagRequired("process")
	_ = cmd.MarkFlagRequired("variant")
	return cmd
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "events",
		Short: "Event delivery log and reconciliation",
	}
	ev.AddCommand(eventsTailCmd())
	ev.AddCommand(eventsReconcileCmd())
	return ev
}

func eventsTailCmd() *cobra.Command {
	var n int
	var status string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Recent event delivery attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListDeliveries(ctx, status, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Event", "Entity", "Status", "Error"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.TS, d.EventType, d.EntityID, d.Status, d.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of rows")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (published|failed)")
	return cmd
}

func eventsReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare ledger history against recorded deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Reconciler.ReconcileOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Reconciler.ReconcileOnce(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"processes":         a.Manifests.Names(),
					"undelivered_total": report.UndeliveredTotal,
					"published":         report.Published,
					"failed":            report.Failed,
					"alert":             report.Alert,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Processes: %s\n", strings.Join(a.Manifests.Names(), ", "))
				fmt.Printf("Deliveries: %d published, %d failed, %d undelivered\n",
					report.Published, report.Failed, report.UndeliveredTotal)
				if report.Alert {
					fmt.Println("ALERT: delivery failure ratio above threshold")
				}
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := app.NewLogger(false)
			a, err := app.Open(viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer a.Close()

			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:        a.Config.Server.JWTSecret,
				StaticTokens:     a.Config.Server.StaticTokens,
				AllowActorHeader: a.Config.Server.AllowActorHeader,
				Log:              log,
			}
			if secret := os.Getenv("PROCESSLINE_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" && len(authCfg.StaticTokens) == 0 && !authCfg.AllowActorHeader {
				return fmt.Errorf("no auth configured: set server.jwt_secret, server.static_tokens or server.allow_actor_header")
			}
			handler, err := server.New(server.Config{
				Ledger:     a.Ledger,
				Dispatcher: a.Dispatcher,
				Manifests:  a.Manifests,
				Repo:       a.Repo,
				Reconciler: a.Reconciler,
				BasePath:   basePath,
				Auth:       authCfg,
				Log:        log,
			})
			if err != nil {
				return err
			}

			go a.Reconciler.Run(cmd.Context())

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Processline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"), app.NewLogger(true))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func traceID() string {
	if t := viper.GetString("trace-id"); t != "" {
		return t
	}
	return uuid.New().String()
}

func parseJSONFlag(name, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", name, err)
	}
	return m, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
