package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"payline/internal/collab"
	"payline/internal/db"
	"payline/internal/domain"
	"payline/internal/engine"
	"payline/internal/migrate"
	"payline/internal/pipeline"
	"payline/internal/repo"
	"payline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Payline CLI",
	Long: `Payline calculates payroll drafts and walks them through review.
A run freezes employee facts for a pay period, pushes every line through the
calculation stages (policy, gross, deductions, finalize), flags anomalies as
exceptions, and only becomes payable once reviewers have cleared the
blocking ones. Amounts are exact decimals; money rounds half to even at the
currency's minor unit. Everything that happens to a run lands in the event
log ('pl log tail').`,
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
	viper.SetEnvPrefix("PAYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(exceptionCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Manage payroll runs"}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runLinesCmd())
	run.AddCommand(runCalculateCmd())
	run.AddCommand(runRecalcCmd())
	run.AddCommand(runApproveCmd())
	run.AddCommand(runCompleteCmd())
	run.AddCommand(runDiscardCmd())
	return run
}

func runCreateCmd() *cobra.Command {
	var start, end, policyVersion string
	var calculate bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft run for a pay period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if start == "" || end == "" {
				return fmt.Errorf("--start and --end required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.CreateRun(ctx, engine.RunCreateOptions{
					PeriodStart:   start,
					PeriodEnd:     end,
					PolicyVersion: policyVersion,
					ActorID:       actorID(),
				})
				if err != nil {
					return err
				}
				if calculate {
					if run, err = e.RunPipeline(ctx, run.ID, actorID()); err != nil {
						return err
					}
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "period start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "period end (YYYY-MM-DD)")
	cmd.Flags().StringVar(&policyVersion, "policy", "", "policy version (default: built-in)")
	cmd.Flags().BoolVar(&calculate, "calculate", false, "run the pipeline immediately")
	return cmd
}

func runListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, repo.RunFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Period", "Status", "Employees", "Net", "Open Exc"})
				for _, run := range runs {
					tw.AppendRow(table.Row{
						run.ID, run.PeriodStart + ".." + run.PeriodEnd, run.Status,
						run.EmployeeCount, run.TotalNet.String(), run.OpenExceptions,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max runs")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runLinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lines <run-id>",
		Short: "Show the run's payroll lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				lines, err := r.ListLines(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lines)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Employee", "Base", "Gross", "Deductions", "Net", "Status"})
				for _, l := range lines {
					gross, net := "-", "-"
					if l.GrossPay != nil {
						gross = l.GrossPay.String()
					}
					if l.Finalized && l.NetPay != nil {
						net = l.NetPay.String()
					}
					status := "ok"
					switch {
					case l.Excluded:
						status = "excluded"
					case l.InputsIncomplete:
						status = "incomplete"
					case l.LastError != "":
						status = "error"
					case !l.Finalized:
						status = "partial"
					}
					tw.AppendRow(table.Row{
						l.EmployeeID, l.BaseSalary.String(), gross, l.TotalDeductions().String(), net, status,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runCalculateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calculate <run-id>",
		Short: "Execute the calculation pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.RunPipeline(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runRecalcCmd() *cobra.Command {
	var stage, employeeID string
	cmd := &cobra.Command{
		Use:   "recalc <run-id>",
		Short: "Recalculate, optionally scoped to a stage or employee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.Recalculate(ctx, args[0], engine.Scope{
					Stage:      domain.Stage(stage),
					EmployeeID: employeeID,
				}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "restart stage (snapshot|policy|gross|deductions|finalize)")
	cmd.Flags().StringVar(&employeeID, "employee", "", "limit to one employee")
	return cmd
}

func runApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <run-id>",
		Short: "Approve a reviewed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.ApproveRun(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <run-id>",
		Short: "Hand an approved run to the payment gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.CompleteRun(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runDiscardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discard <run-id>",
		Short: "Discard a draft run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DiscardRun(ctx, args[0], actorID())
			})
		},
	}
	return cmd
}

func exceptionCmd() *cobra.Command {
	exc := &cobra.Command{Use: "exception", Short: "Review and resolve exceptions"}
	exc.AddCommand(exceptionListCmd())
	exc.AddCommand(exceptionClaimCmd())
	exc.AddCommand(exceptionResolveCmd())
	exc.AddCommand(exceptionRejectCmd())
	return exc
}

func exceptionListCmd() *cobra.Command {
	var status, severity string
	cmd := &cobra.Command{
		Use:   "list <run-id>",
		Short: "List a run's exceptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				exs, err := r.ListExceptions(ctx, args[0], repo.ExceptionFilters{Status: status, Severity: severity})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(exs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Employee", "Type", "Severity", "Status"})
				for _, ex := range exs {
					tw.AppendRow(table.Row{ex.ID, ex.EmployeeID, ex.Type, ex.Severity, ex.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&severity, "severity", "", "filter by severity")
	return cmd
}

func exceptionClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <exception-id>",
		Short: "Claim an open exception",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ex, err := e.ClaimException(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
	return cmd
}

func exceptionResolveCmd() *cobra.Command {
	var note, amount, bankAccountName, bankAccountNumber, bankName string
	cmd := &cobra.Command{
		Use:   "resolve <exception-id>",
		Short: "Resolve an exception with corrective data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if note == "" {
				return fmt.Errorf("--note required")
			}
			input := engine.ResolutionInput{Note: note}
			if amount != "" {
				d, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("invalid --amount: %w", err)
				}
				input.AdjustedAmount = &d
			}
			if bankAccountNumber != "" || bankAccountName != "" || bankName != "" {
				input.Bank = &domain.BankRef{
					AccountName:   bankAccountName,
					AccountNumber: bankAccountNumber,
					BankName:      bankName,
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ex, err := e.ResolveException(ctx, args[0], actorID(), input)
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "resolution note")
	cmd.Flags().StringVar(&amount, "amount", "", "adjusted amount")
	cmd.Flags().StringVar(&bankAccountName, "bank-account-name", "", "bank account holder")
	cmd.Flags().StringVar(&bankAccountNumber, "bank-account-number", "", "bank account number")
	cmd.Flags().StringVar(&bankName, "bank-name", "", "bank name")
	return cmd
}

func exceptionRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <exception-id>",
		Short: "Reject an exception without correction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ex, err := e.RejectException(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func policyCmd() *cobra.Command {
	pol := &cobra.Command{Use: "policy", Short: "Manage policy versions"}
	pol.AddCommand(policyListCmd())
	pol.AddCommand(policyShowCmd())
	pol.AddCommand(policyImportCmd())
	return pol
}

func policyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored policy versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				versions, err := r.ListPolicyVersions(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(versions)
			})
		},
	}
	return cmd
}

func policyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <version>",
		Short: "Print a stored policy version's YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				v, err := r.GetPolicyVersion(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Print(v.Payload)
				return nil
			})
		},
	}
	return cmd
}

func policyImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a policy version from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := e.ImportPolicy(ctx, data, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "policy YAML file")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened to runs, lines and exceptions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var runID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, runID, evtType, "", "")
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("PAYLINE_JWT_SECRET")}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Payline API on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func actorID() string {
	return viper.GetString("actor-id")
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, newEngine(conn))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func openDB() (*sql.DB, error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func newEngine(conn *sql.DB) *engine.Engine {
	r := repo.Repo{DB: conn}
	builder := pipeline.Builder{
		Directory:  collab.SQLiteDirectory{DB: conn},
		Attendance: collab.SQLiteAttendance{DB: conn},
		Penalties:  collab.SQLitePenalties{DB: conn},
		Bonuses:    collab.SigningBonusSource{DB: conn},
	}
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	return engine.New(conn, builder, collab.DBPolicyStore{Repo: r}, collab.LogGateway{Log: log}, log)
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
