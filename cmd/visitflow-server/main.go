package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/visitflow/internal/config"
	"github.com/ehr/visitflow/internal/domain/visit"
	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/internal/platform/db"
	"github.com/ehr/visitflow/internal/platform/middleware"
	"github.com/ehr/visitflow/internal/platform/sandbox"
	"github.com/ehr/visitflow/internal/platform/telemetry"
	"github.com/ehr/visitflow/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "visitflow-server",
		Short:         "Outpatient visit workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(worklistCmd())
	rootCmd.AddCommand(visitCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// store bundles the configured repository with what health checks and
// shutdown need.
type store struct {
	repo   visit.Repository
	pinger db.Pinger
	driver string
	close  func()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:               cfg.DatabaseURL,
		MaxConns:          cfg.DBMaxConns,
		MinConns:          cfg.DBMinConns,
		MaxConnLifetime:   cfg.DBConnLifetime,
		HealthCheckPeriod: cfg.DBHealthCheck,
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		return &store{repo: visit.NewRepo(pool), pinger: pool, driver: cfg.StoreDriver, close: pool.Close}, nil
	case config.DriverSQLite:
		s, err := visit.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &store{repo: s, pinger: s, driver: cfg.StoreDriver, close: func() { _ = s.Close() }}, nil
	case config.DriverMemory:
		m := visit.NewMemoryStore()
		return &store{repo: m, pinger: m, driver: cfg.StoreDriver, close: func() {}}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the visit workflow API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: unauthenticated requests are treated as admin")
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
	}
	defer st.close()
	logger.Info().Str("driver", st.driver).Msg("store ready")

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		Environment:    cfg.Env,
		MetricsEnabled: cfg.MetricsEnabled,
	})

	e := newServer(cfg, logger, st, tp)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(cfg *config.Config, logger zerolog.Logger, st *store, tp *telemetry.TelemetryProvider) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, visit.IdempotencyKeyHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", db.HealthHandler(st.pinger, st.driver))
	e.GET("/metrics", tp.PrometheusHandler())

	saga := visit.NewSaga(st.repo, logger, visit.WithRecorder(tp))
	worklists := visit.NewWorklists(st.repo, visit.NewFacade(logger), tp)
	tieBreak, err := visit.ParseTieBreak(cfg.DefaultTieBreak)
	if err != nil {
		tieBreak = visit.TieBreakFirst
	}

	apiV1 := e.Group("/api/v1", middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	visit.NewHandler(saga, worklists, tieBreak).RegisterRoutes(apiV1)

	if cfg.IsDev() {
		seeder := sandbox.NewSeeder(saga, logger)
		sandbox.NewSeedHandler(seeder).RegisterRoutes(apiV1.Group("/sandbox", auth.RequireRole("admin")))
	}

	return e
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run postgres migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
		schema, _ := cmd.Flags().GetString("schema")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}

		ctx := cmd.Context()
		logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).With().Timestamp().Logger()
		pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		var src fs.FS = migrations.FS
		if dir != "" {
			src = os.DirFS(dir)
		}
		return fn(ctx, db.NewMigrator(pool, src), schema)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatuses(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "public", "Target schema for migrations")
		c.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
		cmd.AddCommand(c)
	}
	return cmd
}

func printStatuses(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// engine is the saga and worklists wired to the configured store, for the
// CLI commands that drive the workflow without the HTTP server.
type engine struct {
	store     *store
	saga      *visit.Saga
	worklists *visit.Worklists
	tieBreak  visit.TieBreak
}

func withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	tieBreak, err := visit.ParseTieBreak(cfg.DefaultTieBreak)
	if err != nil {
		return err
	}
	eng := &engine{
		store:     st,
		saga:      visit.NewSaga(st.repo, logger),
		worklists: visit.NewWorklists(st.repo, visit.NewFacade(logger), nil),
		tieBreak:  tieBreak,
	}
	return fn(ctx, eng)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the configured store with a synthetic demo clinic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine) error {
				if eng.store.driver == config.DriverPostgres {
					if force, _ := cmd.Flags().GetBool("force"); !force {
						return errors.New("refusing to seed a postgres store without --force")
					}
				}
				cfg := sandbox.DefaultSeedConfig()
				cfg.PatientCount, _ = cmd.Flags().GetInt("patients")
				cfg.Seed, _ = cmd.Flags().GetInt64("seed")
				result, err := sandbox.NewSeeder(eng.saga, zerolog.Nop()).Generate(ctx, cfg)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().Int("patients", sandbox.DefaultSeedConfig().PatientCount, "Number of patients to check in")
	cmd.Flags().Int64("seed", 0, "Random seed (0 picks a time-based seed)")
	cmd.Flags().Bool("force", false, "Allow seeding a postgres store")
	cmd.Flags().Duration("timeout", 2*time.Minute, "Overall command timeout")
	return cmd
}

func worklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worklist [stage]",
		Short: "Print the stage board, or the entries of one worklist",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine) error {
				sel := visit.Selector{TieBreak: eng.tieBreak}
				if v, _ := cmd.Flags().GetString("tie-break"); v != "" {
					tb, err := visit.ParseTieBreak(v)
					if err != nil {
						return err
					}
					sel.TieBreak = tb
				}
				if len(args) == 0 {
					board, err := eng.worklists.Board(ctx, sel)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), board)
				}
				limit, _ := cmd.Flags().GetInt("limit")
				items, total, err := eng.worklists.List(ctx, args[0], visit.WorklistQuery{Selector: sel, Limit: limit})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{"total": total, "data": items})
			})
		},
	}
	cmd.Flags().String("tie-break", "", "Episode selection when a patient has several orders: first, latest or unique")
	cmd.Flags().Int("limit", 0, "Maximum number of entries to print (0 prints all)")
	cmd.Flags().Duration("timeout", 30*time.Second, "Overall command timeout")
	return cmd
}

func visitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "visit",
		Short: "Drive a visit through the workflow",
	}
	cmd.PersistentFlags().Duration("timeout", 30*time.Second, "Overall command timeout")
	cmd.PersistentFlags().String("key", "", "Idempotency key for the saga run")

	runOpts := func(cmd *cobra.Command) []visit.RunOption {
		if key, _ := cmd.Flags().GetString("key"); key != "" {
			return []visit.RunOption{visit.WithIdempotencyKey(key)}
		}
		return nil
	}
	report := func(cmd *cobra.Command, run *visit.SagaRun, err error) error {
		if run != nil {
			if perr := printJSON(cmd.OutOrStdout(), run); perr != nil {
				return perr
			}
		}
		return err
	}

	checkin := &cobra.Command{
		Use:   "checkin",
		Short: "Put a patient on the waitlist for the first examination",
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, err := uuidFlag(cmd, "patient")
			if err != nil {
				return err
			}
			var roomID *uuid.UUID
			if v, _ := cmd.Flags().GetString("room"); v != "" {
				id, err := uuid.Parse(v)
				if err != nil {
					return fmt.Errorf("--room: %w", err)
				}
				roomID = &id
			}
			at, _ := cmd.Flags().GetString("at")
			estimated := time.Now().UTC()
			if at != "" {
				if estimated, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			return withEngine(cmd, func(ctx context.Context, eng *engine) error {
				entry, err := eng.saga.CheckIn(ctx, patientID, roomID, estimated)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entry)
			})
		},
	}
	checkin.Flags().String("patient", "", "Patient ID")
	checkin.Flags().String("room", "", "Room ID")
	checkin.Flags().String("at", "", "Estimated time (RFC 3339), defaults to now")

	exam := &cobra.Command{
		Use:   "exam",
		Short: "Record the examination and open a new episode",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := uuidFlags(cmd, "patient", "waitlist", "doctor")
			if err != nil {
				return err
			}
			form := visit.ExamForm{DoctorID: ids["doctor"]}
			form.Reason, _ = cmd.Flags().GetString("reason")
			form.Symptoms, _ = cmd.Flags().GetString("symptoms")
			form.History, _ = cmd.Flags().GetString("history")
			form.VitalSigns, _ = cmd.Flags().GetString("vital-signs")
			form.Note, _ = cmd.Flags().GetString("note")
			return withEngine(cmd, func(ctx context.Context, eng *engine) error {
				run, err := eng.saga.AdvanceFromExam(ctx, ids["patient"], ids["waitlist"], form, runOpts(cmd)...)
				return report(cmd, run, err)
			})
		},
	}
	exam.Flags().String("patient", "", "Patient ID")
	exam.Flags().String("waitlist", "", "Waitlist entry ID")
	exam.Flags().String("doctor", "", "Examining doctor ID")
	exam.Flags().String("reason", "", "Reason for the visit")
	exam.Flags().String("symptoms", "", "Symptoms")
	exam.Flags().String("history", "", "Medical history")
	exam.Flags().String("vital-signs", "", "Vital signs")
	exam.Flags().String("note", "", "Free text note")

	services := &cobra.Command{
		Use:   "services",
		Short: "Order paraclinical services for the current episode",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := uuidFlags(cmd, "patient", "waitlist", "doctor")
			if err != nil {
				return err
			}
			raw, _ := cmd.Flags().GetStringSlice("service")
			selections, err := parseSelections(raw)
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, eng *engine) error {
				run, err := eng.saga.AssignServices(ctx, ids["patient"], ids["waitlist"], ids["doctor"], selections, runOpts(cmd)...)
				return report(cmd, run, err)
			})
		},
	}
	services.Flags().String("patient", "", "Patient ID")
	services.Flags().String("waitlist", "", "Waitlist entry ID")
	services.Flags().String("doctor", "", "Ordering doctor ID")
	services.Flags().StringSlice("service", nil, "SERVICE_ID:DOCTOR_ID, repeatable")

	result := &cobra.Command{
		Use:   "result",
		Short: "Record the result of one ordered service",
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := uuidFlag(cmd, "item")
			if err != nil {
				return err
			}
			desc, _ := cmd.Flags().GetString("description")
			return withEngine(cmd, func(ctx context.Context, eng *engine) error {
				run, err := eng.saga.RecordServiceResult(ctx, itemID, desc, runOpts(cmd)...)
				return report(cmd, run, err)
			})
		},
	}
	result.Flags().String("item", "", "Service order item ID")
	result.Flags().String("description", "", "Result description")

	diagnose := &cobra.Command{
		Use:   "diagnose",
		Short: "Record the diagnosis for a service order's episode",
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := uuidFlag(cmd, "order")
			if err != nil {
				return err
			}
			var form visit.DiagnosisForm
			if v, _ := cmd.Flags().GetString("doctor"); v != "" {
				if form.DoctorID, err = uuid.Parse(v); err != nil {
					return fmt.Errorf("--doctor: %w", err)
				}
			}
			form.Disease, _ = cmd.Flags().GetString("disease")
			form.TreatmentPlan, _ = cmd.Flags().GetString("treatment-plan")
			form.Conclusion, _ = cmd.Flags().GetString("conclusion")
			return withEngine(cmd, func(ctx context.Context, eng *engine) error {
				run, err := eng.saga.RecordDiagnosis(ctx, orderID, form, runOpts(cmd)...)
				return report(cmd, run, err)
			})
		},
	}
	diagnose.Flags().String("order", "", "Service order ID")
	diagnose.Flags().String("doctor", "", "Diagnosing doctor ID, defaults to the ordering doctor")
	diagnose.Flags().String("disease", "", "Disease")
	diagnose.Flags().String("treatment-plan", "", "Treatment plan")
	diagnose.Flags().String("conclusion", "", "Conclusion")

	prescribe := &cobra.Command{
		Use:   "prescribe",
		Short: "Submit the prescription and complete the visit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := uuidFlags(cmd, "waitlist", "order", "record", "doctor")
			if err != nil {
				return err
			}
			raw, _ := cmd.Flags().GetStringArray("line")
			lines, err := parseLines(raw)
			if err != nil {
				return err
			}
			req := visit.PrescriptionRequest{
				WaitlistID:       ids["waitlist"],
				ServiceOrderID:   ids["order"],
				MedicineRecordID: ids["record"],
				DoctorID:         ids["doctor"],
				Lines:            lines,
			}
			return withEngine(cmd, func(ctx context.Context, eng *engine) error {
				run, err := eng.saga.SubmitPrescription(ctx, req, runOpts(cmd)...)
				return report(cmd, run, err)
			})
		},
	}
	prescribe.Flags().String("waitlist", "", "Waitlist entry ID")
	prescribe.Flags().String("order", "", "Service order ID")
	prescribe.Flags().String("record", "", "Medicine record ID")
	prescribe.Flags().String("doctor", "", "Prescribing doctor ID")
	prescribe.Flags().StringArray("line", nil, "MEDICINE_ID:QUANTITY:DOSAGE, repeatable")

	complete := &cobra.Command{
		Use:   "complete",
		Short: "Complete the visit without a prescription",
		RunE: func(cmd *cobra.Command, args []string) error {
			waitlistID, err := uuidFlag(cmd, "waitlist")
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, eng *engine) error {
				run, err := eng.saga.SkipPrescription(ctx, waitlistID, runOpts(cmd)...)
				return report(cmd, run, err)
			})
		},
	}
	complete.Flags().String("waitlist", "", "Waitlist entry ID")

	runs := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List saga runs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine) error {
				if len(args) == 1 {
					id, err := uuid.Parse(args[0])
					if err != nil {
						return fmt.Errorf("run id: %w", err)
					}
					run, err := eng.saga.GetRun(ctx, id)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), run)
				}
				status, _ := cmd.Flags().GetString("status")
				limit, _ := cmd.Flags().GetInt("limit")
				list, total, err := eng.saga.ListRuns(ctx, visit.RunStatus(status), limit, 0)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{"total": total, "data": list})
			})
		},
	}
	runs.Flags().String("status", "", "Filter by status: running, succeeded or failed")
	runs.Flags().Int("limit", 20, "Maximum number of runs")

	cmd.AddCommand(checkin, exam, services, result, diagnose, prescribe, complete, runs)
	return cmd
}

func uuidFlag(cmd *cobra.Command, name string) (uuid.UUID, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return uuid.Nil, fmt.Errorf("--%s is required", name)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--%s: %w", name, err)
	}
	return id, nil
}

func uuidFlags(cmd *cobra.Command, names ...string) (map[string]uuid.UUID, error) {
	ids := make(map[string]uuid.UUID, len(names))
	for _, n := range names {
		id, err := uuidFlag(cmd, n)
		if err != nil {
			return nil, err
		}
		ids[n] = id
	}
	return ids, nil
}

// parseSelections reads SERVICE_ID:DOCTOR_ID pairs.
func parseSelections(raw []string) ([]visit.ServiceSelection, error) {
	out := make([]visit.ServiceSelection, 0, len(raw))
	for _, r := range raw {
		parts := strings.Split(r, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("--service %q: want SERVICE_ID:DOCTOR_ID", r)
		}
		serviceID, err := uuid.Parse(parts[0])
		if err != nil {
			return nil, fmt.Errorf("--service %q: %w", r, err)
		}
		doctorID, err := uuid.Parse(parts[1])
		if err != nil {
			return nil, fmt.Errorf("--service %q: %w", r, err)
		}
		out = append(out, visit.ServiceSelection{ServiceID: serviceID, DoctorID: doctorID})
	}
	return out, nil
}

// parseLines reads MEDICINE_ID:QUANTITY:DOSAGE triples. The dosage may
// itself contain colons.
func parseLines(raw []string) ([]visit.PrescriptionLine, error) {
	out := make([]visit.PrescriptionLine, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("--line %q: want MEDICINE_ID:QUANTITY:DOSAGE", r)
		}
		medicineID, err := uuid.Parse(parts[0])
		if err != nil {
			return nil, fmt.Errorf("--line %q: %w", r, err)
		}
		qty, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("--line %q: quantity: %w", r, err)
		}
		out = append(out, visit.PrescriptionLine{MedicineID: medicineID, Quantity: qty, Dosage: parts[2]})
	}
	return out, nil
}
