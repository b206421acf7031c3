package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/exam-proctor/backend/config"
	"github.com/exam-proctor/backend/internal/clock"
	"github.com/exam-proctor/backend/internal/enrollments"
	"github.com/exam-proctor/backend/internal/exams"
	"github.com/exam-proctor/backend/internal/merge"
	"github.com/exam-proctor/backend/internal/presence"
	"github.com/exam-proctor/backend/internal/realtime"
	"github.com/exam-proctor/backend/internal/reconcile"
	"github.com/exam-proctor/backend/pkg/database"
	"github.com/exam-proctor/backend/pkg/queue"
	"github.com/exam-proctor/backend/pkg/redis"
	"github.com/exam-proctor/backend/pkg/storage"
)

// stores holds the connections a command needs.
type stores struct {
	cfg    *config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool
	rdb    *redis.Client
}

// environment connects lazily so flag errors never touch the network.
type environment struct {
	out     io.Writer
	connect func(ctx context.Context) (*stores, error)
	s       *stores
}

func (e *environment) stores(ctx context.Context) (*stores, error) {
	if e.s != nil {
		return e.s, nil
	}
	s, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	e.s = s
	return s, nil
}

func (e *environment) close() {
	if e.s == nil {
		return
	}
	if e.s.pool != nil {
		e.s.pool.Close()
	}
	if e.s.rdb != nil {
		_ = e.s.rdb.Close()
	}
	_ = e.s.logger.Sync()
}

func connectStores(ctx context.Context) (*stores, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{MaxConns: 8}, logger)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	return &stores{cfg: cfg, logger: logger, pool: pool, rdb: rdb}, nil
}

func (s *stores) scheduler() *merge.Scheduler {
	q := queue.NewQueue(s.rdb.Client, queue.Options{
		MaxRetries:   s.cfg.Merge.MaxRetries,
		RetryBackoff: s.cfg.Merge.RetryBackoff,
	}, s.logger)
	return merge.NewScheduler(s.rdb.Client, q, storage.NewLayout(s.cfg.Proctor.DataDir), s.cfg.Merge.MarkerTTL, s.logger)
}

func runReconcile(ctx context.Context, env *environment, args []string) error {
	fs := pflag.NewFlagSet("reconcile", pflag.ContinueOnError)
	useLease := fs.Bool("lease", false, "take the reconcile lease so a running worker skips this interval")
	if ok, err := parseFlags(fs, args, env.out); !ok || err != nil {
		return err
	}
	s, err := env.stores(ctx)
	if err != nil {
		return err
	}
	clk := clock.Real()
	enrollmentRepo := enrollments.NewRepository(s.pool)
	tracker := presence.NewTracker(enrollmentRepo, presence.NewRedisCache(s.rdb.Client), clk,
		realtime.NewBroker(s.rdb.Client, s.logger), presence.Options{
			Timeout: s.cfg.Proctor.HeartbeatTimeout,
			TTL:     s.cfg.Proctor.RealtimeTTL,
		}, s.logger)
	job := reconcile.NewJob(exams.NewRepository(s.pool), enrollmentRepo, tracker, s.scheduler(), reconcile.Options{
		Timeout:     s.cfg.Proctor.HeartbeatTimeout,
		GracePeriod: s.cfg.Proctor.GracePeriod,
		SweepWindow: s.cfg.Proctor.SweepWindow,
		Parallel:    s.cfg.Worker.ReconcileParallel,
	}, s.logger)

	var rep reconcile.Report
	if *useLease {
		var ran bool
		rep, ran, err = reconcile.NewService(job, s.rdb.Client, clk, s.cfg.Proctor.ReconcileInterval, s.logger).Tick(ctx)
		if err == nil && !ran {
			fmt.Fprintln(env.out, "skipped: another process holds the reconcile lease")
			return nil
		}
	} else {
		rep, err = job.Run(ctx, clk.Now())
	}
	if err != nil {
		return err
	}
	printReport(env.out, rep)
	return nil
}

func printReport(out io.Writer, rep reconcile.Report) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "exams\t%d\n", rep.Exams)
	fmt.Fprintf(tw, "exam transitions\t%d\n", rep.ExamTransitions)
	fmt.Fprintf(tw, "expired\t%d\n", rep.Expired)
	fmt.Fprintf(tw, "logged out\t%d\n", rep.LoggedOut)
	fmt.Fprintf(tw, "merges scheduled\t%d\n", rep.MergesScheduled)
	fmt.Fprintf(tw, "failed exams\t%d\n", rep.Failed)
	_ = tw.Flush()
}

func runMerge(ctx context.Context, env *environment, args []string) error {
	fs := pflag.NewFlagSet("merge", pflag.ContinueOnError)
	examID := fs.Int64("exam", 0, "exam ID")
	studentID := fs.String("student", "", "student ID")
	name := fs.String("name", "", "display name used in the merged file name (default: enrolled name)")
	ffmpegPath := fs.String("ffmpeg", "", "ffmpeg binary (default: FFMPEG_PATH)")
	if ok, err := parseFlags(fs, args, env.out); !ok || err != nil {
		return err
	}
	if *examID <= 0 || *studentID == "" {
		return fmt.Errorf("%w: merge needs --exam and --student", errUsage)
	}
	if err := storage.ValidateName(*studentID); err != nil {
		return err
	}
	s, err := env.stores(ctx)
	if err != nil {
		return err
	}
	if *name == "" {
		e, err := enrollments.NewRepository(s.pool).Get(ctx, *examID, *studentID)
		switch {
		case err == nil:
			*name = e.StudentName
		case errors.Is(err, enrollments.ErrNotFound):
			s.logger.Warn("student not enrolled, using generic name",
				zap.Int64("exam_id", *examID), zap.String("student_id", *studentID))
		default:
			return fmt.Errorf("load enrollment: %w", err)
		}
	}
	path := s.cfg.Merge.FFmpegPath
	if *ffmpegPath != "" {
		path = *ffmpegPath
	}
	pipeline := merge.NewPipeline(storage.NewLayout(s.cfg.Proctor.DataDir),
		merge.NewFFmpeg(path, s.cfg.Merge.Timeout, s.logger), nil, clock.Real(), s.logger)
	res, err := pipeline.MergeSegments(ctx, *examID, *studentID, *name)
	if err != nil {
		return err
	}
	if err := s.scheduler().Done(ctx, *examID, *studentID); err != nil {
		s.logger.Warn("clear merge marker failed", zap.Error(err))
	}
	if res.NoOp {
		fmt.Fprintln(env.out, "nothing to merge")
		return nil
	}
	fmt.Fprintf(env.out, "merged %d segments into %s\n", res.Segments, strings.Join(res.Outputs, ", "))
	if len(res.Missing) > 0 {
		fmt.Fprintf(env.out, "missing sequence numbers: %v\n", res.Missing)
	}
	return nil
}

func runImport(ctx context.Context, env *environment, args []string) error {
	fs := pflag.NewFlagSet("import", pflag.ContinueOnError)
	examID := fs.Int64("exam", 0, "exam ID")
	file := fs.StringP("file", "f", "", "CSV file with student_id,student_name rows (- for stdin)")
	if ok, err := parseFlags(fs, args, env.out); !ok || err != nil {
		return err
	}
	if *examID <= 0 || *file == "" {
		return fmt.Errorf("%w: import needs --exam and --file", errUsage)
	}
	var r io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	students, rejected, err := enrollments.ParseRoster(r)
	if err != nil {
		return err
	}
	for _, rej := range rejected {
		fmt.Fprintf(env.out, "row %d skipped: %s\n", rej.Row, rej.Error)
	}
	if len(students) == 0 {
		return errors.New("no valid students to import")
	}
	s, err := env.stores(ctx)
	if err != nil {
		return err
	}
	if _, err := exams.NewRepository(s.pool).GetByID(ctx, *examID); err != nil {
		return fmt.Errorf("exam %d: %w", *examID, err)
	}
	created, err := enrollments.NewRepository(s.pool).Import(ctx, *examID, students)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.out, "imported %d students (%d new, %d updated)\n", len(students), created, len(students)-created)
	return nil
}

func runDLQ(ctx context.Context, env *environment, args []string) error {
	fs := pflag.NewFlagSet("dlq", pflag.ContinueOnError)
	limit := fs.Int64("limit", 50, "maximum jobs to list")
	if ok, err := parseFlags(fs, args, env.out); !ok || err != nil {
		return err
	}
	s, err := env.stores(ctx)
	if err != nil {
		return err
	}
	q := queue.NewQueue(s.rdb.Client, queue.Options{}, s.logger)
	jobs, err := q.DeadLetters(ctx, *limit)
	if err != nil {
		return err
	}
	return printDeadLetters(env.out, jobs)
}

func printDeadLetters(out io.Writer, jobs []queue.Job) error {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "no dead-lettered jobs")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tEXAM\tSTUDENT\tATTEMPTS\tLAST ERROR")
	for _, j := range jobs {
		p, err := j.MergePayload()
		if err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\t%d\t%s\n", j.ID, j.Attempt, err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n", j.ID, p.ExamID, p.StudentID, j.Attempt, j.LastError)
	}
	return tw.Flush()
}
