// proctorctl runs maintenance operations against the proctoring stores:
// a reconciliation pass on demand, a synchronous merge for manual recovery,
// roster imports and a look at dead-lettered merge jobs.
//
// Usage:
//
//	proctorctl reconcile
//	proctorctl merge --exam 12 --student s1 [--name "Ann Lee"]
//	proctorctl import --exam 12 --file students.csv
//	proctorctl dlq [--limit 50]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/exam-proctor/backend/config"
)

const usage = `proctorctl: exam proctoring maintenance

Commands:
  reconcile   run one reconciliation pass now
  merge       merge one student's segments synchronously
  import      enroll students from a student_id,student_name CSV
  dlq         list dead-lettered merge jobs

Run "proctorctl <command> --help" for command flags.
`

// errUsage marks invocation errors that should print the usage text.
var errUsage = errors.New("usage")

type command func(ctx context.Context, env *environment, args []string) error

var commands = map[string]command{
	"reconcile": runReconcile,
	"merge":     runMerge,
	"import":    runImport,
	"dlq":       runDLQ,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	switch args[0] {
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	env := &environment{out: out, connect: connectStores}
	defer env.close()
	return cmd(ctx, env, args[1:])
}

// parseFlags parses args into fs. ok is false when help was requested.
func parseFlags(fs *pflag.FlagSet, args []string, out io.Writer) (bool, error) {
	fs.SetOutput(out)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return false, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return true, nil
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	logger, _ := cfg.Build()
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
