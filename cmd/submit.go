package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/app"
	"github.com/JakeFAU/magnet-dispatcher/internal/config"
	"github.com/JakeFAU/magnet-dispatcher/internal/dispatcher"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// errTasksFailed makes the process exit non-zero when any task ended FAILED.
var errTasksFailed = errors.New("one or more tasks failed")

func newSubmitCmd(rt *cliContext) *cobra.Command {
	var (
		timeout time.Duration
		source  string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "submit [magnet ...]",
		Short: "Dispatch magnet links once and wait for the outcome",
		Long: `submit dispatches the given magnet links, or one per stdin line when no
arguments are given, waits until every task is terminal, and prints a
summary table. Sources, the HTTP listener, and the instance lock are
skipped so submit can run next to a serving instance.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raws := args
			if len(raws) == 0 {
				lines, err := readLines(cmd.InOrStdin())
				if err != nil {
					return err
				}
				raws = lines
			}
			if len(raws) == 0 {
				return errors.New("no magnet links given")
			}

			cfg, logger, err := rt.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush
			cfg.LockFile = ""
			cfg.Server.Enabled = false
			cfg.Schedule = config.ScheduleConfig{}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, app.Options{
				Store:          config.NewStaticStore(cfg),
				Logger:         logger,
				DisableServer:  true,
				DisableSources: true,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			runCtx, cancelRun := context.WithCancel(ctx)
			runDone := make(chan error, 1)
			go func() { runDone <- a.Run(runCtx) }()

			waitCtx, cancelWait := context.WithTimeout(ctx, timeout)
			tasks, submitErr := submitAndWait(waitCtx, a.Engine(), raws, source)
			cancelWait()
			cancelRun()
			runErr := <-runDone

			closeCtx, cancelClose := shutdownContext(cmd.Context(), cfg)
			defer cancelClose()
			if err := a.Close(closeCtx); err != nil {
				logger.Warn("shutdown incomplete", zap.Error(err))
			}

			if err := printTasks(cmd.OutOrStdout(), tasks, asJSON); err != nil {
				return err
			}
			if err := errors.Join(submitErr, runErr); err != nil {
				return err
			}
			for _, task := range tasks {
				if task.State == torrent.StateFailed {
					return errTasksFailed
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for every task")
	cmd.Flags().StringVar(&source, "source", "cli", "source label recorded on each task")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tasks as JSON")
	return cmd
}

// readLines returns the non-blank lines of r, skipping # comments.
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return lines, nil
}

func submitAndWait(ctx context.Context, engine *dispatcher.Engine, raws []string, source string) ([]torrent.Task, error) {
	handles, err := engine.SubmitBatch(ctx, raws, source)
	if err != nil && len(handles) == 0 {
		return nil, fmt.Errorf("submit: %w", err)
	}
	tasks, waitErr := dispatcher.WaitAll(ctx, handles)
	return tasks, errors.Join(err, waitErr)
}

func printTasks(w io.Writer, tasks []torrent.Task, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(tasks); err != nil {
			return fmt.Errorf("encode tasks: %w", err)
		}
		return nil
	}
	rows := make([][]string, 0, len(tasks))
	for _, task := range tasks {
		name := task.Identifier.DisplayName
		if name == "" {
			name = task.Identifier.ContentHash
		}
		errText := string(task.LastError)
		if task.LastErrorText != "" {
			errText = task.LastErrorText
		}
		rows = append(rows, []string{
			shortID(task.ID),
			truncate(name, 48),
			task.Category,
			string(task.State),
			strconv.Itoa(task.AttemptCount),
			truncate(errText, 40),
		})
	}
	renderTable(w,
		[]string{"Task", "Name", "Category", "State", "Attempts", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
	return nil
}
