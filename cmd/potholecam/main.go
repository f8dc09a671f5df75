// Command potholecam runs the on-device pothole detector and manages its
// upload queue.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"potholecam/internal/app"
	"potholecam/internal/config"
	"potholecam/internal/logger"
)

const (
	flagEnv     = "env"
	flagDebug   = "debug"
	flagJSON    = "json"
	flagRemove  = "remove-orphans"
	flagTimeout = "timeout"
)

func main() {
	cliApp := &cli.App{
		Name:  "potholecam",
		Usage: "detect potholes from a camera and report them to the backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagEnv,
				Usage: "load settings from `FILE` before .env and the environment",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if path := c.String(flagEnv); path != "" {
				if err := godotenv.Load(path); err != nil {
					return fmt.Errorf("failed to load %s: %w", path, err)
				}
			}
			if c.Bool(flagDebug) {
				os.Setenv("LOG_LEVEL", "debug")
			}
			return nil
		},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run detection, the status server and upload delivery",
				Action: runAction,
			},
			{
				Name:  "queue",
				Usage: "inspect and manage pending uploads",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "list pending uploads",
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: flagJSON, Usage: "print JSON"},
						},
						Action: queueListAction,
					},
					{
						Name:      "retry",
						Usage:     "deliver pending uploads now (all when no id is given)",
						ArgsUsage: "[id...]",
						Flags: []cli.Flag{
							&cli.DurationFlag{Name: flagTimeout, Value: 2 * time.Minute, Usage: "give up after this long"},
						},
						Action: queueRetryAction,
					},
					{
						Name:      "delete",
						Usage:     "delete pending uploads and their images",
						ArgsUsage: "id...",
						Action:    queueDeleteAction,
					},
				},
			},
			{
				Name:  "migrate",
				Usage: "create the schema and reconcile records with the image directory",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: flagRemove, Usage: "delete images no record refers to"},
				},
				Action: migrateAction,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setup() (*config.Config, *logger.Logger, error) {
	cfg := config.Load()
	lg, err := logger.NewLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, lg, nil
}

func runAction(c *cli.Context) error {
	cfg, lg, err := setup()
	if err != nil {
		return err
	}
	defer lg.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(cfg, lg)
	if err != nil {
		lg.Error("Failed to start: %v", err)
		return err
	}

	runErr := application.Run(ctx)
	if err := application.Close(); err != nil {
		lg.Error("Shutdown: %v", err)
	}
	return runErr
}

func queueListAction(c *cli.Context) error {
	cfg, lg, err := setup()
	if err != nil {
		return err
	}
	defer lg.Close()

	queue, err := app.OpenQueue(cfg, lg, nil)
	if err != nil {
		return err
	}
	defer queue.Close()

	uploads, err := queue.Uploads.GetAll(c.Context)
	if err != nil {
		return err
	}

	if c.Bool(flagJSON) {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(uploads)
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDETECTED\tLAT\tLON\tCONF\tFAILURES")
	for _, u := range uploads {
		fmt.Fprintf(w, "%s\t%s\t%.6f\t%.6f\t%.2f\t%d\n",
			u.ID, u.DetectedAt().Format(time.RFC3339), u.Latitude, u.Longitude, u.Confidence, u.FailureCount)
	}
	return w.Flush()
}

func queueRetryAction(c *cli.Context) error {
	cfg, lg, err := setup()
	if err != nil {
		return err
	}
	defer lg.Close()

	queue, err := app.OpenQueue(cfg, lg, nil)
	if err != nil {
		return err
	}
	defer queue.Close()

	ids := c.Args().Slice()
	if len(ids) == 0 {
		uploads, err := queue.Uploads.GetAll(c.Context)
		if err != nil {
			return err
		}
		for _, u := range uploads {
			ids = append(ids, u.ID)
		}
	}
	if len(ids) == 0 {
		fmt.Fprintln(c.App.Writer, "Nothing to upload")
		return nil
	}

	for _, id := range ids {
		queue.Dispatcher.Enqueue(id)
	}

	done := make(chan struct{})
	go func() {
		queue.Dispatcher.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.Duration(flagTimeout)):
		fmt.Fprintln(c.App.Writer, "Timed out, remaining uploads stay queued")
	case <-c.Context.Done():
	}

	for _, id := range ids {
		fmt.Fprintf(c.App.Writer, "%s\t%s\n", id, queue.Dispatcher.Status(id))
	}
	return nil
}

func queueDeleteAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("at least one id is required", 1)
	}

	cfg, lg, err := setup()
	if err != nil {
		return err
	}
	defer lg.Close()

	queue, err := app.OpenQueue(cfg, lg, nil)
	if err != nil {
		return err
	}
	defer queue.Close()

	for _, id := range c.Args().Slice() {
		if err := queue.Dispatcher.Delete(c.Context, id); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Deleted %s\n", id)
	}
	return nil
}

func migrateAction(c *cli.Context) error {
	cfg, lg, err := setup()
	if err != nil {
		return err
	}
	defer lg.Close()

	queue, err := app.OpenQueue(cfg, lg, nil)
	if err != nil {
		return err
	}
	defer queue.Close()

	report, err := queue.Images.Reconcile(c.Context, queue.Uploads, c.Bool(flagRemove))
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "Database %s ready\n", cfg.DatabasePath)
	fmt.Fprintf(c.App.Writer, "Image directory %s\n", queue.Images.Dir())
	fmt.Fprintf(c.App.Writer, "Records: %d, dropped for missing image: %d\n", report.Records, report.MissingImages)
	fmt.Fprintf(c.App.Writer, "Unreferenced images: %d, removed: %d\n", len(report.Orphans), report.Removed)
	return nil
}

