package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	bannercolor "github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andrewGIS/ml-forest-backend/internal/delivery"
	"github.com/andrewGIS/ml-forest-backend/internal/ml"
	"github.com/andrewGIS/ml-forest-backend/internal/notification"
	"github.com/andrewGIS/ml-forest-backend/internal/pipeline"
	"github.com/andrewGIS/ml-forest-backend/internal/properties"
	"github.com/andrewGIS/ml-forest-backend/internal/raster"
)

func printBanner() {
	figure1 := figure.NewFigure("ChangeDet", "isometric1", true)
	bannercolor.Cyan(figure1.String())
	fmt.Println()
}

type app struct {
	v        *viper.Viper
	cfg      properties.Config
	log      *logrus.Logger
	notifier *notification.Discord
	quiet    bool
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "changedet",
		Short:         "Detect changes between two Sentinel-2 images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			cfg, err := properties.Load(a.v, envFile, "../.env")
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = cfg.Logger()
			a.notifier = notification.NewDiscord(cfg.DiscordErrorNotificationURL, cfg.DiscordSuccessNotificationURL)
			if !a.quiet {
				printBanner()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("env-file", ".env", "Environment file to load")
	flags.BoolVarP(&a.quiet, "quiet", "q", false, "Hide the banner and progress bars")
	flags.Float64("resolution", 20, "Target pixel size in meters")
	flags.Int("tile-size", 256, "Tile width and height in pixels")
	flags.Int("workers", 0, "Concurrent inference workers (default: number of CPUs)")
	flags.String("inference-addr", "", "Address of the model service")
	flags.String("model", "", "Model path passed to the model service")
	flags.String("log-level", "", "Log level")
	for key, flag := range map[string]string{
		properties.KeyResolution:    "resolution",
		properties.KeyTileSize:      "tile-size",
		properties.KeyWorkers:       "workers",
		properties.KeyInferenceAddr: "inference-addr",
		properties.KeyModelPath:     "model",
		properties.KeyLogLevel:      "log-level",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(newRunCmd(a), newBatchCmd(a))
	return root
}

func newRunCmd(a *app) *cobra.Command {
	var (
		pair    pipeline.Pair
		preview bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build the change mosaic of one image pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closeEngine, err := a.newPipeline(preview)
			if err != nil {
				return err
			}
			defer closeEngine()

			m, err := p.Run(cmd.Context(), pair)
			if err != nil {
				a.notifyError(cmd.Context(), fmt.Sprintf("%s: %v", pair.Name(), err))
				return err
			}
			bannercolor.Green("Mosaic written to %s", m.Artifacts.Mosaic)
			bannercolor.Green("Tiles: %d predicted, %d skipped. Changed: %.2f%%",
				m.PredictedTiles, m.SkippedTiles, 100*m.Mosaic.ChangedFraction)
			if err := a.notifier.SendSuccessNotification(cmd.Context(), fmt.Sprintf("Change mosaic ready: %s", m.Artifacts.Mosaic)); err != nil {
				a.log.WithError(err).Warn("Failed to send notification")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pair.Old, "old", "", "Old image folder name")
	cmd.Flags().StringVar(&pair.New, "new", "", "New image folder name")
	cmd.Flags().BoolVar(&preview, "preview", false, "Also write a PNG quicklook of the mosaic")
	cmd.MarkFlagRequired("old")
	cmd.MarkFlagRequired("new")
	return cmd
}

func newBatchCmd(a *app) *cobra.Command {
	var (
		report   string
		parallel int
		preview  bool
	)
	cmd := &cobra.Command{
		Use:   "batch pairs.csv",
		Short: "Build the change mosaics of every image pair in a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, err := delivery.ReadPairs(args[0])
			if err != nil {
				return err
			}
			p, closeEngine, err := a.newPipeline(preview)
			if err != nil {
				return err
			}
			defer closeEngine()

			b := &delivery.Batch{Runner: p, Parallel: parallel, Notifier: a.notifier, Log: a.log}
			rows, runErr := b.Run(cmd.Context(), pairs)
			if err := delivery.WriteReport(report, rows); err != nil {
				return err
			}
			for _, row := range rows {
				if row.Status == delivery.StatusOK {
					bannercolor.Green("%s_%s: %s", row.Old, row.New, row.Mosaic)
				} else {
					bannercolor.Red("%s_%s: %s", row.Old, row.New, row.Error)
				}
			}
			bannercolor.Cyan("Report written to %s", report)
			return runErr
		},
	}
	cmd.Flags().StringVar(&report, "report", "report.csv", "Report CSV to write")
	cmd.Flags().IntVar(&parallel, "parallel", 1, "Image pairs processed at once")
	cmd.Flags().BoolVar(&preview, "preview", false, "Also write PNG quicklooks of the mosaics")
	return cmd
}

func (a *app) newPipeline(preview bool) (*pipeline.Pipeline, func(), error) {
	engine, err := ml.NewGRPCEngine(a.cfg.InferenceAddr)
	if err != nil {
		return nil, nil, err
	}
	p, err := pipeline.New(a.cfg, pipeline.Deps{
		Store:  raster.NewGDAL(a.log),
		Engine: engine,
		Log:    a.log,
	})
	if err != nil {
		engine.Close()
		return nil, nil, err
	}
	p.Preview = preview
	p.Quiet = a.quiet
	return p, func() { engine.Close() }, nil
}

func (a *app) notifyError(ctx context.Context, message string) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.SendErrorNotification(ctx, message); err != nil {
		a.log.WithError(err).Warn("Failed to send notification")
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{v: viper.New(), log: logrus.StandardLogger()}
	defer func() {
		if r := recover(); r != nil {
			bannercolor.Red("PANIC: %v", r)
			a.notifyError(context.Background(), fmt.Sprintf("changedet panic:\n\n%v\n\nStack trace:\n%s", r, debug.Stack()))
			os.Exit(1)
		}
	}()

	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		bannercolor.Red("Error: %s", err)
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			bannercolor.Red("Stage: %s", stageErr.Stage)
			if stageErr.Path != "" {
				bannercolor.Red("Path: %s", stageErr.Path)
			}
		}
		stop()
		os.Exit(1)
	}
}
