package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dicomseg/internal/logging"
	"dicomseg/pkg/config"
	"dicomseg/pkg/jobspec"
	"dicomseg/pkg/nifti"
	"dicomseg/pkg/pipeline"
	"dicomseg/pkg/progress"
	"dicomseg/pkg/runner"
	"dicomseg/pkg/visualization"
	"dicomseg/pkg/volumeio"
)

// app holds what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string
	quiet      bool

	cfg    *config.Config
	logger *zap.Logger
}

// newRootCommand builds the command tree:
//   - dicomseg run --input DIR --output DIR [--method ...]
//   - dicomseg convert --input DIR --output DIR
//   - dicomseg tasks
//   - dicomseg preview FILE [--out DIR]
//   - dicomseg config init [PATH]
func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "dicomseg",
		Short: "Convert DICOM series to NIfTI and run segmentation tools",
		Long: "dicomseg converts a folder of DICOM slices into ct.nii.gz and runs " +
			"Skellytour or TotalSegmentator on it, streaming the tool output.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "dicomseg.yaml", "Configuration file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override the configured log level")
	cmd.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "Hide external tool output")

	cmd.AddCommand(runCmd(a))
	cmd.AddCommand(convertCmd(a))
	cmd.AddCommand(tasksCmd())
	cmd.AddCommand(previewCmd(a))
	cmd.AddCommand(configCmd(a))
	return cmd
}

func (a *app) init() error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// controller builds a pipeline controller wired from the configuration.
func (a *app) controller(sink progress.Sink) *pipeline.Controller {
	b := jobspec.Builder{
		SkellytourCommand:         a.cfg.Tools.Skellytour.Command,
		SkellytourExtraArgs:       a.cfg.Tools.Skellytour.ExtraArgs,
		TotalSegmentatorCommand:   a.cfg.Tools.TotalSegmentator.Command,
		TotalSegmentatorExtraArgs: a.cfg.Tools.TotalSegmentator.ExtraArgs,
	}
	r := runner.New(runner.Options{
		TailLines:   a.cfg.Runner.TailLines,
		CancelGrace: a.cfg.Runner.CancelGrace,
		Logger:      a.logger,
	})
	return pipeline.New(sink,
		pipeline.WithLogger(a.logger),
		pipeline.WithBuilder(b),
		pipeline.WithConverter(pipeline.VolumeConverter{Reader: volumeio.NewReader(a.cfg.Processing.NumCores, a.logger)}),
		pipeline.WithRunner(pipeline.ProcessRunner{Runner: r}),
	)
}

type methodFlags struct {
	method  string
	quality string
	device  string
	task    string
}

func (f *methodFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.method, "method", "m", "", "Segmentation method: skellytour or totalsegmentator")
	cmd.Flags().StringVar(&f.quality, "quality", "", "Skellytour model tier: low, medium or high")
	cmd.Flags().StringVar(&f.device, "device", "", "Skellytour device: gpu or cpu")
	cmd.Flags().StringVar(&f.task, "task", "", "TotalSegmentator task (see 'dicomseg tasks')")
}

// resolve fills unset flags from the configured defaults and parses the method.
func (f *methodFlags) resolve(cfg *config.Config) (jobspec.Method, error) {
	pick := func(flag, def string) string {
		if flag != "" {
			return flag
		}
		return def
	}
	m, err := jobspec.ParseMethod(
		pick(f.method, cfg.Defaults.Method),
		pick(f.quality, cfg.Defaults.Quality),
		pick(f.device, cfg.Defaults.Device),
		pick(f.task, cfg.Defaults.Task),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrInvalidParameters, err)
	}
	return m, nil
}

func runCmd(a *app) *cobra.Command {
	var (
		input, output string
		mf            methodFlags
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Convert a DICOM folder and segment it",
		Long: "Convert the DICOM series in --input to ct.nii.gz in --output, then run the " +
			"selected segmentation method on it. Ctrl-C cancels the running step.",
		RunE: func(cmd *cobra.Command, args []string) error {
			method, err := mf.resolve(a.cfg)
			if err != nil {
				return err
			}
			return a.drive(cmd.Context(), cmd.OutOrStdout(), input, output, method)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Folder containing the DICOM slices")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Folder receiving ct.nii.gz and the segmentation")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	mf.register(cmd)
	return cmd
}

func convertCmd(a *app) *cobra.Command {
	var input, output string

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert a DICOM folder to ct.nii.gz",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.drive(cmd.Context(), cmd.OutOrStdout(), input, output, nil)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Folder containing the DICOM slices")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Folder receiving ct.nii.gz")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

// drive runs the workflow on a controller and prints its events until the
// workflow ends. A nil method stops after conversion.
func (a *app) drive(ctx context.Context, w io.Writer, input, output string, method jobspec.Method) error {
	ch := progress.NewChannel()
	c := a.controller(ch)
	defer func() {
		c.Close()
		ch.Close()
		for range ch.Events() {
		}
	}()

	if err := c.SelectInput(input); err != nil {
		return err
	}
	if err := c.SelectOutput(output); err != nil {
		return err
	}
	if err := c.Convert(); err != nil {
		return err
	}

	started := time.Now()
	var lastErr error
	cancelled := false
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			cancelled = true
			fmt.Fprintln(w, "cancelling...")
			if err := c.Cancel(); err != nil {
				return fmt.Errorf("%w: %w", pipeline.ErrCancelled, err)
			}
		case e := <-ch.Events():
			a.print(w, e)
			switch e.Kind {
			case progress.Error:
				lastErr = e.Err
			case progress.StateChanged:
				finished, err := a.advance(c, e, method, started)
				if err != nil {
					return err
				}
				if !finished {
					continue
				}
				if cancelled {
					return pipeline.ErrCancelled
				}
				if s := c.Snapshot(); s.State == pipeline.SegmentationFailed || s.State == pipeline.InputSelected || s.State == pipeline.OutputSelected {
					if s.LastError != nil {
						return s.LastError
					}
					return lastErr
				}
				return nil
			}
		}
	}
}

// advance issues the next command after a state change and reports whether
// the workflow is over.
func (a *app) advance(c *pipeline.Controller, e progress.Event, method jobspec.Method, started time.Time) (bool, error) {
	switch e.State {
	case pipeline.Converted.String():
		a.logger.Info("conversion done", zap.Duration("elapsed", time.Since(started)))
		if method == nil {
			return true, nil
		}
		if err := c.SelectMethod(method); err != nil {
			return false, err
		}
		if err := c.RunSegmentation(); err != nil {
			return false, err
		}
		return false, nil
	case pipeline.SegmentationSucceeded.String(), pipeline.SegmentationFailed.String():
		return true, nil
	case pipeline.InputSelected.String(), pipeline.OutputSelected.String():
		// Carries a job id only after a failed or cancelled conversion.
		return e.JobID != "", nil
	}
	return false, nil
}

func (a *app) print(w io.Writer, e progress.Event) {
	switch e.Kind {
	case progress.JobOutput:
		if !a.quiet {
			fmt.Fprintln(w, "  | "+e.Message)
		}
	case progress.StateChanged:
		fmt.Fprintf(w, "%s state: %s\n", e.Time.Format("15:04:05"), e.State)
	default:
		fmt.Fprintf(w, "%s %s\n", e.Time.Format("15:04:05"), e)
	}
}

func tasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List TotalSegmentator tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "GROUP\tTASK")
			for _, g := range jobspec.TaskGroups() {
				for _, t := range g.Tasks {
					fmt.Fprintf(tw, "%s\t%s\n", g.Name, t)
				}
			}
			return tw.Flush()
		},
	}
}

func previewCmd(a *app) *cobra.Command {
	var (
		outDir       string
		axis         string
		windowCenter float64
		windowWidth  float64
	)

	cmd := &cobra.Command{
		Use:   "preview <ct.nii.gz>",
		Short: "Render orthogonal slices of a converted volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vol, err := nifti.ReadFile(args[0])
			if err != nil {
				return err
			}
			v := visualization.NewViewer(vol)
			v.SetWindow(windowCenter, windowWidth)
			a.logger.Debug("rendering preview",
				zap.String("file", args[0]),
				zap.Int("width", vol.Width), zap.Int("height", vol.Height), zap.Int("depth", vol.Depth))

			if axis != "" {
				if err := v.SaveSliceSequence(axis, outDir); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s-axis slices saved to %s\n", strings.ToLower(axis), outDir)
				return nil
			}
			paths, err := v.SaveMidSlices(outDir)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "preview", "Folder receiving the images")
	cmd.Flags().StringVar(&axis, "axis", "", "Save every slice along x, y or z instead of the middle slices")
	cmd.Flags().Float64Var(&windowCenter, "window-center", visualization.DefaultWindowCenter, "Display window center (HU)")
	cmd.Flags().Float64Var(&windowWidth, "window-width", visualization.DefaultWindowWidth, "Display window width (HU)")
	return cmd
}

func configCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}
