package cli

import (
	"encoding/json"
	"log/slog"
	"os"

	"panostitch/internal/config"
	"panostitch/internal/pipeline"
	"panostitch/internal/storage"
	"panostitch/internal/watch"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "panostitch",
		Short: "Panostitch stitches rotational image sequences into panoramas",
		Long: `Panostitch projects overlapping photos onto a cylinder, estimates the
translation between neighbors, corrects accumulated drift on full 360
degree loops, and blends the result into a single cropped panorama.`,
	}

	rootCmd.AddCommand(newStitchCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newStitchCmd(root *Root) *cobra.Command {
	var (
		output  string
		focal   float64
		noDrift bool
		partial bool
	)

	cmd := &cobra.Command{
		Use:   "stitch <input_directory> [output_path]",
		Short: "Stitch a directory of overlapping photos into a panorama",
		Long: `Stitch the images in a directory, in filename order, into a cylindrical
panorama. The focal length is read from image metadata when present;
use --focal to override it with a value in pixels.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if len(args) > 1 {
				output = args[1]
			}

			options := map[string]any{"source": "cli"}
			if focal > 0 {
				options["focal"] = focal
			}
			if noDrift {
				options["drift"] = false
			}
			if partial {
				options["partial"] = true
			}

			job := pipeline.Job{
				ID:        newID("stitch"),
				Type:      pipeline.JobStitch,
				InputPath: input,
				Output:    output,
				Options:   options,
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: <input>/panorama.<format>)")
	cmd.Flags().Float64Var(&focal, "focal", 0, "focal length in pixels, overrides image metadata")
	cmd.Flags().BoolVar(&noDrift, "no-drift", false, "disable 360 degree drift correction")
	cmd.Flags().BoolVar(&partial, "partial", false, "keep going when a neighboring pair cannot be registered")

	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <input_directory>",
		Short: "Read and store focal length metadata for a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("scan"),
				Type:      pipeline.JobScan,
				InputPath: args[0],
				Options:   map[string]any{"source": "cli"},
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start an HTTP server exposing stitch runs, pair estimates, and drift
corrections, with job submission and live result streaming.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server", "addr", addr)
			return root.serveFn(cmd.Context(), addr, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr(), "server address (host:port)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <directory>...",
		Short: "Watch directories and stitch new image bursts automatically",
		Long: `Watch one or more directories. When a burst of new images stops
arriving for the configured settle window, a stitch job is queued for
that directory.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := watch.New(args, root.cfg.Watch, root.pipeline, root.log)
			if err != nil {
				return err
			}
			w.Start()
			defer w.Stop()

			root.log.Info("watching for image bursts", "dirs", args)
			<-cmd.Context().Done()
			return nil
		},
	}
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("Current configuration:\n")
			cfgPath := os.Getenv("PANOSTITCH_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/panostitch/config.json"
			}
			cmd.Printf("Config file: %s\n\n", cfgPath)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(root.cfg)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("configuration validation", "status", "valid")
			cmd.Println("Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("Panostitch v1.0.0")
		},
	}
}
