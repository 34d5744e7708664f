package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petervdpas/groupmote/internal/app"
	"github.com/petervdpas/groupmote/internal/config"
	"github.com/petervdpas/groupmote/internal/storage"
	"github.com/petervdpas/groupmote/internal/util"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "groupmote",
		Short: "Group-detection mote: tracks neighbors and reports to a collector",
		Long: `groupmote runs one mote out of a directory holding its config,
identity key and report journal.

Examples:
  groupmote init ./mote1     # write a default mote.json
  groupmote run ./mote1      # start the mote
  groupmote reports ./mote1  # list journaled reports`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultFile, "config file name inside the mote directory")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run <mote-directory>",
			Short: "Start the mote",
			Args:  cobra.ExactArgs(1),
			RunE:  runMote,
		},
		&cobra.Command{
			Use:   "init <mote-directory>",
			Short: "Create a mote directory with a default config",
			Args:  cobra.ExactArgs(1),
			RunE:  initMote,
		},
		reportsCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("groupmote v%s\n", appVersion)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func moteDir(cmd *cobra.Command, arg string) (dir, cfgPath string, err error) {
	dir, err = filepath.Abs(arg)
	if err != nil {
		return "", "", fmt.Errorf("invalid mote directory: %w", err)
	}
	name, _ := cmd.Flags().GetString("config")
	return dir, filepath.Join(dir, name), nil
}

func runMote(cmd *cobra.Command, args []string) error {
	dir, cfgPath, err := moteDir(cmd, args[0])
	if err != nil {
		return err
	}
	if stat, err := os.Stat(dir); err != nil || !stat.IsDir() {
		return fmt.Errorf("mote directory does not exist: %s", dir)
	}

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	printBanner(dir, cfgPath, cfg, created)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, app.Options{
		Dir:     dir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Progress: func(step, total int, label string) {
			fmt.Printf("[%d/%d] %s\n", step, total, label)
		},
	})
}

func initMote(cmd *cobra.Command, args []string) error {
	dir, cfgPath, err := moteDir(cmd, args[0])
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	_, created, err := config.Ensure(cfgPath)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Created %s\n", cfgPath)
	} else {
		fmt.Printf("%s already exists\n", cfgPath)
	}
	return nil
}

func reportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports <mote-directory>",
		Short: "List journaled reports, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, cfgPath, err := moteDir(cmd, args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			kind, _ := cmd.Flags().GetString("kind")
			limit, _ := cmd.Flags().GetInt("limit")

			db, err := storage.Open(util.ResolvePath(dir, cfg.Storage.JournalPath), cfg.Storage.JournalKeep)
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := db.ListReports(kind, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tSTATUS\tPAYLOAD")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.At.Format("2006-01-02 15:04:05"), r.Kind, r.Status, r.Payload)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("kind", "", "only reports of this kind (departure or group)")
	cmd.Flags().Int("limit", 50, "maximum rows")
	return cmd
}

func printBanner(dir, cfgPath string, cfg config.Config, created bool) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Group Mote Runner                   ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Mote Directory: %s\n", dir)
	fmt.Printf("Config File:    %s", cfgPath)
	if created {
		fmt.Print(" (created with defaults)")
	}
	fmt.Println()
	fmt.Printf("Collector:      %s [%s]:%d\n", cfg.Collector.Transport, cfg.Collector.BrokerHost, cfg.Collector.BrokerPort)
	fmt.Printf("Discovery:      %s\n", cfg.Discovery.Mode)
	fmt.Println()

	if cfg.Viewer.HTTPAddr != "" {
		_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("🌐 Viewer:  %s\n", url)
		fmt.Println()
	}

	fmt.Println("Starting mote... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
