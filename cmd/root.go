package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cncworker/internal/app"
	"cncworker/internal/config"
	"cncworker/internal/grbl"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cncworker",
	Short: "CNC job queue and GRBL execution worker",
	Long: `cncworker manages a queue of G-code jobs and streams approved jobs to a
GRBL controller over a serial link, one job at a time.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	// PersistentPreRunE runs before any subcommand's RunE
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := app.ConfigureLogging(cfg); err != nil {
			return err
		}
		cfg.WarnOnRisk()

		appInstance, err := app.NewApp(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}

		ctx := context.WithValue(cmd.Context(), appKey, appInstance)
		cmd.SetContext(ctx)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if appInstance, err := GetAppFromContext(cmd.Context()); err == nil {
			appInstance.Close()
		}
	},
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.LoadConfig()
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type contextKey string

const appKey contextKey = "app"

// GetAppFromContext returns the app built by PersistentPreRunE.
func GetAppFromContext(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application instance not found in context")
	}
	return appInstance, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file (default ./config.yaml)")
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check database connectivity and list serial ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		appInstance, err := GetAppFromContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to get app instance: %w", err)
		}

		fmt.Println("Checking database connectivity...")
		if err := appInstance.JobStore.Ping(ctx); err != nil {
			fmt.Printf("  %s %v\n", color.RedString("FAIL"), err)
			return fmt.Errorf("database ping failed: %w", err)
		}
		fmt.Printf("  %s %s\n", color.GreenString("OK"), appInstance.Config.Database.Driver)

		ports, err := grbl.ListPorts()
		if err != nil {
			log.WithError(err).Warn("Could not enumerate serial ports")
			return nil
		}

		configured := appInstance.Config.Machine.SerialPort
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Port", "Configured"})
		table.SetBorder(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)

		found := false
		for _, p := range ports {
			mark := ""
			if p == configured {
				mark = color.GreenString("yes")
				found = true
			}
			table.Append([]string{p, mark})
		}
		table.Render()

		if !found {
			fmt.Printf("%s configured port %s was not detected\n", color.YellowString("WARN"), configured)
		}
		return nil
	},
}
