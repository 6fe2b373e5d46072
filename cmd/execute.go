package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cncworker/internal/app"
	"cncworker/internal/models"
	"cncworker/internal/progress"
	"cncworker/internal/store"
	"cncworker/internal/tasks"
	"cncworker/internal/worker"
)

var (
	executeAdminID    int64
	executeSerialPort string
	executeBaudrate   int
	executeInline     bool
	executeWait       bool
)

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Run every job on hold on the machine",
	Long: `Requests an execution run. By default the run is queued for the worker;
with --inline it runs in this process against the configured serial port.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if executeAdminID <= 0 {
			return fmt.Errorf("--admin is required")
		}
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		if executeInline {
			return runInline(cmd, appInstance)
		}

		ctx := cmd.Context()
		busy, err := appInstance.JobStore.HasJobInProgress(ctx)
		if err != nil {
			return err
		}
		if busy {
			return models.ErrConcurrentExecution
		}

		ex, err := appInstance.JobClient.EnqueueExecution(ctx, tasks.ExecuteJobsPayload{
			RunID:      uuid.NewString(),
			AdminID:    executeAdminID,
			SerialPort: executeSerialPort,
			Baudrate:   executeBaudrate,
		}, appInstance.Config.Worker.TaskTimeout)
		if err != nil {
			return fmt.Errorf("failed to enqueue execution: %w", err)
		}
		fmt.Printf("Queued execution %s on queue %s\n", color.CyanString(ex.ID), ex.Queue)

		if executeWait {
			return waitForExecution(cmd, appInstance.JobClient, ex.ID)
		}
		return nil
	},
}

func runInline(cmd *cobra.Command, appInstance *app.App) error {
	params := appInstance.ExecuteParams(uuid.NewString(), executeAdminID)
	if executeSerialPort != "" {
		params.SerialPort = executeSerialPort
	}
	if executeBaudrate > 0 {
		params.Baudrate = executeBaudrate
	}

	sink := progress.NewAsync(progress.Multi{
		&progress.LogSink{Logger: log.WithField("run_id", params.RunID)},
		appInstance.Progress,
	})
	defer sink.Close()

	exec := worker.NewExecutor(appInstance.JobStore, appInstance.NewController(), appInstance.Files, sink, appInstance.ExecutorOptions())
	if err := exec.Run(cmd.Context(), params); err != nil {
		fmt.Printf("%s %v\n", color.RedString("ABORTED"), err)
		return err
	}
	fmt.Println(color.GreenString("All jobs on hold were executed."))
	return nil
}

// waitForExecution polls the task until the worker reports it done.
func waitForExecution(cmd *cobra.Command, client store.JobClient, id string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastPct := -1
	for {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}

		ex, err := client.GetExecution(cmd.Context(), id)
		if err != nil {
			return err
		}
		if ex.Progress != nil && ex.Progress.Percentage != lastPct {
			lastPct = ex.Progress.Percentage
			fmt.Fprintf(os.Stdout, "job %d: %d%% (%d/%d)\n",
				ex.Progress.JobID, ex.Progress.Percentage, ex.Progress.Progress, ex.Progress.TotalLines)
		}
		switch ex.State {
		case "completed":
			fmt.Println(color.GreenString("Execution completed."))
			return nil
		case "archived":
			return fmt.Errorf("execution failed: %s", ex.LastError)
		}
	}
}

func init() {
	rootCmd.AddCommand(executeCmd)

	executeCmd.Flags().Int64VarP(&executeAdminID, "admin", "a", 0, "ID of the admin starting the run (required)")
	executeCmd.Flags().StringVarP(&executeSerialPort, "port", "p", "", "Serial port, overrides machine.serial_port")
	executeCmd.Flags().IntVarP(&executeBaudrate, "baud", "b", 0, "Baud rate, overrides machine.baudrate")
	executeCmd.Flags().BoolVar(&executeInline, "inline", false, "Run in this process instead of queueing for the worker")
	executeCmd.Flags().BoolVarP(&executeWait, "wait", "w", false, "Wait for a queued run and print its progress")
	executeCmd.MarkFlagRequired("admin")
}
