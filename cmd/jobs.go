package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"cncworker/internal/clix"
	"cncworker/internal/models"
	"cncworker/internal/store"
)

var (
	jobsUserID     int64
	jobsAdminID    int64
	jobsReason     string
	jobsPriority   int
	jobsName       string
	jobsNote       string
	jobsToolID     int64
	jobsMaterialID int64
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage queued jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs by ascending priority",
	RunE: func(cmd *cobra.Command, args []string) error {
		pagination, err := clix.ParsePagination(cmd.Flags())
		if err != nil {
			return err
		}
		status, err := clix.ParseStatusFilter(cmd.Flags())
		if err != nil {
			return err
		}
		format, err := clix.ParseOutputFormat(cmd.Flags())
		if err != nil {
			return err
		}

		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get app from context: %w", err)
		}

		log.WithFields(log.Fields{
			"limit": pagination.Limit, "offset": pagination.Offset, "status": status, "user_id": jobsUserID,
		}).Debug("Listing jobs")

		jobs, err := appInstance.JobStore.ListJobs(cmd.Context(), store.JobFilter{
			UserID: jobsUserID,
			Status: status,
			Limit:  pagination.Limit,
			Offset: pagination.Offset,
		})
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}

		if format == "table" && len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		return renderJobs(os.Stdout, format, jobs)
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a single job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job id %q", args[0])
		}
		format, err := clix.ParseOutputFormat(cmd.Flags())
		if err != nil {
			return err
		}
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		job, err := appInstance.JobStore.GetJob(cmd.Context(), id)
		if err != nil {
			return err
		}
		return renderJobs(os.Stdout, format, []*models.Job{job})
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id> <status>",
	Short: "Approve, cancel or re-queue a job",
	Long: `Moves a job to a new status. Approving a pending job means moving it to
on_hold; pass --admin to record who reviewed it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job id %q", args[0])
		}
		status, err := models.ParseJobStatus(args[1])
		if err != nil {
			return err
		}
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}

		change := models.StatusChange{CancellationReason: jobsReason}
		if jobsAdminID > 0 {
			change.AdminID = models.AdminRef(jobsAdminID)
		}
		job, err := appInstance.JobStore.SetStatus(cmd.Context(), id, status, change)
		if err != nil {
			return err
		}
		fmt.Printf("Job %d is now %s\n", job.ID, statusColor(job.Status))
		return nil
	},
}

var jobsAddCmd = &cobra.Command{
	Use:   "add <file-name>",
	Short: "Register an uploaded file and queue a job for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if jobsUserID <= 0 {
			return fmt.Errorf("--user is required")
		}
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		fileName := args[0]
		if _, err := appInstance.Files.Resolve(appInstance.Config.Files.BasePath, jobsUserID, fileName); err != nil {
			return err
		}

		ctx := cmd.Context()
		file := &models.File{UserID: jobsUserID, FileName: fileName}
		if err := appInstance.JobStore.CreateFile(ctx, file); err != nil {
			return err
		}
		name := jobsName
		if name == "" {
			name = fileName
		}
		job := &models.Job{
			UserID:   jobsUserID,
			File:     *file,
			Name:     name,
			Priority: jobsPriority,
			Note:     jobsNote,
			Status:   models.JobStatusPendingApproval,
		}
		if jobsToolID > 0 {
			job.ToolID = &jobsToolID
		}
		if jobsMaterialID > 0 {
			job.MaterialID = &jobsMaterialID
		}
		if err := appInstance.JobStore.CreateJob(ctx, job); err != nil {
			return err
		}
		fmt.Printf("Created job %s (%s)\n", color.CyanString(strconv.FormatInt(job.ID, 10)), statusColor(job.Status))
		return nil
	},
}

func renderJobs(w io.Writer, format string, jobs []*models.Job) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(jobs)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "User", "Name", "File", "Priority", "Status", "Admin", "Updated"})
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, j := range jobs {
		admin := ""
		if j.AdminID != nil {
			admin = strconv.FormatInt(*j.AdminID, 10)
		}
		updated := ""
		if j.StatusUpdatedAt != nil {
			updated = j.StatusUpdatedAt.Format("2006-01-02 15:04:05")
		}
		table.Append([]string{
			strconv.FormatInt(j.ID, 10),
			strconv.FormatInt(j.UserID, 10),
			j.Name,
			j.File.FileName,
			strconv.Itoa(j.Priority),
			statusColor(j.Status),
			admin,
			updated,
		})
	}
	table.Render()
	return nil
}

func statusColor(s models.JobStatus) string {
	switch s {
	case models.JobStatusFinished:
		return color.GreenString(string(s))
	case models.JobStatusInProgress:
		return color.CyanString(string(s))
	case models.JobStatusFailed, models.JobStatusCancelled:
		return color.RedString(string(s))
	case models.JobStatusOnHold:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsStatusCmd, jobsAddCmd)

	jobsCmd.PersistentFlags().StringP("output", "O", "table", "Output format: table, json or yaml")

	jobsListCmd.Flags().IntP("limit", "l", 20, "Number of jobs to display")
	jobsListCmd.Flags().IntP("offset", "o", 0, "Number of jobs to skip")
	jobsListCmd.Flags().StringP("status", "s", "", "Only list jobs with this status")
	jobsListCmd.Flags().Int64VarP(&jobsUserID, "user", "u", 0, "Only list jobs of this user")

	jobsStatusCmd.Flags().Int64VarP(&jobsAdminID, "admin", "a", 0, "Admin recording the change")
	jobsStatusCmd.Flags().StringVarP(&jobsReason, "reason", "r", "", "Cancellation reason")

	jobsAddCmd.Flags().Int64VarP(&jobsUserID, "user", "u", 0, "Owner of the file (required)")
	jobsAddCmd.Flags().IntVarP(&jobsPriority, "priority", "p", models.JobDefaultPriority, "Job priority, higher runs first")
	jobsAddCmd.Flags().StringVarP(&jobsName, "name", "n", "", "Job name (default: file name)")
	jobsAddCmd.Flags().StringVar(&jobsNote, "note", models.JobEmptyNote, "Free-form note")
	jobsAddCmd.Flags().Int64Var(&jobsToolID, "tool", 0, "Tool ID")
	jobsAddCmd.Flags().Int64Var(&jobsMaterialID, "material", 0, "Material ID")
}
