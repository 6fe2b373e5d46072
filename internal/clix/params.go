package clix

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"cncworker/internal/models"
)

type PaginationParams struct {
	Limit  int
	Offset int
}

func ParsePagination(flags *pflag.FlagSet) (PaginationParams, error) {
	limit, _ := flags.GetInt("limit")
	offset, _ := flags.GetInt("offset")
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return PaginationParams{Limit: limit, Offset: offset}, nil
}

// ParseStatusFilter reads --status. An empty flag means no filter.
func ParseStatusFilter(flags *pflag.FlagSet) (models.JobStatus, error) {
	raw, _ := flags.GetString("status")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	status, err := models.ParseJobStatus(strings.ToLower(raw))
	if err != nil {
		return "", fmt.Errorf("--status: %w", err)
	}
	return status, nil
}

// ParseOutputFormat reads --output and accepts table, json or yaml.
func ParseOutputFormat(flags *pflag.FlagSet) (string, error) {
	format, _ := flags.GetString("output")
	switch format {
	case "", "table":
		return "table", nil
	case "json", "yaml":
		return format, nil
	default:
		return "", fmt.Errorf("unsupported output format %q", format)
	}
}
