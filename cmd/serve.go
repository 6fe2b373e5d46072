package cmd

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cncworker/internal/apihandlers"
)

var (
	serveAddr string
	servePort int
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job queue HTTP API",
	Long: `Starts an HTTP server for listing, approving and cancelling jobs and for
starting execution runs. Runs are executed by the worker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}

		addr := appInstance.Config.Server.Addr
		if cmd.Flags().Changed("addr") {
			addr = serveAddr
		}
		port := appInstance.Config.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		if appInstance.Config.Log.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.New()
		router.Use(gin.Recovery())
		apihandlers.RegisterRoutes(router, apihandlers.NewAPIHandler(appInstance))

		listenAddr := addr + ":" + strconv.Itoa(port)
		log.Infof("Starting API server on http://%s", listenAddr)
		if err := router.Run(listenAddr); err != nil {
			log.WithError(err).Error("Failed to run API server")
			return fmt.Errorf("failed to run API server: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "0.0.0.0", "Address to listen on, overrides server.addr")
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "Port to listen on, overrides server.port")
}
