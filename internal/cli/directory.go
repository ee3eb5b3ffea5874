package cli

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerwave/peerwave/internal/logger"
	"github.com/peerwave/peerwave/internal/signaling/httpserver"
)

var (
	directoryListen string
	directoryTTL    time.Duration
)

var directoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "run the reference session directory",
	Long:  "serves slug allocation, rosters and signal relay for peers; no file contents or chat payloads pass through it",
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger()

		server := httpserver.NewServer(directoryTTL, log)
		stop := make(chan struct{})
		defer close(stop)
		go server.RunSweeper(stop)

		log.Infof("directory listening on %s", directoryListen)
		if err := http.ListenAndServe(directoryListen, server.Handler()); err != nil {
			log.Fatalf("directory server failed: %v", err)
		}
	},
}

func init() {
	directoryCmd.Flags().StringVar(&directoryListen, "listen", ":8089", "listen address")
	directoryCmd.Flags().DurationVar(&directoryTTL, "ttl", httpserver.DefaultTTL, "session expiry after the last heartbeat")
}
