// Package cli wires the command line surface: hosting a file, receiving
// one by slug, chatting in a mesh session and running the reference
// directory server.
package cli

import (
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	directoryURL string
	peerID       string
)

var rootCmd = &cobra.Command{
	Use:  "peerwave",
	Long: "peerwave transfers files and runs group chat sessions directly between peers over data channels",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&directoryURL, "directory", "http://localhost:8089", "session directory base URL")
	rootCmd.PersistentFlags().StringVar(&peerID, "peer-id", "", "peer id to use (generated when empty)")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(receiveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(directoryCmd)
}

func localPeerID() string {
	if peerID != "" {
		return peerID
	}
	return uuid.NewString()
}
