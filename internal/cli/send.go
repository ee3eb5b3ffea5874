package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/peerwave/peerwave/internal/logger"
	"github.com/peerwave/peerwave/internal/protocol"
	"github.com/peerwave/peerwave/internal/signaling"
	"github.com/peerwave/peerwave/internal/transfer"
	"github.com/peerwave/peerwave/internal/transport/webrtc"
)

var (
	sendPassword  string
	sendChunkSize int
)

var sendCmd = &cobra.Command{
	Use:   "send file-path",
	Short: "host a file for download",
	Long:  "registers a slug with the directory and uploads the file to every peer that connects, until interrupted",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger()

		src, err := transfer.OpenFileSource(args[0])
		if err != nil {
			log.Fatalf("failed to open file: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		id := localPeerID()
		client := signaling.NewClient(directoryURL, id, log)
		defer client.Close()

		created, err := client.CreateSession(ctx, signaling.CreateSessionRequest{
			HostPeerID:      id,
			Character:       protocol.CharacterInfo{Name: "file:" + src.Name()},
			MaxParticipants: 16,
		})
		if err != nil {
			log.Fatalf("failed to register with directory: %v", err)
		}
		defer client.DestroySession(context.Background(), created.Slug, id)

		go signaling.RunHeartbeat(ctx, client, created.Slug, 0, log)

		tr := webrtc.New(id, client, nil, log)
		defer tr.Close()

		fmt.Printf("sharing %s (%d bytes)\n", src.Name(), src.Size())
		fmt.Printf("receive with: peerwave receive %s\n", created.Slug)

		for {
			select {
			case <-ctx.Done():
				return
			case conn, open := <-tr.Accept():
				if !open {
					return
				}
				log.Infof("peer %s connected", conn.PeerID())

				bar := progressbar.DefaultBytes(src.Size(), "uploading")
				uploader := transfer.NewUploader(conn, src, transfer.UploaderConfig{
					Password:  sendPassword,
					ChunkSize: sendChunkSize,
					Logger:    log,
					OnProgress: func(sent, acked, total int64) {
						_ = bar.Set64(acked)
					},
				})
				go func() {
					if err := uploader.Run(ctx); err != nil {
						log.Warnf("upload to %s failed: %v", conn.PeerID(), err)
					}
				}()
			}
		}
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendPassword, "password", "", "require a password before sending file metadata")
	sendCmd.Flags().IntVar(&sendChunkSize, "chunk-size", transfer.DefaultChunkSize, "chunk size in bytes")
}
