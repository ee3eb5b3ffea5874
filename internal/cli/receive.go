package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
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
	receiveOutput  string
	receiveOffset  int64
	receiveMaxSize int64
)

var receiveCmd = &cobra.Command{
	Use:   "receive slug",
	Short: "download a shared file",
	Long:  "looks up the slug with the directory, connects to the sender and downloads the file, prompting for a password when the sender requires one",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		id := localPeerID()
		client := signaling.NewClient(directoryURL, id, log)
		defer client.Close()

		roster, err := client.GetSession(ctx, args[0])
		if err != nil {
			log.Fatalf("failed to look up slug: %v", err)
		}

		tr := webrtc.New(id, client, nil, log)
		defer tr.Close()

		conn, err := tr.Connect(ctx, roster.HostPeerID)
		if err != nil {
			log.Fatalf("failed to connect to sender: %v", err)
		}
		defer conn.Close()

		output := receiveOutput
		var bar *progressbar.ProgressBar
		sinkReady := make(chan transfer.Sink, 1)

		downloader := transfer.NewDownloader(conn, &lazySink{ready: sinkReady}, transfer.DownloaderConfig{
			PasswordFunc: promptPassword,
			MaxFileSize:  receiveMaxSize,
			ResumeOffset: receiveOffset,
			Logger:       log,
			OnMeta: func(meta protocol.FileMeta) {
				if output == "" {
					output = meta.Name
				}
				sink, err := transfer.CreateFileSink(output)
				if err != nil {
					log.Fatalf("failed to create %s: %v", output, err)
				}
				sinkReady <- sink
				bar = progressbar.DefaultBytes(meta.Size, "downloading")
			},
			OnProgress: func(received, total int64) {
				if bar != nil {
					_ = bar.Set64(received)
				}
			},
		})

		if err := downloader.Run(ctx); err != nil {
			log.Fatalf("download failed: %v", err)
		}
		fmt.Printf("saved %s (%d bytes)\n", output, downloader.BytesReceived())
	},
}

// lazySink defers sink creation until file metadata names the output.
type lazySink struct {
	ready chan transfer.Sink
	sink  transfer.Sink
}

func (s *lazySink) resolve() transfer.Sink {
	if s.sink == nil {
		s.sink = <-s.ready
	}
	return s.sink
}

func (s *lazySink) WriteAt(p []byte, off int64) (int, error) {
	return s.resolve().WriteAt(p, off)
}

func (s *lazySink) Finalize() error {
	return s.resolve().Finalize()
}

func promptPassword(retry bool) (string, error) {
	if retry {
		fmt.Println("wrong password, try again")
	}
	fmt.Print("password: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func init() {
	receiveCmd.Flags().StringVarP(&receiveOutput, "output", "o", "", "output path (defaults to the advertised file name)")
	receiveCmd.Flags().Int64Var(&receiveOffset, "resume-from", 0, "resume a partial download from this byte offset")
	receiveCmd.Flags().Int64Var(&receiveMaxSize, "max-size", 0, "reject files larger than this many bytes (0 disables the ceiling)")
}
