package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerwave/peerwave/internal/charstore"
	"github.com/peerwave/peerwave/internal/generate"
	"github.com/peerwave/peerwave/internal/logger"
	"github.com/peerwave/peerwave/internal/mesh"
	"github.com/peerwave/peerwave/internal/protocol"
	"github.com/peerwave/peerwave/internal/session"
	"github.com/peerwave/peerwave/internal/signaling"
	"github.com/peerwave/peerwave/internal/transport/webrtc"
)

var (
	chatSlug      string
	chatName      string
	chatAvatar    string
	chatPassword  string
	chatMax       int
	chatDBPath    string
	chatGenURL    string
	chatGenKey    string
	chatGenModel  string
	chatAutoReply bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "host or join a mesh chat session",
	Long:  "hosts a new session, or joins an existing one with --slug; characters are stored locally and only name and avatar are shared with peers",
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		characters, err := charstore.NewStore(chatDBPath)
		if err != nil {
			log.Fatalf("failed to open character store: %v", err)
		}
		character, err := loadCharacter(characters)
		if err != nil {
			log.Fatalf("failed to load character: %v", err)
		}

		id := localPeerID()
		client := signaling.NewClient(directoryURL, id, log)
		defer client.Close()

		var generator generate.Generator
		if chatGenURL != "" {
			generator = generate.NewHTTPClient(chatGenURL, chatGenKey, chatGenModel)
		}

		store := session.NewStore(0, log)
		manager, err := mesh.NewManager(mesh.Config{
			Transport: webrtc.New(id, client, nil, log),
			Directory: client,
			Store:     store,
			Generator: generator,
			Logger:    log,
		})
		if err != nil {
			log.Fatalf("failed to build session manager: %v", err)
		}

		var info session.Info
		if chatSlug == "" {
			info, err = manager.Host(ctx, character, chatMax, chatPassword)
		} else {
			info, err = manager.Join(ctx, chatSlug, character, chatPassword)
		}
		if err != nil {
			log.Fatalf("failed to start session: %v", err)
		}
		defer manager.Leave(context.Background())

		if info.IsHost {
			fmt.Printf("hosting session %s, join with: peerwave chat --slug %s\n", info.Slug, info.Slug)
		} else {
			fmt.Printf("joined session %s\n", info.Slug)
		}
		if chatAutoReply && generator != nil {
			manager.SetAutoReply(true)
		}

		go renderLoop(ctx, store)
		go watchEvents(ctx, manager)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
			case line == "/leave":
				return
			case line == "/who":
				printRoster(store)
			default:
				if _, err := manager.SendChat(line, true); err != nil {
					log.Warnf("failed to send message: %v", err)
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	},
}

func loadCharacter(characters *charstore.Store) (protocol.CharacterInfo, error) {
	stored, err := characters.GetCharacter(chatName)
	if err == nil {
		if chatAvatar != "" && chatAvatar != stored.Avatar {
			stored.Avatar = chatAvatar
			if err := characters.SaveCharacter(stored); err != nil {
				return protocol.CharacterInfo{}, err
			}
		}
		return stored.Info(), nil
	}

	created := &charstore.Character{Name: chatName, Avatar: chatAvatar}
	if err := characters.SaveCharacter(created); err != nil {
		return protocol.CharacterInfo{}, err
	}
	return created.Info(), nil
}

// renderLoop drains the offline buffer periodically and prints what
// arrived since the last pass.
func renderLoop(ctx context.Context, store *session.Store) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, item := range store.Attach() {
				printItem(item)
			}
			store.Detach()
		}
	}
}

func printItem(item session.ChatItem) {
	ts := time.UnixMilli(item.ItemTime()).Format("15:04:05")
	switch item := item.(type) {
	case *protocol.ChatMessage:
		fmt.Printf("[%s] %s: %s\n", ts, item.CharacterName, item.Content)
	case *protocol.SystemMessage:
		fmt.Printf("[%s] * %s %s\n", ts, item.CharacterName, item.Event)
	}
}

func printRoster(store *session.Store) {
	for _, p := range store.Participants() {
		name := "(unknown)"
		if p.Character != nil {
			name = p.Character.Name
		}
		fmt.Printf("%s  %s  %s\n", p.PeerID, name, p.Status)
	}
}

func watchEvents(ctx context.Context, manager *mesh.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-manager.Events():
			if event.Kind == mesh.EventHostLost {
				fmt.Println("host disconnected, session over")
				return
			}
		}
	}
}

func init() {
	chatCmd.Flags().StringVar(&chatSlug, "slug", "", "session slug to join (hosts a new session when empty)")
	chatCmd.Flags().StringVar(&chatName, "name", "anonymous", "character name")
	chatCmd.Flags().StringVar(&chatAvatar, "avatar", "", "character avatar")
	chatCmd.Flags().StringVar(&chatPassword, "password", "", "session password")
	chatCmd.Flags().IntVar(&chatMax, "max-participants", 8, "maximum number of participants when hosting")
	chatCmd.Flags().StringVar(&chatDBPath, "db", "peerwave.sqlite3", "character database path")
	chatCmd.Flags().StringVar(&chatGenURL, "generator-url", "", "chat-completions endpoint for auto-reply")
	chatCmd.Flags().StringVar(&chatGenKey, "generator-key", "", "API key for the generation backend")
	chatCmd.Flags().StringVar(&chatGenModel, "generator-model", "", "model name for the generation backend")
	chatCmd.Flags().BoolVar(&chatAutoReply, "auto-reply", false, "reply automatically using the generation backend")
}
