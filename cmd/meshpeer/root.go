package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"meshcall/internal/logging"
	"meshcall/pkg/webrtc/mesh"
	"meshcall/pkg/webrtc/signaling"
)

var (
	flagServer   string
	flagRoom     string
	flagName     string
	flagCodec    string
	flagCamera   bool
	flagMic      bool
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "meshpeer [room]",
	Short: "Headless participant for meshcall rooms",
	Long: `meshpeer connects to a meshcall relay, joins a room and keeps a WebRTC
connection to every other participant. Lines typed on stdin are sent as chat;
"/leave" or end of input leaves the room.

Examples:
  meshpeer brave-lucky-otter
  meshpeer --server wss://call.example.org/ws --camera standup
  meshpeer --codec msgpack   # mints a new room code`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := Options{
			Server:   flagServer,
			Room:     flagRoom,
			Name:     flagName,
			Codec:    flagCodec,
			LogLevel: flagLogLevel,
		}
		if len(args) == 1 {
			opts.Room = args[0]
		}
		if cmd.Flags().Changed("camera") {
			opts.Camera = &flagCamera
		}
		if cmd.Flags().Changed("mic") {
			opts.Mic = &flagMic
		}
		cfg, err := Load(opts)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runPeer(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagServer, "server", "", "relay WebSocket URL (env MESHCALL_SERVER, default "+DefaultServer+")")
	rootCmd.Flags().StringVar(&flagRoom, "room", "", "room to join; a new code is minted when empty (env MESHCALL_ROOM)")
	rootCmd.Flags().StringVar(&flagName, "name", "", "display name (env MESHCALL_NAME)")
	rootCmd.Flags().StringVar(&flagCodec, "codec", "", "relay frame codec: json or msgpack (env MESHCALL_CODEC)")
	rootCmd.Flags().BoolVar(&flagCamera, "camera", false, "send a camera track (env MESHCALL_CAMERA)")
	rootCmd.Flags().BoolVar(&flagMic, "mic", true, "send a microphone track (env MESHCALL_MIC)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
}

// Execute runs the root command.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runPeer(ctx context.Context, cfg *PeerConfig, in io.Reader, out io.Writer) error {
	level := logging.ParseLevel(cfg.LogLevel, slog.LevelInfo)
	logger := logging.New(os.Stderr, level, os.Getenv("LOG_FORMAT"))

	if cfg.Room == "" {
		code, err := mintRoom(ctx, cfg.APIBase())
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		cfg.Room = code
		fmt.Fprintf(out, "created room %s\n", code)
	}

	api, err := mesh.NewAPI(logging.PionFactory(os.Stderr, level))
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := signaling.Dial(dialCtx, cfg.Server, signaling.Options{Codec: cfg.Codec, Logger: logger})
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	session := mesh.NewSession(mesh.SessionConfig{
		Relay:    client,
		Username: cfg.Name,
		API:      api,
		Logger:   logger,
		OnTrack: func(remoteID string, track *webrtc.TrackRemote) {
			logger.Info("receiving track", "peer", remoteID, "kind", track.Kind().String())
			go drain(track)
		},
		OnPeerState: func(remoteID string, state webrtc.PeerConnectionState) {
			logger.Info("peer connection state", "peer", remoteID, "state", state.String())
		},
		OnChat: func(m mesh.ChatMessage) {
			name := m.SenderName
			if name == "" {
				name = m.SenderID
			}
			fmt.Fprintf(out, "<%s> %s\n", name, m.Text)
		},
	})
	defer session.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	if err := session.WaitReady(ctx); err != nil {
		return err
	}
	media := session.Media()
	if cfg.Mic {
		if err := media.EnableMicrophone(ctx); err != nil {
			logger.Warn("microphone unavailable", "err", err)
		}
	}
	if cfg.Camera {
		if err := media.EnableCamera(ctx); err != nil {
			logger.Warn("camera unavailable", "err", err)
		}
	}
	if err := session.Join(ctx, cfg.Room); err != nil {
		return err
	}
	logger.Info("joined room", "room", cfg.Room, "id", session.ID(), "mode", media.Capabilities().Mode())

	lines := make(chan string)
	go readLines(in, lines)

	for {
		select {
		case <-ctx.Done():
			return session.Leave(context.Background())
		case err := <-runErr:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok || line == "/leave" {
				return session.Leave(ctx)
			}
			if line == "" {
				continue
			}
			if err := session.SendChat(line); err != nil {
				return err
			}
		}
	}
}

func readLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- strings.TrimSpace(scanner.Text())
	}
}

// drain consumes RTP so the receiver's buffers never fill.
func drain(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

// mintRoom asks the relay's REST API for a fresh meeting code.
func mintRoom(ctx context.Context, apiBase string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/api/rooms", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.Code == "" {
		return "", errors.New("relay returned an empty room code")
	}
	return payload.Code, nil
}
