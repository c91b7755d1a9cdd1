package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/meshroom/internal/adapters/console"
	router "github.com/dkeye/meshroom/internal/adapters/http"
	"github.com/dkeye/meshroom/internal/adapters/rtc"
	sigclient "github.com/dkeye/meshroom/internal/adapters/signal"
	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/app/capture"
	"github.com/dkeye/meshroom/internal/app/orch"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/domain"
)

const leaveTimeout = 10 * time.Second

var flagPlaybackBlocked bool

func newJoinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <link>",
		Short: "Join a room from a join link",
		Long: `Join a room. The link carries room, userId, name and avatar in its
query string, for example:

  meshroom join "https://class.example.com/call?room=101&userId=42&name=Ada"`,
		Args: cobra.ExactArgs(1),
		RunE: runJoin,
	}

	f := cmd.Flags()
	f.String("log-level", "", "log level (trace, debug, info, warn, error)")
	f.Bool("log-json", false, "log as JSON")
	f.String("signal-url", "", "socket.io signaling server")
	f.String("peer-host", "", "PeerJS broker host")
	f.Int("peer-port", 0, "PeerJS broker port")
	f.String("peer-path", "", "PeerJS broker path")
	f.Bool("peer-secure", false, "use https/wss for the broker")
	f.String("peer-id", "", "request a fixed endpoint id")
	f.String("turn-url", "", "TURN host, expanded to udp, tcp and tls")
	f.String("turn-username", "", "TURN username")
	f.String("turn-credential", "", "TURN credential")
	f.String("ice-url", "", "ICE credential endpoint")
	f.Bool("force-relay", false, "only use TURN relay candidates")
	f.String("camera", "", "camera source (VP8 IVF)")
	f.String("microphone", "", "microphone source (Opus Ogg)")
	f.String("screen", "", "screen source (VP8 IVF)")
	f.String("media-policy", "", "on media failure: reject or degrade")
	f.String("dial-policy", "", "settle or lower-id")
	f.String("control-addr", "", "serve the control API on this address")
	f.BoolVar(&flagPlaybackBlocked, "playback-blocked", false, "start with audio playback blocked until /audio")
	return cmd
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	identity, err := domain.ParseJoinLink(args[0])
	if err != nil {
		return fmt.Errorf("join link: %w", err)
	}

	sink := console.NewSink(console.SinkOptions{AudioBlocked: flagPlaybackBlocked})
	view := console.NewConsole(os.Stdout, sink)
	session, ice, err := buildSession(cfg, identity, sink, view)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		return session.Run(gctx)
	})
	g.Go(func() error { return ice.Run(gctx) })
	if cfg.Control.Addr != "" {
		g.Go(func() error {
			return router.Serve(gctx, cfg.Control.Addr, router.SetupRouter(cfg.Control, session))
		})
	}
	g.Go(func() error {
		select {
		case <-sigCtx.Done():
			log.Info().Msg("leaving")
			ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			defer cancel()
			return session.Leave(ctx)
		case <-gctx.Done():
			return nil
		}
	})

	go newREPL(os.Stdin, session, view, sink).run(gctx)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildSession(cfg *config.Config, identity domain.RoomIdentity, sink *console.Sink, view *console.Console) (*orch.Orchestrator, *rtc.ICEProvider, error) {
	mediaPolicy, err := app.ParseMediaFailureAction(cfg.Media.FailurePolicy)
	if err != nil {
		return nil, nil, err
	}
	dialMode, err := app.ParseDialMode(cfg.Session.DialPolicy)
	if err != nil {
		return nil, nil, err
	}

	pionLevel := zerolog.WarnLevel
	if zerolog.GlobalLevel() <= zerolog.TraceLevel {
		pionLevel = zerolog.DebugLevel
	}
	api, err := rtc.NewAPI(pionLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("webrtc api: %w", err)
	}

	ice := rtc.NewICEProvider(rtc.ICEOptions{
		STUN:            cfg.ICE.STUN,
		TURNURLs:        cfg.ICE.TURNURLs(),
		TURNUsername:    cfg.ICE.TURNUsername,
		TURNCredential:  cfg.ICE.TURNCredential,
		CredentialsURL:  cfg.ICE.CredentialsURL,
		RefreshInterval: cfg.ICE.RefreshInterval,
		ForceRelay:      cfg.ICE.ForceRelay,
		ProbeTURN:       cfg.ICE.ProbeTURN,
	})
	endpoint := rtc.NewEndpoint(api, ice, rtc.PeerOptions{
		Host:   cfg.Peer.Host,
		Port:   cfg.Peer.Port,
		Path:   cfg.Peer.Path,
		Secure: cfg.Peer.Secure,
		Key:    cfg.Peer.Key,
		ID:     cfg.Peer.ID,
	})

	signaling, err := sigclient.NewClient(cfg.Signal.URL, sigclient.Options{
		Path:       cfg.Signal.Path,
		MaxBackoff: cfg.Signal.MaxBackoff,
		QueueSize:  cfg.Signal.QueueSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("signaling: %w", err)
	}

	media := capture.NewManager(capture.Options{
		Camera:     cfg.Media.Camera,
		Microphone: cfg.Media.Microphone,
		Screen:     cfg.Media.Screen,
	})

	session := orch.New(orch.Deps{
		Identity: identity,
		Signal:   signaling,
		Endpoint: endpoint,
		Media:    media,
		Sink:     sink,
		Observer: view,
		Policy: app.SimplePolicy{
			Media:       mediaPolicy,
			DialMode:    dialMode,
			SettleDelay: cfg.Session.SettleDelay,
		},
		Options: orch.Options{
			RedialLimit:       cfg.Session.RedialLimit,
			TickInterval:      cfg.Session.TickInterval,
			TypingTimeout:     cfg.Session.TypingTimeout,
			TranscriptLimit:   cfg.Session.TranscriptLimit,
			ChatBurst:         cfg.Session.ChatBurst,
			ChatWindow:        cfg.Session.ChatWindow,
			RejoinOnReconnect: cfg.Signal.RejoinOnReconnect,
		},
	})
	log.Info().
		Str("room", string(identity.RoomID)).
		Str("user", string(identity.UserID)).
		Str("signal", cfg.Signal.URL).
		Str("peer", fmt.Sprintf("%s:%d", cfg.Peer.Host, cfg.Peer.Port)).
		Msg("session configured")
	return session, ice, nil
}
