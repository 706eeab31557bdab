// Command voicecall is an interactive call client. It joins a room over the
// configured signaling backend and drives one call at a time from stdin.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/voicecall/internal/adapters/channel"
	"github.com/dkeye/voicecall/internal/adapters/directory"
	"github.com/dkeye/voicecall/internal/adapters/media"
	"github.com/dkeye/voicecall/internal/adapters/rtc"
	"github.com/dkeye/voicecall/internal/app/call"
	"github.com/dkeye/voicecall/internal/cache"
	"github.com/dkeye/voicecall/internal/config"
	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/dkeye/voicecall/internal/metrics"
)

const loopbackPeer = "echo"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	fs := pflag.NewFlagSet("voicecall", pflag.ExitOnError)
	room := fs.String("room", "lobby", "room to join")
	user := fs.String("user", "", "your user id (random when empty)")
	name := fs.String("name", "", "your display name")
	fs.String("backend", "", "signaling backend: ws, redis, mqtt, memory")
	fs.String("signal-url", "", "relay websocket url for the ws backend")
	fs.String("redis-addr", "", "redis address for the redis backend")
	fs.String("mqtt", "", "broker url for the mqtt backend")
	fs.String("log-level", "", "log level")
	loopback := fs.Bool("loopback", false, "answer calls with an in-process peer over the memory backend")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && (fs.Changed("log-level") || os.Getenv("VOICECALL_LOG_LEVEL") != "") {
		zerolog.SetGlobalLevel(lvl)
	}
	if *loopback {
		cfg.Signal.Backend = "memory"
	}
	if *name == "" {
		*name = *user
	}
	if *name == "" {
		*name = "agent"
	}
	self, err := domain.NewUser(domain.UserID(*user), *name)
	if err != nil {
		log.Fatal().Err(err).Msg("bad identity")
	}
	roomID, err := domain.NewRoomID(*room)
	if err != nil {
		log.Fatal().Err(err).Msg("bad room")
	}

	ch, closeChannel, err := openChannel(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Signal.Backend).Msg("signaling unavailable")
	}
	defer closeChannel()

	audio, err := media.NewAudio(uint32(cfg.Media.SampleRate))
	if err != nil {
		log.Fatal().Err(err).Msg("audio backend unavailable")
	}
	defer audio.Close()

	factory, err := rtc.NewFactory(rtc.FactoryOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup")
	}

	m := metrics.New()
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, m.Handler())
	}

	opts := call.Options{
		Room:       roomID,
		Self:       *self,
		ICEServers: cfg.Call.ICEServers,
		Watchdog:   cfg.Call.Watchdog,
		Channel:    ch,
		Transports: factory,
		Media:      media.NewMicrophone(audio),
		Sinks:      media.NewSpeaker(audio),
		Observer:   m,
	}
	machine, err := call.New(ctx, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("join room")
	}
	machine.OnStateChange(printState)

	var dir *directory.Client
	if cfg.Signal.Backend == "ws" && cfg.Directory.URL != "" {
		names := cache.New[string](cfg.Directory.TTL, 2*cfg.Directory.TTL)
		dir = directory.New(cfg.Directory.URL, cfg.Directory.Timeout, names)
	}

	if *loopback {
		peer, err := startLoopbackPeer(ctx, opts)
		if err != nil {
			log.Fatal().Err(err).Msg("loopback peer")
		}
		defer peer.Close(context.Background())
		fmt.Printf("loopback: type \"call %s\" to talk to the in-process peer\n", loopbackPeer)
	}

	fmt.Printf("joined %s as %s (%s)\n", roomID, self.Username, self.ID)
	repl(ctx, &shell{machine: machine, dir: dir, room: roomID, in: os.Stdin, out: os.Stdout})

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := machine.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("close call machine")
	}
}

// openChannel builds the configured backend and its cleanup.
func openChannel(ctx context.Context, cfg *config.Config) (core.SignalChannel, func(), error) {
	switch cfg.Signal.Backend {
	case "memory":
		return channel.NewHub(), func() {}, nil
	case "ws":
		return channel.NewWSChannel(cfg.Signal.URL, cfg.PingPeriod), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		return channel.NewRedisChannel(client), func() { _ = client.Close() }, nil
	case "mqtt":
		client, err := channel.DialMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Retries)
		if err != nil {
			return nil, nil, err
		}
		return channel.NewMQTTChannel(client), func() { client.Disconnect(250) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Signal.Backend)
	}
}

// startLoopbackPeer joins the same room as a second participant that
// answers every call with silence.
func startLoopbackPeer(ctx context.Context, opts call.Options) (*call.Machine, error) {
	opts.Self = domain.User{ID: loopbackPeer, Username: "Echo"}
	opts.Media = media.Silence{}
	opts.Sinks = nil
	opts.Observer = nil
	peer, err := call.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	peer.OnStateChange(func(s call.State) {
		if s.Status == domain.CallRinging {
			// listeners run on the machine's loop; accepting blocks on it
			go peer.AcceptIncomingCall(ctx)
		}
	})
	return peer, nil
}

func serveMetrics(addr string, h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("addr", addr).Msg("metrics server")
	}
}
