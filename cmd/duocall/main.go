// Command duocall is a terminal client: it registers an identity with
// the relay and drives one chat's call session from stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/riomloves-sys/duocall/internal/adapters/directory"
	"github.com/riomloves-sys/duocall/internal/adapters/media"
	"github.com/riomloves-sys/duocall/internal/adapters/rtc"
	signaladapter "github.com/riomloves-sys/duocall/internal/adapters/signal"
	"github.com/riomloves-sys/duocall/internal/app"
	"github.com/riomloves-sys/duocall/internal/config"
	"github.com/riomloves-sys/duocall/internal/domain"
)

func main() {
	var (
		self   = flag.String("id", "", "own user id")
		name   = flag.String("name", "", "display name (defaults to id)")
		avatar = flag.String("avatar", "", "avatar URL shown in the peer's incoming prompt")
		peer   = flag.String("peer", "", "peer user id")
		chat   = flag.String("chat", "", "chat id shared by both parties")
	)
	flag.Parse()
	if *self == "" || *peer == "" || *chat == "" {
		fmt.Fprintln(os.Stderr, "usage: duocall -id <me> -peer <them> -chat <chat> [-name <display name>] [-avatar <url>]")
		os.Exit(2)
	}
	if *name == "" {
		*name = *self
	}
	me := &domain.User{ID: domain.UserID(*self), AvatarURL: *avatar}
	if err := me.SetUsername(*name); err != nil {
		fmt.Fprintf(os.Stderr, "bad display name: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	provider, err := media.NewProvider()
	if err != nil {
		log.Fatal().Err(err).Msg("media setup failed")
	}
	links, err := rtc.NewFactory(provider.Selector())
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup failed")
	}

	sig := signaladapter.NewClient(cfg.RelayURL, me.ID)
	go sig.Run(ctx)
	defer sig.Close()

	dir := directory.NewRemote(httpBase(cfg.RelayURL), sig)

	engine := app.NewEngine(app.Options{
		Self:        me.ID,
		SelfName:    me.Username,
		SelfAvatar:  me.AvatarURL,
		Peer:        domain.UserID(*peer),
		ChatID:      domain.ChatID(*chat),
		Signaler:    sig,
		Directory:   dir,
		Media:       provider,
		Links:       links,
		RTCConfig:   cfg.ResolveICE(),
		RingTimeout: cfg.RingTimeout,
	})
	engine.SetOnChange(func(s app.Snapshot) {
		render(s)
	})
	go engine.Run(ctx)
	defer engine.Close()

	fmt.Println("commands: call | video | share | accept | reject | hangup | mute | cam | status | quit")
	repl(ctx, engine)
}

func repl(ctx context.Context, engine *app.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		var err error
		switch strings.TrimSpace(scanner.Text()) {
		case "call":
			err = engine.Initiate(ctx, domain.KindVoice)
		case "video":
			err = engine.Initiate(ctx, domain.KindVideo)
		case "share":
			err = engine.Initiate(ctx, domain.KindScreen)
		case "accept":
			err = engine.Accept(ctx)
		case "reject":
			err = engine.Reject()
		case "hangup":
			err = engine.Terminate(ctx)
		case "mute":
			fmt.Printf("audio muted: %v\n", engine.ToggleAudioMute())
		case "cam":
			fmt.Printf("video off: %v\n", engine.ToggleVideoMute())
		case "status":
			render(engine.Snapshot())
		case "quit", "exit":
			return
		case "":
		default:
			fmt.Println("unknown command")
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func render(s app.Snapshot) {
	line := fmt.Sprintf("[%s]", s.Status)
	if s.Kind != "" {
		line += fmt.Sprintf(" %s", s.Kind)
	}
	if s.Peer.ID != "" {
		who := string(s.Peer.ID)
		if s.Peer.Name != "" {
			who = s.Peer.Name
		}
		line += fmt.Sprintf(" with %s", who)
	}
	if len(s.RemoteTracks) > 0 {
		line += fmt.Sprintf(" (%d remote tracks)", len(s.RemoteTracks))
	}
	if s.EndReason != "" {
		line += fmt.Sprintf(" ended: %s", s.EndReason)
	}
	fmt.Println(line)
}

// httpBase derives the relay's HTTP origin from its websocket URL.
func httpBase(wsURL string) string {
	base := wsURL
	base = strings.Replace(base, "wss://", "https://", 1)
	base = strings.Replace(base, "ws://", "http://", 1)
	if i := strings.Index(base, "/api/"); i >= 0 {
		base = base[:i]
	}
	return base
}
