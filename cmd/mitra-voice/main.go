// mitra-voice runs a real-time voice conversation session from the
// terminal: microphone to backend, backend audio to speaker, with a
// local debug dashboard.
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

	"github.com/joho/godotenv"

	"github.com/gradientgeeks/mitra-voice/internal/config"
	"github.com/gradientgeeks/mitra-voice/internal/log"
	"github.com/gradientgeeks/mitra-voice/pkg/audioio"
	"github.com/gradientgeeks/mitra-voice/pkg/session"
	"github.com/gradientgeeks/mitra-voice/pkg/web"
)

func main() {
	// .env is optional; real deployments use the environment.
	godotenv.Load()

	voice := flag.String("voice", config.Voice(), "synthetic voice name")
	language := flag.String("language", config.Language(), "conversation language tag")
	topic := flag.String("topic", "", "optional conversation topic hint")
	noVAD := flag.Bool("no-vad", false, "disable server-side voice activity detection")
	backend := flag.String("backend", config.BackendURL(), "backend base URL")
	audioHelp := fmt.Sprintf("audio backend: auto or one of %v", audioio.AvailableBackends())
	audioBackend := flag.String("audio", config.AudioBackend(), audioHelp)
	dashboardPort := flag.String("dashboard", "8080", "debug dashboard port, empty to disable")
	logLevel := flag.String("log-level", config.LogLevel(), "log level: debug, info, warn, error")
	flag.Parse()

	log.Init(*logLevel)
	logger := log.L()

	cfg := session.DefaultConfig()
	cfg.BackendURL = *backend
	cfg.AuthToken = config.AuthToken()
	cfg.Voice = *voice
	cfg.Language = *language
	if *audioBackend != "" {
		cfg.Capture.Backend = audioio.Backend(*audioBackend)
		cfg.Playback.Backend = audioio.Backend(*audioBackend)
	}

	controller, err := session.NewController(cfg, logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if *dashboardPort != "" {
		dashboard := web.NewServer(*dashboardPort, controller, log.Component("web"))
		dashboard.StartAsync()
		defer dashboard.Shutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, cancelEvents := controller.Subscribe(128)
	defer cancelEvents()
	go printEvents(events)

	sess, err := controller.StartSession(ctx, session.StartOptions{
		Voice:           *voice,
		Language:        *language,
		ProblemCategory: *topic,
		DisableVAD:      *noVAD,
	})
	if err != nil {
		logger.Error("could not start session", "error", err)
		if session.IsPermissionDenied(err) {
			fmt.Fprintln(os.Stderr, "Microphone access is denied. Grant it in system settings and retry.")
		}
		os.Exit(1)
	}
	defer controller.EndSession()

	fmt.Printf("Session %s started (voice %s, language %s). Press 'm'+Enter to mute, Ctrl-C to quit.\n",
		sess.ID, sess.VoiceOption, sess.LanguageTag)

	go readKeys(controller)

	<-ctx.Done()
	fmt.Println("\nEnding session...")
}

// printEvents renders session events for the terminal.
func printEvents(events <-chan session.Event) {
	for ev := range events {
		switch ev.Kind {
		case session.EventStateChanged:
			fmt.Printf("[%s]\n", ev.State)
		case session.EventTranscriptAppended:
			marker := ""
			if ev.Transcript.IsPartial {
				marker = " ..."
			}
			fmt.Printf("%s: %s%s\n", ev.Transcript.Role, ev.Transcript.Text, marker)
		case session.EventInterrupted:
			fmt.Printf("(interrupted: %s)\n", ev.Interruption.Reason)
		case session.EventErrored:
			fmt.Printf("error: %v\n", ev.Err)
		case session.EventUsage:
			fmt.Printf("(usage: %d tokens)\n", ev.TotalTokens)
		}
	}
}

// readKeys handles the minimal keyboard controls.
func readKeys(controller *session.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "m":
			controller.ToggleMicrophone()
			if controller.MicrophoneMuted() {
				fmt.Println("(microphone muted)")
			} else {
				fmt.Println("(microphone live)")
			}
		case "q":
			controller.EndSession()
			return
		}
	}
}
