// SPDX-License-Identifier: GPL-2.0-or-later

package arrec

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"arrec/pkg/audio"
	"arrec/pkg/config"
	"arrec/pkg/encoder"
	"arrec/pkg/log"
	"arrec/pkg/metadata"
	"arrec/pkg/session"
	"arrec/pkg/storage"
	"arrec/pkg/system"
	"arrec/pkg/web"
	"arrec/pkg/web/auth"
)

// Run .
func Run() error {
	envFlag := flag.String("env", "", "path to env.yaml")
	flag.Parse()

	if *envFlag == "" {
		flag.Usage()
		return nil
	}

	envPath, err := filepath.Abs(*envFlag)
	if err != nil {
		return fmt.Errorf("could not get absolute path of env.yaml: %w", err)
	}

	wg := &sync.WaitGroup{}
	app, err := newApp(envPath, wg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatal := make(chan error, 1)
	go func() { fatal <- app.run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-fatal:
		app.Logger.Error().Src("app").Msgf("fatal error: %v", err)
	case signal := <-stop:
		app.Logger.Info().Src("app").Msgf("received %v, stopping", signal)
	}

	app.stopSession(30 * time.Second)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	shutdownErr := app.server.Shutdown(ctx2)

	cancel()
	wg.Wait()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return shutdownErr
}

// App is the main application struct.
type App struct {
	WG     *sync.WaitGroup
	Logger *log.Logger
	logDB  *log.DB
	Env    config.Env

	Controller *session.Controller
	Storage    *storage.Manager
	System     *system.System
	Auth       *auth.Authenticator

	audioFormat *audio.Format

	Mux    *http.ServeMux
	server *http.Server
}

func newApp(envPath string, wg *sync.WaitGroup) (*App, error) {
	env, err := config.ReadEnv(envPath)
	if err != nil {
		return nil, fmt.Errorf("could not get environment config: %w", err)
	}

	logger := log.NewLogger(wg)
	logDB := log.NewDB(env.LogDBPath(), wg)

	var audioFormat *audio.Format
	if env.Audio.Enabled() {
		sdp, err := os.ReadFile(env.Audio.SDP)
		if err != nil {
			return nil, fmt.Errorf("could not read sdp: %w", err)
		}
		format, err := audio.ParseSDP(sdp)
		if err != nil {
			return nil, fmt.Errorf("could not parse sdp: %v: %w", env.Audio.SDP, err)
		}
		audioFormat = &format
	}

	ctrl, err := session.NewController(sessionConfig(*env, audioFormat), logger)
	if err != nil {
		return nil, fmt.Errorf("could not create session controller: %w", err)
	}

	a, err := auth.NewAuthenticator(env.IngestTokenHash, logger)
	if err != nil {
		return nil, fmt.Errorf("could not create authenticator: %w", err)
	}

	sys := system.New(env.StorageDir, logger)

	activeSession := func() string { return ctrl.Status().SessionID }
	storageManager := storage.NewManager(env.SessionsDir(), activeSession, logger)

	// Routes.
	mux := http.NewServeMux()

	mux.Handle("/api/ingest", a.Require(web.Ingest(ctrl, logger)))
	mux.Handle("/api/status", a.Require(web.Status(ctrl.Status, sys.Status)))
	mux.Handle("/api/log/feed", a.Require(web.LogFeed(logger, a)))
	mux.Handle("/api/log/query", a.Require(web.LogQuery(logDB)))
	mux.Handle("/api/sessions", a.Require(web.Sessions(storageManager)))
	mux.Handle("/api/session/delete", a.Require(web.SessionDelete(storageManager)))
	mux.Handle("/api/session/file/", a.Require(web.SessionFile(storageManager)))

	return &App{
		WG:          wg,
		Logger:      logger,
		logDB:       logDB,
		Env:         *env,
		Controller:  ctrl,
		Storage:     storageManager,
		System:      sys,
		Auth:        a,
		audioFormat: audioFormat,
		Mux:         mux,
		server: &http.Server{
			Addr:              ":" + strconv.Itoa(env.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func sessionConfig(env config.Env, audioFormat *audio.Format) session.Config {
	c := env.Capture
	cfg := session.Config{
		StorageDir:     env.SessionsDir(),
		FPS:            c.FPS,
		QueueSize:      c.QueueSize,
		AudioQueueSize: c.AudioQueueSize,
		JPEGQuality:    c.JPEGQuality,
		DepthRange:     c.DepthRange,
		Depth:          c.Depth,
		Segmentation:   c.Segmentation,
		SchemaVersion:  c.SchemaVersion,
		Clip:           metadata.ClipDefaults{ZNear: c.ZNear, ZFar: c.ZFar},
		MinDiskSpace:   uint64(c.MinDiskSpaceMB) * 1000 * 1000,
	}
	if audioFormat != nil {
		cfg.Audio = &encoder.AudioFormat{
			SampleRate: audioFormat.SampleRate,
			Channels:   audioFormat.Channels,
		}
	}
	return cfg
}

func (app *App) run(ctx context.Context) error {
	app.Logger.Start(ctx)
	go app.Logger.LogToStdout(ctx)

	if err := app.Env.PrepareEnvironment(); err != nil {
		return fmt.Errorf("could not prepare environment: %w", err)
	}

	if err := app.logDB.Init(ctx); err != nil {
		// Continue even if log database is corrupt.
		app.Logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
	} else {
		go app.logDB.SaveLogs(ctx, app.Logger)
	}

	app.Logger.Info().Src("app").Msg("starting..")

	if app.audioFormat != nil {
		if err := app.startAudio(ctx); err != nil {
			return err
		}
	}

	go app.System.StatusLoop(ctx)

	if app.Env.PurgeFreeMB > 0 {
		minFree := uint64(app.Env.PurgeFreeMB) * 1000 * 1000
		go app.Storage.PurgeLoop(ctx, 10*time.Minute, minFree)
	}

	app.Logger.Info().Src("app").Msgf("serving app on port %v", app.Env.Port)
	return app.server.ListenAndServe()
}

// startAudio receives the microphone RTP stream and feeds the active session.
func (app *App) startAudio(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", app.Env.Audio.Listen)
	if err != nil {
		return fmt.Errorf("could not listen for audio: %w", err)
	}

	source := audio.NewRTPSource(*app.audioFormat, app.Logger)
	app.WG.Add(1)
	go func() {
		defer app.WG.Done()
		defer conn.Close()
		if err := source.Serve(ctx, conn, app.Controller.PushAudio); err != nil {
			app.Logger.Error().Src("audio").Msgf("audio source stopped: %v", err)
		}
	}()

	app.Logger.Info().Src("audio").Msgf("listening for %d Hz %d channel audio on %v",
		app.audioFormat.SampleRate, app.audioFormat.Channels, conn.LocalAddr())
	return nil
}

// stopSession finalizes a session that is still recording.
func (app *App) stopSession(timeout time.Duration) {
	resultCh, err := app.Controller.Stop()
	if err != nil {
		return
	}
	select {
	case result := <-resultCh:
		if !result.Disarmed {
			app.Logger.Info().Src("app").Session(result.SessionID).Msg("session stopped")
		}
	case <-time.After(timeout):
		app.Logger.Error().Src("app").Msg("timeout waiting for session to finalize")
	}
}
