package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"kairo-sync/internal/backend"
	"kairo-sync/internal/config"
	"kairo-sync/internal/conversation"
	"kairo-sync/internal/credentials"
	"kairo-sync/internal/dispatch"
	"kairo-sync/internal/engine"
	"kairo-sync/internal/logging"
	"kairo-sync/internal/storage"
	"kairo-sync/internal/tasks"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: .env file not found: %v\n", err)
	}

	cfg := config.New()
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	repo, err := credentials.NewFileRepository(cfg.StateFilePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init state file")
	}
	store, err := credentials.NewStore(repo)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load state")
	}

	var rec storage.Recorder
	if cfg.TranscriptFilePath != "" {
		fr, err := storage.NewFileRecorder(cfg.TranscriptFilePath)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to init transcript recorder")
		} else {
			rec = fr
		}
	}

	eng, err := engine.New(engine.Deps{
		API:            backend.NewClient(cfg.APIBaseURL, store.Token),
		Store:          store,
		WSURL:          cfg.WSURL,
		Recorder:       rec,
		CheckpointSpec: cfg.CheckpointSpec,
		Logger:         &logger,
	}, engine.Options{
		Persona:   cfg.Persona,
		AgentName: cfg.AgentName,
		DemoToken: cfg.DemoToken,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create engine")
	}
	defer eng.Close()

	if cfg.MetricsAddr != "" {
		serveMetrics(cfg.MetricsAddr, eng, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &printer{out: os.Stdout}
	cancel := eng.Log().Subscribe(p.render)
	defer cancel()

	if err := eng.Start(ctx, cfg.Role); err != nil {
		logger.Warn().Err(err).Msg("simulation start")
	}
	printSession(eng)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, eng, cfg, line); quit {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, eng *engine.Engine, cfg *config.Config, line string) bool {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		// user turns run in the background so the prompt stays responsive
		// failures other than in-flight already show up as system records
		go func() {
			if err := eng.Send(ctx, line); errors.Is(err, dispatch.ErrInFlight) {
				fmt.Println("(still sending the previous message)")
			}
		}()
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/tasks":
		for _, t := range eng.Tasks() {
			fmt.Printf("  [%s] %s %s (%s)\n", t.Status, t.ID, t.Title, t.Priority)
		}
	case "/submit":
		if len(fields) < 3 {
			fmt.Println("usage: /submit <task-id> <text>")
			return false
		}
		text := strings.TrimSpace(strings.TrimPrefix(line, fields[0]+" "+fields[1]))
		res, err := eng.SubmitTask(ctx, tasks.Submission{TaskID: fields[1], Text: text})
		if err != nil {
			fmt.Println("submit failed:", err)
			return false
		}
		fmt.Printf("submitted: canProceed=%t %s\n", res.CanProceed, res.Message)
	case "/upload":
		if len(fields) != 3 {
			fmt.Println("usage: /upload <task-id> <path>")
			return false
		}
		if err := upload(ctx, eng, fields[1], fields[2]); err != nil {
			fmt.Println("upload failed:", err)
		}
	case "/voice":
		d, err := eng.MediaDetails(ctx)
		if err != nil {
			fmt.Println("voice unavailable:", err)
			return false
		}
		fmt.Printf("voice room %s at %s as %s\n", d.RoomName, d.ServerURL, d.ParticipantName)
	case "/end":
		eval, err := eng.End(ctx)
		if err != nil {
			fmt.Println("evaluation failed:", err)
			return false
		}
		fmt.Printf("score %.0f: %s\n", eval.Score, eval.Feedback)
		for _, s := range eval.Skills {
			fmt.Printf("  %s %d/10\n", s.Name, s.Level)
		}
		if err := eng.Start(ctx, cfg.Role); err != nil {
			fmt.Println("restart failed:", err)
		}
	case "/logout":
		if err := eng.Logout(); err != nil {
			fmt.Println("logout failed:", err)
		}
		return true
	default:
		fmt.Println("commands: /tasks /submit /upload /voice /end /logout /quit")
	}
	return false
}

func upload(ctx context.Context, eng *engine.Engine, taskID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	url, err := eng.Upload(ctx, filepath.Base(path), f)
	if err != nil {
		return err
	}
	res, err := eng.SubmitTask(ctx, tasks.Submission{TaskID: taskID, Files: []string{url}})
	if err != nil {
		return err
	}
	fmt.Printf("submitted %s: canProceed=%t %s\n", url, res.CanProceed, res.Message)
	return nil
}

func printSession(eng *engine.Engine) {
	s := eng.Session()
	if s.ID == "" {
		return
	}
	mode := "new"
	if s.IsResumed {
		mode = "resumed"
	}
	fmt.Printf("session %s (%s) as %s: %s\n", s.ID, mode, s.Role, s.Context.CurrentScenario)
}

func serveMetrics(addr string, eng *engine.Engine, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", eng.Metrics().Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}

// printer writes each record once it is finished. Records never move, so
// everything before the first open record is final.
type printer struct {
	out     *os.File
	mu      sync.Mutex
	printed int
}

func (p *printer) render(s conversation.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.Len() < p.printed {
		// log was reset
		p.printed = 0
	}
	for p.printed < s.Len() {
		r := s.At(p.printed)
		if r.Open {
			return
		}
		label := r.SenderLabel
		if r.Role == conversation.RoleSystem {
			label = "!"
		}
		fmt.Fprintf(p.out, "%s: %s\n", label, r.Content)
		p.printed++
	}
}
