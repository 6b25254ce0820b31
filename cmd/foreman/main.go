// Command foreman coordinates a fleet of specialized agents working on one
// software project. It owns session lifecycle (start, resume, report) and
// wires the coordinator core to a subprocess-based agent runner and an
// optional read-only dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aletho/foreman/internal/agentexec"
	"github.com/aletho/foreman/internal/config"
	"github.com/aletho/foreman/internal/coordinator"
	"github.com/aletho/foreman/internal/dashboard"
	"github.com/aletho/foreman/internal/events"
	"github.com/aletho/foreman/internal/gate"
	"github.com/aletho/foreman/internal/report"
	"github.com/aletho/foreman/internal/scheduler"
	"github.com/aletho/foreman/internal/store"
)

const usage = `Usage: foreman [flags] <command>

Commands:
  start <goal>       start a new session for the goal and run it
  resume <session>   resume a paused or interrupted session
  report <session>   print and record a progress summary
  sessions           list sessions in this project

Flags:
  -dir <path>        project directory (default ".")
  -agent <command>   agent command, executed per assignment
  -dashboard         serve the read-only dashboard while running
`

func main() {
	dir := flag.String("dir", ".", "project directory")
	agentCmd := flag.String("agent", "", "agent command executed per assignment")
	dash := flag.Bool("dashboard", false, "serve the read-only dashboard while running")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault(*dir)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	st, err := store.Open(ctx, filepath.Join(*dir, cfg.Database.Filename))
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	switch cmd := flag.Arg(0); cmd {
	case "start":
		if flag.NArg() < 2 {
			log.Fatal("start requires a goal")
		}
		err = runSession(ctx, st, cfg, *agentCmd, *dash, func(opts coordinator.Options) (*coordinator.Coordinator, error) {
			return coordinator.Start(ctx, st, flag.Arg(1), opts)
		})
	case "resume":
		if flag.NArg() < 2 {
			log.Fatal("resume requires a session id")
		}
		err = runSession(ctx, st, cfg, *agentCmd, *dash, func(opts coordinator.Options) (*coordinator.Coordinator, error) {
			return coordinator.Resume(ctx, st, flag.Arg(1), opts)
		})
	case "report":
		if flag.NArg() < 2 {
			log.Fatal("report requires a session id")
		}
		err = printReport(ctx, st, flag.Arg(1))
	case "sessions":
		err = listSessions(ctx, st)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

func runSession(ctx context.Context, st *store.Store, cfg *config.Config, agentCmd string, dash bool, open func(coordinator.Options) (*coordinator.Coordinator, error)) error {
	if agentCmd == "" {
		return fmt.Errorf("running a session requires -agent")
	}
	agent := agentexec.New("sh", "-c", agentCmd)

	bus := events.NewBus()
	defer bus.Close()
	go logEvents(ctx, bus)

	priorities := make(map[scheduler.Role]int, len(cfg.Priorities))
	for role, p := range cfg.Priorities {
		priorities[scheduler.Role(role)] = p
	}

	opts := coordinator.Options{
		Bus:         bus,
		Gate:        gate.New(cfg.Quality.MaxRetries),
		Worker:      agent,
		Planner:     planner(agent),
		Concurrency: cfg.Dispatch.Concurrency,
		Retry: coordinator.RetryConfig{
			InitialInterval:     time.Duration(cfg.Dispatch.RetryInitialMS) * time.Millisecond,
			MaxInterval:         time.Duration(cfg.Dispatch.RetryMaxMS) * time.Millisecond,
			MaxElapsedTime:      time.Duration(cfg.Dispatch.RetryElapsedMS) * time.Millisecond,
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Priorities: priorities,
	}

	c, err := open(opts)
	if err != nil {
		return err
	}
	sessionID := c.Session().ID
	log.Printf("session %s: %s", sessionID, c.Session().Goal)

	if dash || cfg.Dashboard.Enabled {
		srv := &http.Server{Addr: cfg.Dashboard.Listen, Handler: dashboard.New(st).Router()}
		go func() {
			log.Printf("dashboard listening on %s", cfg.Dashboard.Listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("dashboard: %v", err)
			}
		}()
		defer srv.Close()
	}

	runErr := c.Run(ctx)
	if ctx.Err() != nil {
		// Interrupted: record the pause so resume picks up cleanly.
		pauseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Pause(pauseCtx); err != nil {
			log.Printf("pausing session: %v", err)
		}
		log.Printf("session %s paused; resume with: foreman resume %s", sessionID, sessionID)
		return nil
	}
	if runErr != nil {
		return runErr
	}

	// Record the end-of-run summary and show it.
	reportCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return recordAndPrint(reportCtx, st, sessionID, staleIDs(c))
}

// planner adapts the subprocess agent's breakdown call.
func planner(agent *agentexec.Worker) coordinator.Planner {
	return coordinator.PlannerFunc(func(ctx context.Context, goal string) ([]coordinator.TaskSpec, error) {
		plan, err := agent.Plan(ctx, goal)
		if err != nil {
			return nil, err
		}
		specs := make([]coordinator.TaskSpec, 0, len(plan))
		for _, p := range plan {
			specs = append(specs, coordinator.TaskSpec{
				ID:          p.ID,
				Role:        scheduler.Role(p.Role),
				Description: p.Description,
				Priority:    p.Priority,
				DependsOn:   p.DependsOn,
			})
		}
		return specs, nil
	})
}

func staleIDs(c *coordinator.Coordinator) []string {
	var ids []string
	for _, t := range c.StaleInProgress(30 * time.Minute) {
		ids = append(ids, t.ID)
	}
	return ids
}

func logEvents(ctx context.Context, bus *events.Bus) {
	ch := bus.SubscribeAll(0)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			log.Printf("[%s] %s", e.Session(), e.EventType())
		case <-ctx.Done():
			return
		}
	}
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	blockedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

func recordAndPrint(ctx context.Context, st *store.Store, sessionID string, stale []string) error {
	r := report.New(st)
	s, err := r.Summarize(ctx, sessionID, stale)
	if err != nil {
		return err
	}
	if _, err := r.Record(ctx, s); err != nil {
		return err
	}
	printSummary(s)
	return nil
}

func printReport(ctx context.Context, st *store.Store, sessionID string) error {
	return recordAndPrint(ctx, st, sessionID, nil)
}

func printSummary(s *report.Summary) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Session %s", s.SessionID)))
	fmt.Printf("%s %s\n", labelStyle.Render("goal:"), s.Goal)
	fmt.Printf("%s %s\n", labelStyle.Render("phase:"), s.Phase)
	fmt.Printf("%s %s\n", labelStyle.Render("tasks:"),
		okStyle.Render(fmt.Sprintf("%d/%d completed", s.CompletedTasks, s.TotalTasks)))

	if len(s.Blockers) > 0 {
		fmt.Println(blockedStyle.Render("blockers requiring human input:"))
		for _, b := range s.Blockers {
			fmt.Printf("  %s %s (%s)\n", blockedStyle.Render(b.TaskID), b.Description, b.Reason)
		}
	}
	if len(s.NextPriorities) > 0 {
		fmt.Println(labelStyle.Render("next up:"))
		for _, p := range s.NextPriorities {
			fmt.Printf("  %s\n", p)
		}
	}
	if len(s.Stale) > 0 {
		fmt.Printf("%s %v\n", blockedStyle.Render("possibly stalled:"), s.Stale)
	}
	for _, rec := range s.Recommendations {
		fmt.Printf("%s %s\n", labelStyle.Render("note:"), rec)
	}
}

func listSessions(ctx context.Context, st *store.Store) error {
	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, s := range sessions {
		state := string(s.Phase)
		if s.Paused {
			state += " (paused)"
		}
		fmt.Printf("%s  %-16s %s\n", s.ID, state, s.Goal)
	}
	return nil
}
