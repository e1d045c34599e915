// studygate - session and progression core for the learning platform client.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jeranaias/studygate/internal/api"
	"github.com/jeranaias/studygate/internal/cache"
	"github.com/jeranaias/studygate/internal/config"
	"github.com/jeranaias/studygate/internal/envelope"
	"github.com/jeranaias/studygate/internal/idle"
	"github.com/jeranaias/studygate/internal/progression"
	"github.com/jeranaias/studygate/internal/store"
	"github.com/jeranaias/studygate/internal/testclock"
	"github.com/jeranaias/studygate/internal/util"
	"github.com/jeranaias/studygate/internal/vault"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	cmd := "status"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "status":
		run(handleStatus)
	case "restore":
		run(handleRestore)
	case "logout":
		run(handleLogout)
	case "check":
		run(handleCheck)
	case "complete":
		run(handleComplete)
	case "test":
		run(handleTest)
	case "version":
		fmt.Printf("studygate %s (%s, built %s)\n", Version, GitCommit, BuildDate)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "studygate: unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Print(`Usage: studygate <command>

Commands:
  status                    Show the stored session and its eligibility
  restore                   Validate the stored session and restore it
  logout                    Tear the session down locally and remotely
  check <task> <subtask> [current]
                            Ask whether a subtask may be opened
  complete <task> <subtask> Record a subtask completion
  test <testID>             Run the countdown for a timed test
  version                   Print version information
`)
}

// =============================================================================
// WIRING
// =============================================================================

// app holds the wired component graph for one CLI invocation.
type app struct {
	cfg     *config.Config
	durable *store.SQLiteStore
	session store.Store
	vault   *vault.Vault
	env     *envelope.Envelope
	client  *api.Client
	checker *api.ConnectivityChecker
	gate    *progression.Gate
	monitor *idle.Monitor
}

// run builds the component graph, hands it to the handler, and tears it
// down.
func run(handler func(*app) error) {
	a, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.durable.Close()
	defer a.checker.Stop()

	// An edit to the config file takes effect without a restart; the
	// watcher swaps the global on every valid change.
	if path, err := config.ConfigPathTOML(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if w, werr := config.NewWatcher(path, nil); werr == nil {
				defer w.Close()
			}
		}
	}

	if err := handler(a); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() (*app, error) {
	cfg := config.Global()

	storePath := cfg.Session.StorePath
	if storePath == "" {
		p, err := config.DefaultStorePath()
		if err != nil {
			return nil, err
		}
		storePath = p
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0700); err != nil {
		return nil, err
	}

	durable, err := store.NewSQLiteStore(storePath)
	if err != nil {
		return nil, err
	}
	session := store.NewMemoryStore()
	v := vault.New()

	respCache := cache.New(cfg.CacheTTL())
	respCache.SetEnabled(cfg.Cache.Enabled)

	env := envelope.New(envelope.Options{
		Vault:       v,
		Durable:     durable,
		Session:     session,
		Cache:       respCache,
		MaxAge:      cfg.SessionMaxAge(),
		IdleCeiling: cfg.InactivityTimeout(),
		Navigate: func(route string) {
			fmt.Printf("-> %s\n", route)
		},
	})

	// The API client sends every request through the envelope's transport
	// so activity tracking and forced logout apply uniformly.
	httpClient := &http.Client{
		Timeout:   cfg.RequestTimeout(),
		Transport: env.Transport(nil),
	}
	client := api.NewClient(cfg.Backend.BaseURL, httpClient, respCache)
	env.SetAPI(client)

	checker := api.NewConnectivityChecker(cfg.Backend.BaseURL, cfg.ConnectivityPoll(), cfg.ConnectivityTimeout(), nil)
	checker.Start()

	gate := progression.New(session, lessonStatusAdapter{client})

	monitor := idle.New(cfg.InactivityTimeout(), cfg.Session.WarningSeconds, idle.Callbacks{
		OnExpired: func() {
			env.PerformLogout(context.Background(), true, false)
		},
	})
	env.SetOnActivity(monitor.Touch)

	return &app{
		cfg:     cfg,
		durable: durable,
		session: session,
		vault:   v,
		env:     env,
		client:  client,
		checker: checker,
		gate:    gate,
		monitor: monitor,
	}, nil
}

// lessonStatusAdapter bridges the API client's verdict type to the gate's.
type lessonStatusAdapter struct {
	client *api.Client
}

func (a lessonStatusAdapter) LessonStatus(ctx context.Context, studentID, taskID string, subtaskIndex int) (progression.LessonStatus, error) {
	v, err := a.client.LessonStatus(ctx, studentID, taskID, subtaskIndex)
	if err != nil {
		return progression.LessonStatus{}, err
	}
	return progression.LessonStatus{Allowed: v.Allowed, Message: v.Message}, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func handleStatus(a *app) error {
	token := a.env.Token()
	if token == "" {
		fmt.Println("No stored session.")
		return nil
	}

	loginMs := a.durable.Get(store.KeyLoginTimestamp)
	activityMs := a.durable.Get(store.KeyActivityTimestamp)
	fmt.Println("Stored session found.")
	fmt.Printf("  login:         %s\n", formatMillis(loginMs))
	fmt.Printf("  last activity: %s\n", formatMillis(activityMs))
	fmt.Printf("  max age:       %s\n", a.cfg.SessionMaxAge())
	fmt.Printf("  idle ceiling:  %s\n", a.cfg.InactivityTimeout())
	if !a.checker.Online() {
		fmt.Println("  backend:       offline")
	}
	return nil
}

func handleRestore(a *app) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout())
	defer cancel()

	ok, err := a.env.RestoreSession(ctx)
	if err != nil {
		return fmt.Errorf("backend unreachable, session left intact: %w", err)
	}
	if !ok {
		fmt.Println("No restorable session.")
		return nil
	}

	id := a.env.Identity()
	fmt.Printf("Session restored for student %s.\n", id.StudentID)
	return nil
}

func handleLogout(a *app) error {
	if a.env.Token() == "" {
		fmt.Println("No stored session.")
		return nil
	}

	// The envelope only reports a logout for an authenticated session, so
	// resurrect it locally first.
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout())
	defer cancel()

	if _, err := a.env.RestoreSession(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: backend unreachable, clearing locally: %v\n", err)
		a.env.ForceLogout()
		return nil
	}
	a.env.PerformLogout(ctx, false, false)
	fmt.Println("Logged out.")
	return nil
}

// restore resurrects the stored session; every authenticated command goes
// through it.
func (a *app) restore(ctx context.Context) (envelope.Identity, error) {
	ok, err := a.env.RestoreSession(ctx)
	if err != nil {
		if !a.checker.Online() {
			return envelope.Identity{}, fmt.Errorf("backend offline: %w", err)
		}
		return envelope.Identity{}, fmt.Errorf("backend unreachable: %w", err)
	}
	if !ok {
		return envelope.Identity{}, fmt.Errorf("no restorable session, log in first")
	}
	id := a.env.Identity()
	a.gate.SetStudent(id.StudentID)
	return id, nil
}

func handleCheck(a *app) error {
	taskID, index, err := taskArgs()
	if err != nil {
		return err
	}
	// The subtask currently open, if any; the gate never locks it out.
	currentIndex := -1
	if len(os.Args) > 4 {
		currentIndex = util.StringToInt(os.Args[4])
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout())
	defer cancel()
	if _, err := a.restore(ctx); err != nil {
		return err
	}

	res := a.gate.CheckSubtaskAccess(ctx, taskID, index, currentIndex)
	if !res.Allowed {
		fmt.Printf("Blocked: %s\n", res.Message)
		return nil
	}
	fmt.Printf("Subtask %d of %s is open.\n", index, taskID)
	return nil
}

func handleComplete(a *app) error {
	taskID, index, err := taskArgs()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout())
	defer cancel()
	if _, err := a.restore(ctx); err != nil {
		return err
	}

	res := a.gate.CompleteSubtask(ctx, taskID, index)
	if !res.Allowed {
		fmt.Printf("Rejected: %s\n", res.Message)
		return nil
	}
	fmt.Printf("Subtask %d done; highest unlocked is now %d.\n", index, a.gate.HighestAllowedIndex(taskID))
	return nil
}

func handleTest(a *app) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: studygate test <testID>")
	}
	testID := os.Args[2]

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout())
	defer cancel()
	id, err := a.restore(ctx)
	if err != nil {
		return err
	}

	done := make(chan string, 1)
	clock := testclock.New(testclock.Options{
		Store:       a.session,
		Vault:       a.vault,
		API:         a.client,
		ResyncTicks: a.cfg.Test.ResyncSeconds,
		Callbacks: testclock.Callbacks{
			OnTick: func(left int) {
				if left%60 == 0 {
					fmt.Printf("  %d:%02d remaining\n", left/60, left%60)
				}
			},
			OnExpired:   func() { done <- "time is up, test submitted" },
			OnCompleted: func() { done <- "test already completed" },
		},
	})

	// The idle watchdog runs alongside the countdown; walking away from a
	// test ends the session like anywhere else.
	a.monitor.Start()
	defer a.monitor.Stop()

	if err := clock.Seed(context.Background(), id.StudentID, testID); err != nil {
		return fmt.Errorf("seed test clock: %w", err)
	}
	if clock.State() == testclock.StateCounting {
		fmt.Printf("Test %s: %d seconds on the clock.\n", testID, clock.Remaining())
	}

	fmt.Println(<-done)
	return nil
}

func taskArgs() (string, int, error) {
	if len(os.Args) < 4 {
		return "", 0, fmt.Errorf("usage: studygate %s <taskID> <subtaskIndex>", os.Args[1])
	}
	index := util.StringToInt(os.Args[3])
	return os.Args[2], index, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatMillis(ms string) string {
	n := util.StringToMillis(ms)
	if n == 0 {
		return "unknown"
	}
	return util.MillisToTime(n).Format(time.RFC3339)
}
