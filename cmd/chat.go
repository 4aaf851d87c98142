package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/osagent/osa/internal/agent"
	"github.com/osagent/osa/internal/config"
	"github.com/osagent/osa/internal/sessions"
)

func chatCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent from the terminal",
		Run: func(*cobra.Command, []string) {
			runChat(sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session id")
	return cmd
}

func runChat(sessionID string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Close(shutdownCtx)
	}()

	mgr := rt.loop.Sessions()
	opts := sessions.CreateOpts{Channel: "cli", PlanMode: cfg.Agent.PlanMode}
	if sessionID != "" {
		sessionID, err = mgr.Resume(sessionID, opts)
	} else {
		sessionID, err = mgr.Create(opts)
	}
	if err != nil {
		slog.Error("session setup failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("session %s (type a message, ctrl-d to quit)\n", sessionID)

	scanner := bufio.NewScanner(os.Stdin)
	var pendingPlan string
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		procOpts := agent.ProcessOpts{Channel: "cli"}
		if pendingPlan != "" {
			// An approval executes the planned request for real.
			if approves(line) {
				line, procOpts.SkipPlan = pendingPlan, true
			}
			pendingPlan = ""
		}

		reply, err := rt.loop.ProcessMessage(ctx, sessionID, line, procOpts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}

		fmt.Println(reply.Text)
		if reply.Plan {
			pendingPlan = line
			fmt.Println("(reply \"yes\" to execute this plan)")
		}
	}
}

func approves(line string) bool {
	switch strings.ToLower(line) {
	case "y", "yes", "ok", "go", "approve", "approved", "do it":
		return true
	}
	return false
}
