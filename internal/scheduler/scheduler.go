package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/osagent/osa/internal/agent"
	"github.com/osagent/osa/internal/sessions"
)

// Runner executes a prompt inside a session. Satisfied by *agent.Loop.
type Runner interface {
	ProcessMessage(ctx context.Context, sessionID, message string, opts agent.ProcessOpts) (*agent.Reply, error)
	Sessions() *sessions.Manager
}

// breakerThreshold is the consecutive-failure count that opens a job's
// circuit breaker.
const breakerThreshold = 3

// breakerCooldown is how long an open breaker suppresses a job before one
// probe run is allowed again.
const breakerCooldown = time.Hour

type breaker struct {
	mu       sync.Mutex
	failures int
	openedAt time.Time
}

// allow reports whether a run may proceed. An open breaker lets one probe
// through after the cooldown.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < breakerThreshold {
		return true
	}
	return now.Sub(b.openedAt) >= breakerCooldown
}

func (b *breaker) success() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

func (b *breaker) failure(now time.Time) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= breakerThreshold {
		b.openedAt = now
		return b.failures == breakerThreshold
	}
	return false
}

func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= breakerThreshold
}

// runOneShot executes a prompt in a throwaway session on the given channel.
func runOneShot(ctx context.Context, runner Runner, channel, prompt string) (string, error) {
	id, err := runner.Sessions().Create(sessions.CreateOpts{Channel: channel})
	if err != nil {
		return "", err
	}
	defer runner.Sessions().Close(id)

	reply, err := runner.ProcessMessage(ctx, id, prompt, agent.ProcessOpts{
		Channel:  channel,
		SkipPlan: true,
	})
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}
