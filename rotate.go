package main

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ===========================
// Network Identity Rotation
// ===========================

const (
	MsgRotateStarting = "Rotating network identity..."
	MsgRotateDone     = "Network identity rotated in %s"
	MsgRotateFail     = "Rotation command failed: %v (output: %s)"
	MsgRotateCoalesce = "Rotation coalesced, identity is %s old"

	// Rotations done this close together almost certainly serve the same
	// burst of failures and can share one identity change.
	rotateCoalesceWindow = 15 * time.Second
)

// Rotator tears down and re-establishes the outbound network path to obtain a
// fresh egress identity. Rotation is a process-wide side effect shared by
// every in-flight job, so implementations serialize and coalesce calls.
type Rotator interface {
	Rotate(ctx context.Context) error
}

// NopRotator is used when no rotation command is configured. Retries still
// happen, they just reuse the same identity.
type NopRotator struct{}

func (NopRotator) Rotate(ctx context.Context) error { return nil }

// ExecRotator shells out to a configured command (a VPN reconnect, a proxy
// pool cycle) to change identity. Calls are mutually exclusive, rate limited,
// and coalesced: a caller that blocked behind a rotation which just finished
// gets that fresh identity for free.
type ExecRotator struct {
	mu      sync.Mutex
	command string
	limiter *rate.Limiter
	lastRun time.Time
}

func NewExecRotator(command string) *ExecRotator {
	return &ExecRotator{
		command: command,
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

func (r *ExecRotator) Rotate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if since := time.Since(r.lastRun); since < rotateCoalesceWindow {
		LogRotate(MsgRotateCoalesce, since.Round(time.Second))
		return nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	LogRotate(MsgRotateStarting)
	started := time.Now()

	cmdCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", r.command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		LogRotate(MsgRotateFail, err, strings.TrimSpace(string(out)))
		return err
	}

	r.lastRun = time.Now()
	LogRotate(MsgRotateDone, time.Since(started).Round(time.Millisecond))
	return nil
}

// NewRotator picks the rotator for the configured command, NopRotator when
// none is set.
func NewRotator(command string) Rotator {
	if strings.TrimSpace(command) == "" {
		return NopRotator{}
	}
	return NewExecRotator(command)
}
