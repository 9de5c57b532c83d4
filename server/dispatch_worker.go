package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/countersign-io/countersign/pkg/compliance"
	"github.com/countersign-io/countersign/pkg/policy"
)

// dispatchJob carries one accepted command plus the decisions computed
// on the request path, so workers never re-authorize.
type dispatchJob struct {
	CommandID  string
	Policy     policy.Decision
	Compliance compliance.Result
}

// dispatchPool decouples envelope dispatch from the accept path. The
// channel is bounded; Submit never blocks the caller.
type dispatchPool struct {
	jobs   chan dispatchJob
	wg     sync.WaitGroup
	cancel context.CancelFunc
	logger zerolog.Logger
	server *Server
}

func newDispatchPool(s *Server, workers, depth int) *dispatchPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &dispatchPool{
		jobs:   make(chan dispatchJob, depth),
		cancel: cancel,
		logger: s.logger.With().Str("component", "dispatch").Logger(),
		server: s,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	return p
}

// Submit queues a job, reporting false when the queue is full. The
// command stays queued either way; a full queue just delays it to a
// later redelivery cycle.
func (p *dispatchPool) Submit(job dispatchJob) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

func (p *dispatchPool) Shutdown() {
	p.cancel()
	close(p.jobs)
	p.wg.Wait()
}

func (p *dispatchPool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.handle(ctx, job)
		}
	}
}

func (p *dispatchPool) handle(ctx context.Context, job dispatchJob) {
	s := p.server

	cmd, err := s.loadCommand(job.CommandID)
	if err != nil {
		p.logger.Error().Err(err).Str("command_id", job.CommandID).Msg("command vanished before dispatch")
		return
	}

	// Register the truth-loop check on the first dispatch attempt, while
	// the promise is fresh.
	if cmd.ServerSeq == nil {
		var device Device
		if err := s.db.First(&device, "device_id = ?", cmd.DeviceID).Error; err == nil {
			s.registerStateCheck(cmd, &device)
		}
	}

	result, err := s.dispatch(ctx, cmd, job.Policy, job.Compliance)
	if err != nil {
		p.logger.Error().Err(err).Str("command_id", cmd.ID).Msg("dispatch failed")
		return
	}

	state := CommandQueued
	switch result.Status {
	case "dispatched", "queued":
		state = CommandSent
	case "device_offline":
		state = CommandQueued
	}

	updates := map[string]any{"state": state, "reason": result.Reason}
	if state == CommandSent {
		updates["dispatched_at"] = time.Now().UTC()
	}
	if err := s.db.Model(&Command{}).Where("id = ?", cmd.ID).Updates(updates).Error; err != nil {
		p.logger.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to record dispatch state")
		return
	}

	p.logger.Info().
		Str("command_id", cmd.ID).
		Str("device_id", cmd.DeviceID).
		Str("state", state).
		Str("executor_status", result.Status).
		Msg("command dispatched")
}
