// Package sampler implements the Metrics Sampler (spec.md §4.9): on
// every transition to Running it starts a periodic RCON poll and
// publishes each returned counter as a Datapoint event; on transition
// out of Running, or after three consecutive poll failures, it stops.
package sampler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
	"github.com/circlesabound/fctrl-agent/internal/broadcast"
	"github.com/circlesabound/fctrl-agent/internal/model"
)

const maxConsecutiveFailures = 3

// LifecycleWatcher mirrors rcon.LifecycleWatcher: the sampler is, like
// the RCON client, a pure observer of supervisor state.
type LifecycleWatcher interface {
	Subscribe() (<-chan model.Lifecycle, int)
	Unsubscribe(tok int)
}

// Commander is the subset of rcon.Client the sampler needs to issue its
// polling command.
type Commander interface {
	Command(ctx context.Context, cmd string) (string, error)
}

// StalledEvent is published on the sampler's own event bus when it
// self-terminates after exhausting its failure budget.
type StalledEvent struct {
	Reason string
}

type Sampler struct {
	lifecycle LifecycleWatcher
	rcon      Commander
	interval  time.Duration
	pollCmd   string

	bus    *broadcast.Bus[model.Datapoint]
	events *broadcast.Bus[StalledEvent]
	tick   int64
}

func New(lifecycle LifecycleWatcher, rcon Commander, interval time.Duration, pollCmd string) *Sampler {
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Sampler{
		lifecycle: lifecycle,
		rcon:      rcon,
		interval:  interval,
		pollCmd:   pollCmd,
		bus:       broadcast.New[model.Datapoint](256),
		events:    broadcast.New[StalledEvent](4),
	}
}

func (s *Sampler) Subscribe() (<-chan interface{}, int)       { return s.bus.Subscribe() }
func (s *Sampler) Unsubscribe(tok int)                        { s.bus.Unsubscribe(tok) }
func (s *Sampler) SubscribeStalled() (<-chan interface{}, int) { return s.events.Subscribe() }

// Run drives the start/stop-on-lifecycle loop until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ch, tok := s.lifecycle.Subscribe()
	defer s.lifecycle.Unsubscribe(tok)

	var cancelPoll context.CancelFunc
	stop := func() {
		if cancelPoll != nil {
			cancelPoll()
			cancelPoll = nil
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			if st == model.Running {
				if cancelPoll == nil {
					var pollCtx context.Context
					pollCtx, cancelPoll = context.WithCancel(ctx)
					go s.pollLoop(pollCtx)
				}
			} else {
				stop()
			}
		}
	}
}

func (s *Sampler) pollLoop(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick++
			out, err := s.rcon.Command(ctx, s.pollCmd)
			if err != nil {
				failures++
				glog.Warningf("sampler: poll failed (%d/%d): %v", failures, maxConsecutiveFailures, err)
				if failures >= maxConsecutiveFailures {
					s.events.Publish(StalledEvent{Reason: agenterr.New(agenterr.SamplerStalled, "after %d consecutive failures", failures).Error()})
					return
				}
				continue
			}
			failures = 0
			for _, dp := range parseSnapshot(out, s.tick) {
				s.bus.Publish(dp)
			}
		}
	}
}

// parseSnapshot decodes a "name=value name2=value2" administrative
// counter-snapshot response into Datapoints. The exact command and
// response grammar is server-version dependent (spec.md §4.9); this is
// the common space-separated key=value shape most RCON stat commands
// use.
func parseSnapshot(resp string, tick int64) []model.Datapoint {
	fields := strings.Fields(resp)
	out := make([]model.Datapoint, 0, len(fields))
	for _, f := range fields {
		name, raw, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		out = append(out, model.Datapoint{Metric: name, Tick: tick, Value: v})
	}
	return out
}
