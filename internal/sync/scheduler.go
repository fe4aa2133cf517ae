package sync

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vterra/chirp/internal/bus"
	"github.com/vterra/chirp/internal/store"
)

// Puller fetches conversation state from the server over the pull API.
type Puller interface {
	Counterparts(ctx context.Context) ([]string, error)
	Messages(ctx context.Context, counterpartID string) ([]Record, error)
}

// Scheduler runs periodic pull cycles so the stored state converges even
// when push events were missed. A cycle also runs immediately whenever the
// push channel comes back online, since the gap is exactly when events get
// lost. Fetched records go through the bus like every other source; the
// scheduler never writes conversation state itself.
type Scheduler struct {
	puller   Puller
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(p Puller, db *store.DB, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		puller:   p,
		db:       db,
		bus:      b,
		logger:   logger.Named("pull"),
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the pull loop. The first cycle runs right away.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	online := s.bus.Subscribe("conn.", 16)

	go func() {
		defer close(s.done)
		defer online.Cancel()

		parked := s.pullAll(ctx)

		tick := time.NewTicker(s.interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if !parked {
					parked = s.pullAll(ctx)
				}
			case evt := <-online.C():
				// A fresh connection means fresh credentials, so a parked
				// loop gets another chance here.
				if evt.Kind == "conn.online" {
					parked = s.pullAll(ctx)
				}
			}
		}
	}()
	return nil
}

// Stop halts the pull loop and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// authFailure is how the pull client marks rejected credentials; asserted
// here so the scheduler needs no dependency on it.
type authFailure interface{ AuthFailure() bool }

func isAuthFailure(err error) bool {
	var af authFailure
	return errors.As(err, &af) && af.AuthFailure()
}

// pullAll fetches every conversation once and publishes the results. A
// failed conversation is skipped rather than aborting the cycle; its
// checkpoint stays put so the miss is visible. A rejected-credentials
// failure returns true: retrying with the same token cannot help, so the
// caller parks the loop.
func (s *Scheduler) pullAll(ctx context.Context) bool {
	counterparts, err := s.puller.Counterparts(ctx)
	if err != nil {
		if isAuthFailure(err) {
			return s.park(err)
		}
		s.logger.Warn("pull cycle: listing conversations", zap.Error(err))
		return false
	}

	for _, id := range counterparts {
		if ctx.Err() != nil {
			return false
		}
		recs, err := s.puller.Messages(ctx, id)
		if err != nil {
			if isAuthFailure(err) {
				return s.park(err)
			}
			s.logger.Warn("pull cycle: fetching messages",
				zap.String("counterpart", id), zap.Error(err))
			continue
		}
		s.bus.Publish(bus.Now("pull.records", PullBatch{CounterpartID: id, Records: recs}))

		stamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := s.db.SetCheckpoint("pull."+id, stamp); err != nil {
			s.logger.Warn("pull cycle: saving checkpoint",
				zap.String("counterpart", id), zap.Error(err))
		}
	}
	return false
}

func (s *Scheduler) park(err error) bool {
	s.logger.Error("pull cycle: credentials rejected, pulls parked", zap.Error(err))
	s.bus.Publish(bus.Now("conn.error", err.Error()))
	return true
}
