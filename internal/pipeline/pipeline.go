// Package pipeline wires the stream, the decision engine and the consumer
// into one supervised task group.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/manifoldbot/internal/bridge"
	"github.com/alanyoungcy/manifoldbot/internal/domain"
)

// betBuffer bounds bets waiting for a market lookup. Bets beyond it are
// dropped rather than stalling the stream.
const betBuffer = 64

// Source produces stream events and closes out when it returns.
type Source interface {
	Run(ctx context.Context, out chan<- domain.FeedItem) error
}

// Decider turns markets into decisions.
type Decider interface {
	Run(ctx context.Context, in <-chan domain.MarketEvent) <-chan domain.Decision
}

// Follower turns bets on unseen markets into market events.
type Follower interface {
	Seed(marketID string)
	Run(ctx context.Context, in <-chan domain.BetEvent) <-chan domain.MarketEvent
}

// Sink consumes the merged stream until it is closed.
type Sink interface {
	Run(ctx context.Context, in <-chan domain.FeedItem) error
}

// Pipeline runs
//
//	source -> engine -> bridge -> sink
//
// with received events and decisions merged into a single consumer stream.
type Pipeline struct {
	source   Source
	engine   Decider
	sink     Sink
	follower Follower
	archiver *Archiver
	logger   *slog.Logger
}

// Option configures optional pipeline stages.
type Option func(*Pipeline)

// WithFollower feeds markets found through bets into the engine.
func WithFollower(f Follower) Option {
	return func(p *Pipeline) { p.follower = f }
}

// WithArchiver runs the archive flush cron alongside the pipeline.
func WithArchiver(a *Archiver) Option {
	return func(p *Pipeline) { p.archiver = a }
}

// New creates a Pipeline. A nil engine runs the stream without research:
// events are reported as received and no decisions are made.
func New(source Source, engine Decider, sink Sink, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		source: source,
		engine: engine,
		sink:   sink,
		logger: logger.With(slog.String("component", "pipeline")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts every stage in an errgroup and blocks until ctx is cancelled
// or a stage fails. Cancellation is a clean shutdown and returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline starting",
		slog.Bool("research", p.engine != nil),
		slog.Bool("follow_bets", p.follower != nil && p.engine != nil),
		slog.Bool("archive", p.archiver != nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	feedOut := make(chan domain.FeedItem)
	g.Go(func() error {
		err := p.source.Run(ctx, feedOut)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("source: %w", err)
	})

	received := make(chan domain.FeedItem)
	var (
		markets   chan domain.MarketEvent
		bets      chan domain.BetEvent
		decisions <-chan domain.FeedItem // nil without an engine
	)
	if p.engine != nil {
		markets = make(chan domain.MarketEvent)
		var engineIn <-chan domain.MarketEvent = markets
		if p.follower != nil {
			bets = make(chan domain.BetEvent, betBuffer)
			engineIn = bridge.Merge(ctx, engineIn, p.follower.Run(ctx, bets))
		}
		decisions = bridge.Map(ctx, p.engine.Run(ctx, engineIn), domain.DecisionItem)
	}

	g.Go(func() error {
		p.split(ctx, feedOut, markets, received, bets)
		return nil
	})

	merged := bridge.Merge(ctx, (<-chan domain.FeedItem)(received), decisions)

	g.Go(func() error {
		err := p.sink.Run(ctx, merged)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("sink: %w", err)
		}
		return nil
	})

	if p.archiver != nil {
		g.Go(func() error {
			err := p.archiver.RunCron(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		p.logger.Error("pipeline stopped with error", slog.String("error", err.Error()))
		return err
	}
	p.logger.Info("pipeline stopped cleanly")
	return nil
}

// split fans stream events out: every event is reported as received,
// markets go to the engine and bets go to the follower when one is set.
func (p *Pipeline) split(
	ctx context.Context,
	in <-chan domain.FeedItem,
	markets chan<- domain.MarketEvent,
	received chan<- domain.FeedItem,
	bets chan<- domain.BetEvent,
) {
	defer close(received)
	if markets != nil {
		defer close(markets)
	}
	if bets != nil {
		defer close(bets)
	}

	for item := range in {
		select {
		case received <- item:
		case <-ctx.Done():
			return
		}

		switch {
		case item.Kind == domain.FeedMarket && item.Market != nil && markets != nil:
			if p.follower != nil {
				p.follower.Seed(item.Market.ID)
			}
			select {
			case markets <- *item.Market:
			case <-ctx.Done():
				return
			}

		case item.Kind == domain.FeedBet && item.Bet != nil && bets != nil:
			select {
			case bets <- *item.Bet:
			default:
				p.logger.Debug("bet follower busy, dropping bet",
					slog.String("market_id", item.Bet.ContractID),
				)
			}
		}
	}
}
