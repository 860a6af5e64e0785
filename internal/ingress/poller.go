package ingress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/imq/internal/config"
	"git.home.luguber.info/inful/imq/internal/forge"
	"git.home.luguber.info/inful/imq/internal/logfields"
	"git.home.luguber.info/inful/imq/internal/store"
)

const (
	// feedPageSize is how many feed items one poll requests.
	feedPageSize = 30
	// backoffCeilingFactor caps the adaptive interval at this multiple of
	// the configured floor when a repository stays quiet.
	backoffCeilingFactor = 8
)

// cursorStore is the slice of the store the poller needs.
type cursorStore interface {
	GetPollCursor(ctx context.Context, repository string) (*store.PollCursor, error)
	PutPollCursor(ctx context.Context, cursor *store.PollCursor) error
}

// eventsFeed is the slice of the forge gateway the poller needs.
type eventsFeed interface {
	RepoEvents(ctx context.Context, owner, repo string, perPage int) (*forge.Response, error)
	SeedRepoEventsETag(owner, repo string, perPage int, etag string)
}

// Poller watches the repository events feed of every configured repository
// and replays PR lifecycle events into the sink. Each repository gets its own
// worker; the poll interval stretches toward a ceiling while the feed is
// quiet and snaps back to the floor when events arrive.
type Poller struct {
	gateway  eventsFeed
	cursors  cursorStore
	sink     Sink
	observer IngestObserver
	repos    []config.RepoRef
	floor    time.Duration
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewPoller builds a poller over the configured repositories.
func NewPoller(gateway eventsFeed, cursors cursorStore, sink Sink, observer IngestObserver, repos []config.RepoRef, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		gateway:  gateway,
		cursors:  cursors,
		sink:     sink,
		observer: observer,
		repos:    repos,
		floor:    interval,
		logger:   logger,
	}
}

// Start launches one worker per repository. Workers stop when ctx is
// cancelled; Wait blocks until all of them have drained.
func (p *Poller) Start(ctx context.Context) {
	for _, ref := range p.repos {
		p.wg.Add(1)
		go func(ref config.RepoRef) {
			defer p.wg.Done()
			p.watch(ctx, ref)
		}(ref)
	}
}

// Wait blocks until every worker has exited.
func (p *Poller) Wait() { p.wg.Wait() }

// watch is the per-repository poll loop.
func (p *Poller) watch(ctx context.Context, ref config.RepoRef) {
	logger := p.logger.With(logfields.Repository(ref.FullName()))

	cursor, err := p.cursors.GetPollCursor(ctx, ref.FullName())
	if err != nil {
		logger.Warn("loading poll cursor", logfields.Error(err))
		cursor = &store.PollCursor{Repository: ref.FullName()}
	}
	if cursor.ETag != "" {
		p.gateway.SeedRepoEventsETag(ref.Owner, ref.Name, feedPageSize, cursor.ETag)
	}

	interval := p.floor
	ceiling := p.floor * backoffCeilingFactor
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		delivered, err := p.pollOnce(ctx, ref, cursor, logger)
		switch {
		case err != nil:
			// Errors stretch the interval like a quiet feed does; a
			// rate-limited Forge must not be hammered at the floor.
			interval = min(interval*2, ceiling)
			logger.Warn("polling events feed", logfields.Error(err),
				slog.Duration("next_poll", interval))
		case delivered > 0:
			interval = p.floor
		default:
			interval = min(interval+p.floor, ceiling)
		}
		timer.Reset(interval)
	}
}

// pollOnce fetches the feed, delivers new events and persists the cursor.
// Returns the number of events handed to the sink.
func (p *Poller) pollOnce(ctx context.Context, ref config.RepoRef, cursor *store.PollCursor, logger *slog.Logger) (int, error) {
	res, err := p.gateway.RepoEvents(ctx, ref.Owner, ref.Name, feedPageSize)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	cursor.LastPolledAt = &now
	if res.ETag != "" {
		cursor.ETag = res.ETag
	}

	if res.NotModified {
		if err := p.cursors.PutPollCursor(ctx, cursor); err != nil {
			logger.Warn("persisting poll cursor", logfields.Error(err))
		}
		return 0, nil
	}

	feed, err := forge.ParseRepoEvents(res.Body, cursor.LastEventID)
	if err != nil {
		return 0, err
	}

	// The feed is newest first; deliver oldest first so ordering matches
	// what a webhook would have produced.
	delivered := 0
	for i := len(feed) - 1; i >= 0; i-- {
		item := feed[i]
		logger.Debug("poll event accepted",
			logfields.PRNumber(item.Event.Number),
			logfields.Event(string(item.Event.Kind)))
		if p.observer != nil {
			p.observer.RecordEventIngested(item.Event.Source)
		}
		p.sink.OnEvent(ctx, *item.Event)
		delivered++

		cursor.LastEventID = item.ID
		at := item.CreatedAt
		cursor.LastEventAt = &at
	}

	if err := p.cursors.PutPollCursor(ctx, cursor); err != nil {
		logger.Warn("persisting poll cursor", logfields.Error(err))
	}
	return delivered, nil
}
