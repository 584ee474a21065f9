package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/crm-assistant/internal/events"
)

// Mailer delivers a message. Body is markdown.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Poller periodically emails due reminders and records the outcome.
type Poller struct {
	store    *Store
	mailer   Mailer
	interval time.Duration
	logger   *slog.Logger
	bus      *events.Bus

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPoller creates a poller that checks for due reminders every interval.
func NewPoller(store *Store, mailer Mailer, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:    store,
		mailer:   mailer,
		interval: interval,
		logger:   logger,
	}
}

// SetEventBus publishes a reminder_sent event for each delivery.
func (p *Poller) SetEventBus(bus *events.Bus) {
	p.bus = bus
}

// Start launches the polling goroutine. It returns immediately.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.loop(ctx, p.stopCh)
	p.logger.Info("reminder poller started", "interval", p.interval)
}

// Stop halts polling and waits for an in-flight poll to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("reminder poller stopped")
}

func (p *Poller) loop(ctx context.Context, stop <-chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil {
				p.logger.Error("reminder poll failed", "error", err)
			}
		}
	}
}

// Poll delivers every reminder due now and returns how many were sent.
// Delivery failures are counted against the reminder, not returned.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	now := p.store.now()
	due, err := p.store.Due(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(due) > 0 {
		p.logger.Debug("due reminders", "count", len(due))
	}

	sent := 0
	for _, r := range due {
		if err := p.mailer.Send(ctx, r.UserEmail, "Reminder: "+r.Title, reminderBody(r)); err != nil {
			status, ferr := p.store.RecordFailure(ctx, r.ID)
			if ferr != nil {
				p.logger.Error("record reminder failure", "id", r.ID, "error", ferr)
			}
			p.logger.Warn("reminder delivery failed",
				"id", r.ID, "to", r.UserEmail, "status", status, "error", err)
			continue
		}
		if err := p.store.MarkSent(ctx, r.ID, p.store.now()); err != nil {
			p.logger.Error("mark reminder sent", "id", r.ID, "error", err)
			continue
		}
		sent++
		p.logger.Info("reminder sent", "id", r.ID, "to", r.UserEmail)
		p.bus.Publish(events.Event{
			Source: events.SourceReminders,
			Kind:   events.KindReminderSent,
			UserID: r.UserID,
			Data:   map[string]any{"reminder_id": r.ID, "title": r.Title},
		})
	}
	return sent, nil
}

func reminderBody(r *Reminder) string {
	about := r.Description
	if about == "" {
		about = r.Title
	}
	return fmt.Sprintf("You asked me to remind you about: **%s**\n\nDue %s.",
		about, r.DueDate.Format("Mon Jan 2, 2006 at 15:04 MST"))
}
