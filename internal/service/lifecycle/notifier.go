package lifecycle

import (
	"context"
	"log/slog"

	"github.com/jack-michaud/ephemeral-environments/internal/domain"
	"github.com/jack-michaud/ephemeral-environments/internal/driver"
)

// Event kinds emitted by the controller.
const (
	EventCommitStatus = "commit_status"
	EventComment      = "comment"
)

// Event is one externally visible notification produced by a transition. The
// controller emits events; it never talks to the PR host on its own critical
// path.
type Event struct {
	Kind        string
	Key         domain.EnvironmentKey
	CommitSHA   string
	State       string
	TargetURL   string
	Description string
	Body        string
}

// Notifier dispatches controller events. Implementations are best-effort:
// Notify never returns an error and must not block a transition's outcome.
type Notifier interface {
	Notify(ctx context.Context, events []Event)
}

// NopNotifier discards all events.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, []Event) {}

// PRNotifier delivers events to the source-control host, swallowing and
// logging failures.
type PRNotifier struct {
	authority driver.PRAuthority
	logger    *slog.Logger
}

// NewPRNotifier constructs a notifier backed by the PR authority.
func NewPRNotifier(authority driver.PRAuthority, logger *slog.Logger) *PRNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &PRNotifier{authority: authority, logger: logger.With("component", "notifier")}
}

// Notify implements Notifier.
func (n *PRNotifier) Notify(ctx context.Context, events []Event) {
	for _, ev := range events {
		var err error
		switch ev.Kind {
		case EventCommitStatus:
			err = n.authority.PostStatus(ctx, ev.Key.Repository, ev.CommitSHA, ev.State, ev.TargetURL, ev.Description)
		case EventComment:
			err = n.authority.Comment(ctx, ev.Key.Repository, ev.Key.PRNumber, ev.Body)
		default:
			n.logger.Warn("unknown notification kind", "kind", ev.Kind)
			continue
		}
		if err != nil {
			n.logger.Warn("notification failed", "kind", ev.Kind, "key", ev.Key.String(), "error", err)
		}
	}
}
