package stream

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/espalier/store"
)

// SessionSync applies stream records to a tracked session: rows changed on
// the server refresh their unchanged tracked counterparts, and rows that were
// removed or soft-deleted are evicted. Rows with local pending changes are
// never touched.
type SessionSync struct {
	session *store.Session
	types   map[string]string
	logger  *slog.Logger
}

// NewSessionSync creates a SessionSync. tables maps table names to the
// registered entity types stored in them.
func NewSessionSync(session *store.Session, tables map[string]string, logger *slog.Logger) *SessionSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionSync{
		session: session,
		types:   tables,
		logger:  logger,
	}
}

// SyncResult counts what a Handle call did.
type SyncResult struct {
	Refreshed int
	Evicted   int
	Ignored   int
}

// Handle applies every record in the event. Records for unknown tables or
// untracked rows are counted as ignored; only a done ctx stops it early.
func (s *SessionSync) Handle(ctx context.Context, event events.DynamoDBEvent) (SyncResult, error) {
	var res SyncResult
	for i := range event.Records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		record := &event.Records[i]
		entityType, ok := s.types[tableFromARN(record.EventSourceArn)]
		if !ok {
			res.Ignored++
			continue
		}

		switch {
		case record.EventName == "REMOVE",
			getNumberAttr(record.Change.NewImage, "ttl") != 0:
			key := ImageValues(record.Change.Keys)
			if s.session.EvictKey(entityType, key) {
				res.Evicted++
				s.logger.Debug("evicted deleted row", "type", entityType, "eventID", record.EventID)
				continue
			}
		case record.EventName == "INSERT", record.EventName == "MODIFY":
			if _, ok := s.session.Refresh(entityType, ImageValues(record.Change.NewImage)); ok {
				res.Refreshed++
				continue
			}
		}
		res.Ignored++
	}
	s.logger.Info("stream records applied",
		"refreshed", res.Refreshed,
		"evicted", res.Evicted,
		"ignored", res.Ignored,
	)
	return res, nil
}
