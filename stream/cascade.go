// Package stream provides DynamoDB Streams handlers for cascade deletes and
// for applying server-side changes to a tracked session.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/dynamo"
)

// Children is the part of the DynamoDB backend the cascade handler uses.
// *dynamo.Backend implements it.
type Children interface {
	QueryAllChildren(ctx context.Context, parentRef string) ([]dynamo.ChildRef, error)
	SetTTLByKey(ctx context.Context, table string, key map[string]types.AttributeValue, ttl int64) error
	SetRelationshipTTL(ctx context.Context, childRef, parentRef string, ttl int64) error
}

// Handler expires the children of soft-deleted rows. Each expired child
// produces its own stream record, so a delete walks down the tree one
// level per invocation.
type Handler struct {
	children Children
	logger   *slog.Logger
}

// NewHandler creates a cascade handler. A nil logger uses slog.Default.
func NewHandler(children Children, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{children: children, logger: logger}
}

// HandleCascadeDelete is a Lambda handler that stops at the first record
// that fails. Returning the error makes Lambda retry the whole batch.
func (h *Handler) HandleCascadeDelete(ctx context.Context, event events.DynamoDBEvent) error {
	for i := range event.Records {
		if err := h.cascade(ctx, &event.Records[i]); err != nil {
			h.logger.Error("cascade failed", "event_id", event.Records[i].EventID, "error", err)
			return err
		}
	}
	return nil
}

// HandleCascadeBatch is a Lambda handler for event source mappings with
// ReportBatchItemFailures enabled. It reports the first failed record so
// Lambda resumes from there instead of replaying the batch.
func (h *Handler) HandleCascadeBatch(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var resp events.DynamoDBEventResponse
	for i := range event.Records {
		record := &event.Records[i]
		if err := h.cascade(ctx, record); err != nil {
			h.logger.Error("cascade failed", "event_id", record.EventID, "sequence", record.Change.SequenceNumber, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
				ItemIdentifier: record.Change.SequenceNumber,
			})
			break
		}
	}
	return resp, nil
}

// softDeleted reports the row a record soft-deleted: a MODIFY whose new
// image gained a ttl the old image lacked.
func softDeleted(record *events.DynamoDBEventRecord) (ref, parent string, ttl int64, ok bool) {
	if record.EventName != "MODIFY" {
		return "", "", 0, false
	}
	ttl = getNumberAttr(record.Change.NewImage, "ttl")
	if ttl == 0 || getNumberAttr(record.Change.OldImage, "ttl") != 0 {
		return "", "", 0, false
	}
	return getStringAttr(record.Change.NewImage, "entity_ref"),
		getStringAttr(record.Change.NewImage, "parent_ref"), ttl, true
}

// cascade copies the ttl of a soft-deleted row onto all its children and its
// own relationship record. Every child is attempted; the record fails if any
// child could not be expired.
func (h *Handler) cascade(ctx context.Context, record *events.DynamoDBEventRecord) error {
	ref, parent, ttl, ok := softDeleted(record)
	if !ok {
		return nil
	}
	if ref == "" {
		h.logger.Warn("soft-deleted row has no entity_ref", "event_id", record.EventID)
		return nil
	}
	logger := h.logger.With("entity_ref", ref, "ttl", ttl)

	// Children already expired are returned too; re-expiring them is harmless.
	children, err := h.children.QueryAllChildren(ctx, ref)
	if err != nil {
		return fmt.Errorf("query children of %s: %w", ref, err)
	}

	var errs []error
	for _, child := range children {
		if err := h.children.SetTTLByKey(ctx, child.TableName, child.Key, ttl); err != nil {
			logger.Warn("child not expired", "child", child.Ref, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", child.Ref, err))
		}
	}

	if parent != "" {
		if err := h.children.SetRelationshipTTL(ctx, ref, parent, ttl); err != nil {
			logger.Warn("relationship record not expired", "parent_ref", parent, "error", err)
		}
	}

	logger.Info("cascade delete", "children", len(children), "failed", len(errs))
	if len(errs) > 0 {
		return fmt.Errorf("cascade %s: %d of %d children not expired: %w", ref, len(errs), len(children), errors.Join(errs...))
	}
	return nil
}

// ConvertStreamKey converts the key of a stream image to a DynamoDB item
// key. Only string, number and binary attributes can be key attributes.
func ConvertStreamKey(streamKey map[string]events.DynamoDBAttributeValue) map[string]types.AttributeValue {
	key := make(map[string]types.AttributeValue, len(streamKey))
	for name, v := range streamKey {
		switch v.DataType() {
		case events.DataTypeString:
			key[name] = &types.AttributeValueMemberS{Value: v.String()}
		case events.DataTypeNumber:
			key[name] = &types.AttributeValueMemberN{Value: v.Number()}
		case events.DataTypeBinary:
			key[name] = &types.AttributeValueMemberB{Value: v.Binary()}
		}
	}
	return key
}
