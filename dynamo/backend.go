package dynamo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/jacentio/espalier/internal/shard"
	"github.com/jacentio/espalier/store"
)

// API is the subset of the DynamoDB client used by Backend.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// managed fields are maintained by the backend and never written from entity values.
var managed = []string{"entity_ref", "parent_ref", "version", "created_at", "updated_at", "ttl"}

// batchLimit is the BatchWriteItem request limit.
const batchLimit = 25

// Backend persists rows to DynamoDB tables. Parent existence is checked in
// the same transaction as each insert, and every parent link is mirrored in
// a relationship table used for child lookups and cascade deletes.
type Backend struct {
	mu        sync.RWMutex
	client    API
	newClient func(ctx context.Context) (API, error)
	config    Config

	now   func() time.Time
	newID func() string
}

// New creates a Backend on an existing client. Reset is a no-op.
func New(client API, config Config) *Backend {
	config.validate()
	return &Backend{
		client: client,
		config: config,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// NewFromEnv creates a Backend from the default AWS configuration chain.
// Reset reloads the configuration and replaces the client.
func NewFromEnv(ctx context.Context, config Config, optFns ...func(*awsconfig.LoadOptions) error) (*Backend, error) {
	factory := func(ctx context.Context) (API, error) {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return dynamodb.NewFromConfig(cfg), nil
	}
	client, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	b := New(client, config)
	b.newClient = factory
	return b, nil
}

// Config returns the validated configuration.
func (b *Backend) Config() Config {
	return b.config
}

func (b *Backend) api() API {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.client
}

// Reset replaces the client after a transient failure.
func (b *Backend) Reset(ctx context.Context) error {
	if b.newClient == nil {
		return nil
	}
	client, err := b.newClient(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	return nil
}

// Transient reports throttling, capacity and transaction conflict errors.
func (b *Backend) Transient(err error) bool {
	var (
		throughput *types.ProvisionedThroughputExceededException
		limit      *types.RequestLimitExceeded
		internal   *types.InternalServerError
		conflict   *types.TransactionConflictException
		canceled   *types.TransactionCanceledException
	)
	switch {
	case errors.As(err, &throughput), errors.As(err, &limit),
		errors.As(err, &internal), errors.As(err, &conflict):
		return true
	case errors.As(err, &canceled):
		for _, reason := range canceled.CancellationReasons {
			switch aws.ToString(reason.Code) {
			case "TransactionConflict", "ThrottlingError", "ProvisionedThroughputExceeded":
				return true
			}
		}
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable":
			return true
		}
	}
	return false
}

// relationshipPK computes the sharded partition key for a relationship record.
func (b *Backend) relationshipPK(parentRef, childRef string) string {
	return shard.RelationshipPK(parentRef, childRef, b.config.NumShards)
}

// Execute runs one row command.
func (b *Backend) Execute(ctx context.Context, cmd store.Command) (store.Result, error) {
	if len(cmd.KeyFields) == 0 {
		return store.Result{}, fmt.Errorf("%w: %s", ErrNoKey, cmd.EntityType)
	}
	var (
		out store.Values
		err error
	)
	switch cmd.Operation {
	case store.OpInsert:
		out, err = b.insert(ctx, cmd)
	case store.OpUpdate:
		out, err = b.update(ctx, cmd)
	case store.OpDelete:
		err = b.delete(ctx, cmd)
	default:
		err = fmt.Errorf("unsupported operation %s", cmd.Operation)
	}
	if err != nil {
		return store.Result{}, withStatus(err)
	}
	return store.Result{Values: out}, nil
}

// insert puts the row with parent condition checks and relationship
// records in one transaction.
func (b *Backend) insert(ctx context.Context, cmd store.Command) (store.Values, error) {
	now := b.now()
	nowISO := now.UTC().Format(time.RFC3339)

	key, out := b.assignKeys(cmd)
	ref, _ := store.EntityRef(cmd.EntityType, key, cmd.KeyFields)

	item, err := b.item(cmd, key, ref, nowISO)
	if err != nil {
		return nil, err
	}

	items := []types.TransactWriteItem{}
	parentChecks := make(map[int]bool)

	// 1. Parent condition checks
	for _, p := range cmd.Parents {
		pk, err := attributevalue.MarshalMap(map[string]any(p.Key))
		if err != nil {
			return nil, fmt.Errorf("marshal parent key: %w", err)
		}
		parentChecks[len(items)] = true
		items = append(items, types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName:           aws.String(p.Table),
				Key:                 pk,
				ConditionExpression: aws.String(ParentExistsCondition()),
				ExpressionAttributeNames: map[string]string{
					"#pk":  firstKey(p.Key),
					"#ttl": "ttl",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":now": unixAttr(now),
				},
			},
		})
	}

	// 2. The entity put
	entityPut := len(items)
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{
			TableName:                aws.String(cmd.Table),
			Item:                     item,
			ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
			ExpressionAttributeNames: map[string]string{"#pk": cmd.KeyFields[0]},
		},
	})

	// 3. Relationship records
	rels, err := b.relationshipItems(cmd, key, ref)
	if err != nil {
		return nil, err
	}
	for _, rel := range rels {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(b.config.RelationshipTable), Item: rel},
		})
	}

	_, err = b.api().TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err := mapInsertError(err, parentChecks, entityPut); err != nil {
		return nil, err
	}

	out["version"] = int64(1)
	out["created_at"] = nowISO
	out["updated_at"] = nowISO
	return out, nil
}

// assignKeys fills generated key fields with fresh UUIDs.
func (b *Backend) assignKeys(cmd store.Command) (key, out store.Values) {
	key = cmd.Key.Clone()
	out = store.Values{}
	for _, f := range cmd.Generated {
		id := b.newID()
		key[f] = id
		out[f] = id
	}
	return key, out
}

// item renders an insert row with its managed fields.
func (b *Backend) item(cmd store.Command, key store.Values, ref, nowISO string) (map[string]types.AttributeValue, error) {
	data := make(map[string]any, len(cmd.Values)+len(key))
	for f, v := range cmd.Values {
		if !slices.Contains(managed, f) {
			data[f] = v
		}
	}
	for f, v := range key {
		data[f] = v
	}
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ref, err)
	}
	item["entity_ref"] = &types.AttributeValueMemberS{Value: ref}
	item["version"] = &types.AttributeValueMemberN{Value: "1"}
	item["created_at"] = &types.AttributeValueMemberS{Value: nowISO}
	item["updated_at"] = &types.AttributeValueMemberS{Value: nowISO}
	if len(cmd.Parents) > 0 {
		item["parent_ref"] = &types.AttributeValueMemberS{Value: cmd.Parents[0].Ref}
	}
	return item, nil
}

// relationshipItems renders one relationship record per parent.
func (b *Backend) relationshipItems(cmd store.Command, key store.Values, childRef string) ([]map[string]types.AttributeValue, error) {
	if len(cmd.Parents) == 0 {
		return nil, nil
	}
	keyAttr, err := attributevalue.MarshalMap(map[string]any(key))
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	rels := make([]map[string]types.AttributeValue, 0, len(cmd.Parents))
	for _, p := range cmd.Parents {
		rels = append(rels, map[string]types.AttributeValue{
			"pk":           &types.AttributeValueMemberS{Value: b.relationshipPK(p.Ref, childRef)},
			"child_ref":    &types.AttributeValueMemberS{Value: childRef},
			"parent_ref":   &types.AttributeValueMemberS{Value: p.Ref},
			"child_table":  &types.AttributeValueMemberS{Value: cmd.Table},
			"child_key":    &types.AttributeValueMemberM{Value: keyAttr},
			"relationship": &types.AttributeValueMemberS{Value: p.Relationship},
		})
	}
	return rels, nil
}

// update writes the changed fields with optimistic locking on the version
// attribute when the row carries one.
func (b *Backend) update(ctx context.Context, cmd store.Command) (store.Values, error) {
	key, err := attributevalue.MarshalMap(map[string]any(cmd.Key))
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	now := b.now().UTC().Format(time.RFC3339)

	var setClauses, removeClauses []string
	exprNames := map[string]string{
		"#pk":         cmd.KeyFields[0],
		"#updated_at": "updated_at",
		"#version":    "version",
		"#ttl":        "ttl",
	}
	exprValues := map[string]types.AttributeValue{
		":updated_at": &types.AttributeValueMemberS{Value: now},
		":one":        &types.AttributeValueMemberN{Value: "1"},
	}

	fields := make([]string, 0, len(cmd.Values))
	for f := range cmd.Values {
		if !slices.Contains(managed, f) && !slices.Contains(cmd.KeyFields, f) {
			fields = append(fields, f)
		}
	}
	slices.Sort(fields)
	for i, f := range fields {
		nameKey := fmt.Sprintf("#attr%d", i)
		exprNames[nameKey] = f
		v := cmd.Values[f]
		if v == nil {
			removeClauses = append(removeClauses, nameKey)
			continue
		}
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", f, err)
		}
		valueKey := fmt.Sprintf(":val%d", i)
		exprValues[valueKey] = av
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", nameKey, valueKey))
	}
	setClauses = append(setClauses, "#updated_at = :updated_at", "#version = if_not_exists(#version, :zero) + :one")
	exprValues[":zero"] = &types.AttributeValueMemberN{Value: "0"}

	updateExpr := "SET " + strings.Join(setClauses, ", ")
	if len(removeClauses) > 0 {
		updateExpr += " REMOVE " + strings.Join(removeClauses, ", ")
	}

	cond := "attribute_exists(#pk) AND attribute_not_exists(#ttl)"
	expected, locked := versionOf(cmd.Row)
	if locked {
		cond += " AND #version = :expected_version"
		exprValues[":expected_version"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)}
	}

	result, err := b.api().UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(cmd.Table),
		Key:                       key,
		UpdateExpression:          aws.String(updateExpr),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			if locked {
				return nil, ErrConcurrentModification
			}
			return nil, ErrNotFound
		}
		return nil, err
	}

	out := store.Values{"updated_at": now}
	if v, ok := numberAttr(result.Attributes, "version"); ok {
		out["version"] = v
	}
	return out, nil
}

// versionOf extracts the row's current version. Stream images and
// attributevalue decoding produce float64, entities written by this
// backend carry int64.
func versionOf(row store.Values) (int64, bool) {
	switch v := row["version"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// delete removes the row, or expires it when SoftDelete is set. The row's
// relationship records follow it in the same transaction.
func (b *Backend) delete(ctx context.Context, cmd store.Command) error {
	ref, ok := store.EntityRef(cmd.EntityType, cmd.Key, cmd.KeyFields)
	if !ok {
		return fmt.Errorf("%w: %s has no key", ErrNotFound, cmd.EntityType)
	}
	if b.config.OrphanProtect {
		has, err := b.HasActiveChildren(ctx, ref)
		if err != nil {
			return err
		}
		if has {
			return fmt.Errorf("%w: %s", ErrHasChildren, ref)
		}
	}
	key, err := attributevalue.MarshalMap(map[string]any(cmd.Key))
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	now := b.now()

	items := []types.TransactWriteItem{}
	if b.config.SoftDelete {
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:           aws.String(cmd.Table),
				Key:                 key,
				UpdateExpression:    aws.String("SET #ttl = :now, #version = if_not_exists(#version, :zero) + :one"),
				ConditionExpression: aws.String("attribute_exists(#pk) AND attribute_not_exists(#ttl)"),
				ExpressionAttributeNames: map[string]string{
					"#pk":      cmd.KeyFields[0],
					"#ttl":     "ttl",
					"#version": "version",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":now":  unixAttr(now),
					":zero": &types.AttributeValueMemberN{Value: "0"},
					":one":  &types.AttributeValueMemberN{Value: "1"},
				},
			},
		})
	} else {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName:                aws.String(cmd.Table),
				Key:                      key,
				ConditionExpression:      aws.String("attribute_exists(#pk)"),
				ExpressionAttributeNames: map[string]string{"#pk": cmd.KeyFields[0]},
			},
		})
	}
	for _, p := range cmd.Parents {
		relKey := map[string]types.AttributeValue{
			"pk":        &types.AttributeValueMemberS{Value: b.relationshipPK(p.Ref, ref)},
			"child_ref": &types.AttributeValueMemberS{Value: ref},
		}
		if b.config.SoftDelete {
			items = append(items, types.TransactWriteItem{
				Update: &types.Update{
					TableName:                 aws.String(b.config.RelationshipTable),
					Key:                       relKey,
					UpdateExpression:          aws.String("SET #ttl = :now"),
					ExpressionAttributeNames:  map[string]string{"#ttl": "ttl"},
					ExpressionAttributeValues: map[string]types.AttributeValue{":now": unixAttr(now)},
				},
			})
			continue
		}
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{TableName: aws.String(b.config.RelationshipTable), Key: relKey},
		})
	}

	_, err = b.api().TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) && len(txErr.CancellationReasons) > 0 &&
		aws.ToString(txErr.CancellationReasons[0].Code) == "ConditionalCheckFailed" {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return err
}

// BulkLoad writes insert rows and their relationship records with
// BatchWriteItem. Parent existence is not checked.
func (b *Backend) BulkLoad(ctx context.Context, table string, cmds []store.Command) error {
	nowISO := b.now().UTC().Format(time.RFC3339)

	type request struct {
		table string
		item  map[string]types.AttributeValue
	}
	var requests []request
	for _, cmd := range cmds {
		if len(cmd.KeyFields) == 0 {
			return fmt.Errorf("%w: %s", ErrNoKey, cmd.EntityType)
		}
		key, _ := b.assignKeys(cmd)
		ref, _ := store.EntityRef(cmd.EntityType, key, cmd.KeyFields)
		item, err := b.item(cmd, key, ref, nowISO)
		if err != nil {
			return err
		}
		requests = append(requests, request{table: table, item: item})
		rels, err := b.relationshipItems(cmd, key, ref)
		if err != nil {
			return err
		}
		for _, rel := range rels {
			requests = append(requests, request{table: b.config.RelationshipTable, item: rel})
		}
	}

	for chunk := range slices.Chunk(requests, batchLimit) {
		pending := map[string][]types.WriteRequest{}
		for _, r := range chunk {
			pending[r.table] = append(pending[r.table], types.WriteRequest{
				PutRequest: &types.PutRequest{Item: r.item},
			})
		}
		if err := b.batchWrite(ctx, pending); err != nil {
			return err
		}
	}
	return nil
}

// batchWrite submits one BatchWriteItem request, resubmitting unprocessed
// items up to MaxUnprocessedRetries times.
func (b *Backend) batchWrite(ctx context.Context, pending map[string][]types.WriteRequest) error {
	for round := 0; ; round++ {
		result, err := b.api().BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: pending,
		})
		if err != nil {
			return err
		}
		if len(result.UnprocessedItems) == 0 {
			return nil
		}
		if round >= b.config.MaxUnprocessedRetries {
			n := 0
			for _, reqs := range result.UnprocessedItems {
				n += len(reqs)
			}
			return fmt.Errorf("%w: %d items", ErrUnprocessedItems, n)
		}
		pending = result.UnprocessedItems
	}
}

// Get retrieves a row by key, returning ErrNotFound if deleted or missing.
func (b *Backend) Get(ctx context.Context, table string, key store.Values) (store.Values, error) {
	k, err := attributevalue.MarshalMap(map[string]any(key))
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	result, err := b.api().GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key:       k,
	})
	if err != nil {
		return nil, err
	}
	if result.Item == nil || expired(result.Item, b.now()) {
		return nil, ErrNotFound
	}
	return Unmarshal(result.Item)
}

// Unmarshal converts a DynamoDB item to row values. Numbers decode as float64.
func Unmarshal(item map[string]types.AttributeValue) (store.Values, error) {
	var values map[string]any
	if err := attributevalue.UnmarshalMap(item, &values); err != nil {
		return nil, err
	}
	return store.Values(values), nil
}

// mapInsertError maps cancellation reasons of an insert transaction.
func mapInsertError(err error, parentChecks map[int]bool, entityPut int) error {
	if err == nil {
		return nil
	}
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if aws.ToString(reason.Code) != "ConditionalCheckFailed" {
				continue
			}
			if parentChecks[i] {
				return ErrParentNotFound
			}
			if i == entityPut {
				return ErrAlreadyExists
			}
		}
	}
	return err
}

func numberAttr(item map[string]types.AttributeValue, name string) (int64, bool) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	return n, err == nil
}

// firstKey returns the alphabetically first attribute of a key. Any key
// attribute serves for an existence check.
func firstKey(key store.Values) string {
	names := make([]string, 0, len(key))
	for k := range key {
		names = append(names, k)
	}
	slices.Sort(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}
