package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/espalier/internal/shard"
)

// ChildRef references a child row through its relationship record.
type ChildRef struct {
	Ref          string
	ParentRef    string
	Relationship string
	TableName    string
	Key          map[string]types.AttributeValue
	ShardPK      string
}

// HasActiveChildren checks if a row has any active (non-deleted) children.
func (b *Backend) HasActiveChildren(ctx context.Context, parentRef string) (bool, error) {
	now := strconv.FormatInt(b.now().Unix(), 10)
	keys := shard.Keys(parentRef, b.config.NumShards)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var found atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	for _, shardPK := range keys {
		g.Go(func() error {
			result, err := b.api().Query(gctx, &dynamodb.QueryInput{
				TableName:                aws.String(b.config.RelationshipTable),
				KeyConditionExpression:   aws.String("pk = :pk"),
				FilterExpression:         aws.String(TTLFilterExpr()),
				ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pk":  &types.AttributeValueMemberS{Value: shardPK},
					":now": &types.AttributeValueMemberN{Value: now},
				},
			})
			if err != nil {
				if found.Load() && errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("shard %s: %w", shardPK, err)
			}
			if len(result.Items) > 0 {
				found.Store(true)
				cancel()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !found.Load() {
		return false, err
	}
	return found.Load(), nil
}

// QueryAllChildren returns all children of a row (including deleted ones).
// This is used by cascade delete to propagate TTL to all children.
func (b *Backend) QueryAllChildren(ctx context.Context, parentRef string) ([]ChildRef, error) {
	keys := shard.Keys(parentRef, b.config.NumShards)

	var mu sync.Mutex
	var all []ChildRef
	g, gctx := errgroup.WithContext(ctx)
	for _, shardPK := range keys {
		g.Go(func() error {
			var children []ChildRef
			paginator := dynamodb.NewQueryPaginator(b.api(), &dynamodb.QueryInput{
				TableName:              aws.String(b.config.RelationshipTable),
				KeyConditionExpression: aws.String("pk = :pk"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pk": &types.AttributeValueMemberS{Value: shardPK},
				},
			})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(gctx)
				if err != nil {
					return fmt.Errorf("shard %s: %w", shardPK, err)
				}
				for _, item := range page.Items {
					children = append(children, unmarshalChildRef(item, shardPK))
				}
			}
			mu.Lock()
			all = append(all, children...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

// SetTTLByKey sets TTL on a row by table and key.
// Used by cascade delete to propagate TTL to children.
func (b *Backend) SetTTLByKey(ctx context.Context, table string, key map[string]types.AttributeValue, ttl int64) error {
	_, err := b.api().UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(table),
		Key:                 key,
		UpdateExpression:    aws.String("SET #ttl = :ttl, #version = if_not_exists(#version, :zero) + :one"),
		ConditionExpression: aws.String("attribute_not_exists(#ttl)"),
		ExpressionAttributeNames: map[string]string{
			"#ttl":     "ttl",
			"#version": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ttl":  unixAttr(time.Unix(ttl, 0)),
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":one":  &types.AttributeValueMemberN{Value: "1"},
		},
	})

	// Ignore condition failure - already has TTL
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	return err
}

// SetRelationshipTTL sets TTL on a relationship record.
func (b *Backend) SetRelationshipTTL(ctx context.Context, childRef, parentRef string, ttl int64) error {
	_, err := b.api().UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(b.config.RelationshipTable),
		Key: map[string]types.AttributeValue{
			"pk":        &types.AttributeValueMemberS{Value: b.relationshipPK(parentRef, childRef)},
			"child_ref": &types.AttributeValueMemberS{Value: childRef},
		},
		UpdateExpression:         aws.String("SET #ttl = :ttl"),
		ConditionExpression:      aws.String("attribute_not_exists(#ttl)"),
		ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ttl": unixAttr(time.Unix(ttl, 0)),
		},
	})

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	return err
}

// unmarshalChildRef converts a relationship item to a ChildRef.
func unmarshalChildRef(item map[string]types.AttributeValue, shardPK string) ChildRef {
	ref := ChildRef{ShardPK: shardPK}

	if v, ok := item["child_ref"].(*types.AttributeValueMemberS); ok {
		ref.Ref = v.Value
	}
	if v, ok := item["parent_ref"].(*types.AttributeValueMemberS); ok {
		ref.ParentRef = v.Value
	}
	if v, ok := item["relationship"].(*types.AttributeValueMemberS); ok {
		ref.Relationship = v.Value
	}
	if v, ok := item["child_table"].(*types.AttributeValueMemberS); ok {
		ref.TableName = v.Value
	}
	if v, ok := item["child_key"].(*types.AttributeValueMemberM); ok {
		ref.Key = v.Value
	}

	return ref
}
