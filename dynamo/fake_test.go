package dynamo

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeAPI records requests and answers with canned responses.
type fakeAPI struct {
	mu sync.Mutex

	transacts []*dynamodb.TransactWriteItemsInput
	updates   []*dynamodb.UpdateItemInput
	batches   []*dynamodb.BatchWriteItemInput
	queries   []*dynamodb.QueryInput

	transactErr error
	updateErr   error
	updateOut   map[string]types.AttributeValue
	getItem     map[string]types.AttributeValue

	// unprocessed is returned from the first n BatchWriteItem calls.
	unprocessed      map[string][]types.WriteRequest
	unprocessedCalls int

	// children maps a shard PK to the relationship items stored under it.
	children map[string][]map[string]types.AttributeValue
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.getItem}, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &dynamodb.UpdateItemOutput{Attributes: f.updateOut}, nil
}

func (f *fakeAPI) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transacts = append(f.transacts, in)
	if f.transactErr != nil {
		return nil, f.transactErr
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeAPI) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, in)
	if f.unprocessedCalls > 0 {
		f.unprocessedCalls--
		return &dynamodb.BatchWriteItemOutput{UnprocessedItems: f.unprocessed}, nil
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, in)
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	return &dynamodb.QueryOutput{Items: f.children[pk]}, nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBackend(api *fakeAPI, config Config) *Backend {
	b := New(api, config)
	b.now = func() time.Time { return fixedNow }
	n := 0
	b.newID = func() string {
		n++
		return "gen-" + string(rune('0'+n))
	}
	return b
}

func testConfig() Config {
	c := DefaultConfig()
	c.SoftDelete = false
	return c
}
