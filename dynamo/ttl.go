package dynamo

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// IsDeleted reports whether a soft-deleted item's ttl has passed. DynamoDB
// removes expired items lazily, so reads must filter them out themselves.
func IsDeleted(item map[string]types.AttributeValue) bool {
	return expired(item, time.Now())
}

func expired(item map[string]types.AttributeValue, now time.Time) bool {
	ttl, ok := numberAttr(item, "ttl")
	return ok && ttl <= now.Unix()
}

// TTLFilterExpr returns the filter expression to exclude deleted items.
func TTLFilterExpr() string {
	return "attribute_not_exists(#ttl) OR #ttl > :now"
}

// ParentExistsCondition requires the parent row to exist without an expired
// ttl. #pk names any of the parent's key attributes.
func ParentExistsCondition() string {
	return "attribute_exists(#pk) AND (attribute_not_exists(#ttl) OR #ttl > :now)"
}

func unixAttr(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}
