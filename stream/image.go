package stream

import (
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/espalier/store"
)

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}

// internal attributes maintained by the DynamoDB backend that entities never see.
var internal = map[string]bool{"entity_ref": true, "parent_ref": true, "ttl": true}

// ImageValues converts a stream image to row values. Integral numbers become
// int64, other numbers float64. Backend bookkeeping attributes are dropped.
func ImageValues(image map[string]events.DynamoDBAttributeValue) store.Values {
	values := make(store.Values, len(image))
	for k, v := range image {
		if internal[k] {
			continue
		}
		values[k] = convert(v)
	}
	return values
}

func convert(v events.DynamoDBAttributeValue) any {
	switch v.DataType() {
	case events.DataTypeString:
		return v.String()
	case events.DataTypeNumber:
		return number(v.Number())
	case events.DataTypeBoolean:
		return v.Boolean()
	case events.DataTypeBinary:
		return v.Binary()
	case events.DataTypeNull:
		return nil
	case events.DataTypeStringSet:
		return v.StringSet()
	case events.DataTypeNumberSet:
		ns := v.NumberSet()
		out := make([]any, len(ns))
		for i, n := range ns {
			out[i] = number(n)
		}
		return out
	case events.DataTypeBinarySet:
		return v.BinarySet()
	case events.DataTypeList:
		list := v.List()
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = convert(item)
		}
		return out
	case events.DataTypeMap:
		m := v.Map()
		out := make(map[string]any, len(m))
		for k, item := range m {
			out[k] = convert(item)
		}
		return out
	}
	return nil
}

func number(s string) any {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// tableFromARN extracts the table name from a stream event source ARN, e.g.
// arn:aws:dynamodb:us-east-1:123456789012:table/studios/stream/2024-01-01T00:00:00.000
func tableFromARN(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	table, _, _ := strings.Cut(rest, "/")
	return table
}
