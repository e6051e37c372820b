package stream

import (
	"testing"

	"github.com/aws/aws-lambda-go/events"
)

func TestGetStringAttr(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"name":  events.NewStringAttribute("test-value"),
		"empty": events.NewStringAttribute(""),
		"count": events.NewNumberAttribute("3"),
	}

	tests := []struct {
		key  string
		want string
	}{
		{"name", "test-value"},
		{"empty", ""},
		{"missing", ""},
		{"count", ""},
	}
	for _, tt := range tests {
		if got := getStringAttr(image, tt.key); got != tt.want {
			t.Errorf("getStringAttr(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}

	if got := getStringAttr(nil, "name"); got != "" {
		t.Errorf("expected empty string for nil image, got %q", got)
	}
}

func TestGetNumberAttr(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"ttl":      events.NewNumberAttribute("1704067200"),
		"negative": events.NewNumberAttribute("-42"),
		"min":      events.NewNumberAttribute("-9223372036854775808"),
		"name":     events.NewStringAttribute("123"),
	}

	tests := []struct {
		key  string
		want int64
	}{
		{"ttl", 1704067200},
		{"negative", -42},
		{"min", -9223372036854775808},
		{"name", 0},
		{"missing", 0},
	}
	for _, tt := range tests {
		if got := getNumberAttr(image, tt.key); got != tt.want {
			t.Errorf("getNumberAttr(%q) = %d, want %d", tt.key, got, tt.want)
		}
	}
}

func TestImageValues(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"id":         events.NewStringAttribute("s1"),
		"version":    events.NewNumberAttribute("3"),
		"rating":     events.NewNumberAttribute("4.5"),
		"active":     events.NewBooleanAttribute(true),
		"motto":      events.NewNullAttribute(),
		"tags":       events.NewStringSetAttribute([]string{"a", "b"}),
		"entity_ref": events.NewStringAttribute("studio#s1"),
		"parent_ref": events.NewStringAttribute("org#o1"),
		"ttl":        events.NewNumberAttribute("1"),
		"address": events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
			"zip": events.NewNumberAttribute("90210"),
		}),
		"credits": events.NewListAttribute([]events.DynamoDBAttributeValue{
			events.NewStringAttribute("x"),
			events.NewNumberAttribute("1e3"),
		}),
	}

	v := ImageValues(image)

	if v["id"] != "s1" {
		t.Errorf("expected id 's1', got %v", v["id"])
	}
	if v["version"] != int64(3) {
		t.Errorf("expected int64 version, got %T %v", v["version"], v["version"])
	}
	if v["rating"] != 4.5 {
		t.Errorf("expected rating 4.5, got %v", v["rating"])
	}
	if v["active"] != true {
		t.Errorf("expected active true, got %v", v["active"])
	}
	if m, ok := v["motto"]; !ok || m != nil {
		t.Errorf("expected explicit nil motto, got %v (present=%v)", m, ok)
	}
	if tags, ok := v["tags"].([]string); !ok || len(tags) != 2 {
		t.Errorf("expected string set, got %v", v["tags"])
	}
	for _, k := range []string{"entity_ref", "parent_ref", "ttl"} {
		if _, ok := v[k]; ok {
			t.Errorf("expected %s to be dropped", k)
		}
	}
	if addr, ok := v["address"].(map[string]any); !ok || addr["zip"] != int64(90210) {
		t.Errorf("expected nested map, got %v", v["address"])
	}
	if credits, ok := v["credits"].([]any); !ok || credits[0] != "x" || credits[1] != 1000.0 {
		t.Errorf("expected list, got %v", v["credits"])
	}
}

func TestTableFromARN(t *testing.T) {
	tests := []struct {
		arn  string
		want string
	}{
		{"arn:aws:dynamodb:us-east-1:123456789012:table/studios/stream/2024-01-01T00:00:00.000", "studios"},
		{"arn:aws:dynamodb:eu-west-1:123456789012:table/espalier_relationships/stream/x", "espalier_relationships"},
		{"arn:aws:dynamodb:us-east-1:123456789012:table/orgs", "orgs"},
		{"not-an-arn", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := tableFromARN(tt.arn); got != tt.want {
			t.Errorf("tableFromARN(%q) = %q, want %q", tt.arn, got, tt.want)
		}
	}
}

func BenchmarkImageValues(b *testing.B) {
	image := map[string]events.DynamoDBAttributeValue{
		"id":         events.NewStringAttribute("12345678-1234-1234-1234-123456789012"),
		"entity_ref": events.NewStringAttribute("studio#12345678-1234-1234-1234-123456789012"),
		"version":    events.NewNumberAttribute("7"),
		"name":       events.NewStringAttribute("Acme"),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ImageValues(image)
	}
}
