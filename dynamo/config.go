package dynamo

// Config holds configuration for the DynamoDB backend.
type Config struct {
	// RelationshipTable is the name of the relationship table.
	// Default: "espalier_relationships"
	RelationshipTable string

	// NumShards is the number of shards for the relationship table.
	// Higher values increase write throughput per parent but require more
	// parallel queries when checking or listing children.
	// Default: 1 (no sharding, single query)
	// Max: 256
	NumShards int

	// SoftDelete marks deleted rows with a TTL instead of removing them.
	// Children are expired by the stream cascade handler.
	// Default: true
	SoftDelete bool

	// OrphanProtect fails deletes of rows that still have active children.
	OrphanProtect bool

	// MaxUnprocessedRetries bounds the rounds spent resubmitting unprocessed
	// items of a bulk load before it fails.
	// Default: 5
	MaxUnprocessedRetries int
}

// DefaultConfig returns sensible defaults for small datasets.
func DefaultConfig() Config {
	return Config{
		RelationshipTable:     "espalier_relationships",
		NumShards:             1,
		SoftDelete:            true,
		MaxUnprocessedRetries: 5,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.RelationshipTable == "" {
		c.RelationshipTable = "espalier_relationships"
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > 256 {
		c.NumShards = 256
	}
	if c.MaxUnprocessedRetries < 0 {
		c.MaxUnprocessedRetries = 0
	}
}
