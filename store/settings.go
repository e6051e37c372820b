package store

import (
	"fmt"
	"io"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Operation is a save operation. Values combine as a bitmask in Settings.AllowedOperations.
type Operation uint8

const (
	OpInsert Operation = 1 << iota
	OpUpdate
	OpDelete

	// AllOperations allows inserts, updates and deletes.
	AllOperations = OpInsert | OpUpdate | OpDelete
)

var operationNames = map[string]Operation{
	"insert": OpInsert,
	"update": OpUpdate,
	"delete": OpDelete,
	"all":    AllOperations,
}

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case AllOperations:
		return "all"
	}
	var parts []string
	for _, op := range []Operation{OpInsert, OpUpdate, OpDelete} {
		if o&op != 0 {
			parts = append(parts, op.String())
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Has reports whether every operation in op is set in o.
func (o Operation) Has(op Operation) bool { return o&op == op }

// UnmarshalYAML accepts a single name or a list of names ("insert", "update", "delete", "all").
func (o *Operation) UnmarshalYAML(node *yaml.Node) error {
	v, err := decodeFlags(node, operationNames)
	if err != nil {
		return fmt.Errorf("allowed operations: %w", err)
	}
	*o = v
	return nil
}

// BulkRule selects when an insert batch is written with the backend's bulk loader.
// Rules combine as a bitmask.
type BulkRule uint8

const (
	// BulkNever always writes row by row.
	BulkNever BulkRule = 0
	// BulkAlways bulk loads every insert batch.
	BulkAlways BulkRule = 1 << (iota - 1)
	// BulkThreshold bulk loads batches of at least BulkInsertMinimumRows rows.
	BulkThreshold
	// BulkLeafOnly restricts bulk loading to the deepest insert level.
	BulkLeafOnly
	// BulkByType restricts bulk loading to the tables in BulkInsertTables.
	BulkByType
)

var bulkRuleNames = map[string]BulkRule{
	"never":     BulkNever,
	"always":    BulkAlways,
	"threshold": BulkThreshold,
	"leaf_only": BulkLeafOnly,
	"by_type":   BulkByType,
}

// Has reports whether rule is set in r.
func (r BulkRule) Has(rule BulkRule) bool { return rule != 0 && r&rule == rule }

// UnmarshalYAML accepts a single rule name or a list of rule names.
func (r *BulkRule) UnmarshalYAML(node *yaml.Node) error {
	v, err := decodeFlags(node, bulkRuleNames)
	if err != nil {
		return fmt.Errorf("bulk insert rules: %w", err)
	}
	*r = v
	return nil
}

func decodeFlags[T ~uint8](node *yaml.Node, names map[string]T) (T, error) {
	var list []string
	switch node.Kind {
	case yaml.ScalarNode:
		list = []string{node.Value}
	case yaml.SequenceNode:
		if err := node.Decode(&list); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("line %d: expected a name or a list of names", node.Line)
	}
	var out T
	for _, name := range list {
		v, ok := names[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("line %d: unknown value %q", node.Line, name)
		}
		out |= v
	}
	return out, nil
}

// DefaultTransientErrorPatterns match backend messages worth retrying.
var DefaultTransientErrorPatterns = []string{
	`connection (reset|refused|closed|lost)`,
	`conn closed`,
	`broken pipe`,
	`timeout|timed out`,
	`deadline exceeded`,
	`pool (exhausted|is closed)`,
	`too many (connections|clients)`,
	`throttl`,
	`provisioned throughput`,
	`request limit exceeded`,
	`database is locked`,
}

// Settings controls a single Save call.
type Settings struct {
	// AllowedOperations filters which dirty entities are saved.
	// Default: AllOperations
	AllowedOperations Operation `yaml:"allowed_operations"`

	// MaxDegreeOfParallelism bounds concurrently executing rows within one batch.
	// Default: runtime.NumCPU()
	MaxDegreeOfParallelism int `yaml:"max_degree_of_parallelism"`

	// BulkInsertRules selects when insert batches use the bulk loader.
	// Default: BulkNever
	BulkInsertRules BulkRule `yaml:"bulk_insert_rules"`

	// BulkInsertMinimumRows is the row count at which BulkThreshold applies.
	// Default: 100000
	BulkInsertMinimumRows int `yaml:"bulk_insert_minimum_rows"`

	// BulkInsertTables lists the tables BulkByType allows.
	BulkInsertTables []string `yaml:"bulk_insert_tables"`

	// ContinueOnError keeps saving after a failed row and reports all failures at the end.
	ContinueOnError bool `yaml:"continue_on_error"`

	// DeferAcceptChanges keeps successful rows pending until Session.Commit or Session.Rollback.
	DeferAcceptChanges bool `yaml:"defer_accept_changes"`

	// Transactional runs the save inside a single backend transaction when the
	// backend supports one. Retries are disabled and accept is deferred to the commit.
	Transactional bool `yaml:"transactional"`

	// RootTypes restricts the save to entities of these types and their descendants.
	RootTypes []string `yaml:"root_types"`

	// Roots restricts the save to these entities and their descendants.
	Roots []ID `yaml:"-"`

	// ToleratedStatuses are backend status codes recorded without failing the save.
	ToleratedStatuses []int `yaml:"tolerated_statuses"`

	// SaveRetryCount is the number of retries after the first attempt for transient failures.
	// Default: 3
	SaveRetryCount int `yaml:"save_retry_count"`

	// SaveRetryDelayMs is the backoff before the first retry.
	// Default: 100
	SaveRetryDelayMs int `yaml:"save_retry_delay_ms"`

	// SaveRetryMaxDelayMs caps the backoff.
	// Default: 30000
	SaveRetryMaxDelayMs int `yaml:"save_retry_max_delay_ms"`

	// DoubleRetryDelay doubles the backoff on every further retry.
	// Default: true
	DoubleRetryDelay bool `yaml:"double_retry_delay"`

	// TransientErrorPatterns are case-insensitive regular expressions matched
	// against error messages. Default: DefaultTransientErrorPatterns
	TransientErrorPatterns []string `yaml:"transient_error_patterns"`
}

// DefaultSettings returns settings suitable for interactive units of work.
func DefaultSettings() Settings {
	return Settings{
		AllowedOperations:      AllOperations,
		MaxDegreeOfParallelism: runtime.NumCPU(),
		BulkInsertRules:        BulkNever,
		BulkInsertMinimumRows:  100000,
		SaveRetryCount:         3,
		SaveRetryDelayMs:       100,
		SaveRetryMaxDelayMs:    30000,
		DoubleRetryDelay:       true,
		TransientErrorPatterns: append([]string(nil), DefaultTransientErrorPatterns...),
	}
}

// LoadSettings reads YAML settings on top of DefaultSettings.
func LoadSettings(r io.Reader) (Settings, error) {
	s := DefaultSettings()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	s.validate()
	if _, err := s.transientMatcher(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// RetryDelay returns the initial backoff.
func (s Settings) RetryDelay() time.Duration {
	return time.Duration(s.SaveRetryDelayMs) * time.Millisecond
}

// MaxRetryDelay returns the backoff cap.
func (s Settings) MaxRetryDelay() time.Duration {
	return time.Duration(s.SaveRetryMaxDelayMs) * time.Millisecond
}

// validate ensures settings values are within acceptable bounds.
func (s *Settings) validate() {
	if s.AllowedOperations == 0 {
		s.AllowedOperations = AllOperations
	}
	if s.MaxDegreeOfParallelism < 1 {
		s.MaxDegreeOfParallelism = 1
	}
	if s.BulkInsertMinimumRows < 1 {
		s.BulkInsertMinimumRows = 1
	}
	if s.SaveRetryCount < 0 {
		s.SaveRetryCount = 0
	}
	if s.SaveRetryDelayMs < 0 {
		s.SaveRetryDelayMs = 0
	}
	if s.SaveRetryMaxDelayMs < s.SaveRetryDelayMs {
		s.SaveRetryMaxDelayMs = s.SaveRetryDelayMs
	}
	if s.TransientErrorPatterns == nil {
		s.TransientErrorPatterns = append([]string(nil), DefaultTransientErrorPatterns...)
	}
}

func (s Settings) tolerated(status int) bool {
	for _, t := range s.ToleratedStatuses {
		if t == status {
			return true
		}
	}
	return false
}

func (s Settings) bulkTable(table string) bool {
	for _, t := range s.BulkInsertTables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

// transientMatcher compiles TransientErrorPatterns into one case-insensitive expression.
func (s Settings) transientMatcher() (*regexp.Regexp, error) {
	if len(s.TransientErrorPatterns) == 0 {
		return nil, nil
	}
	parts := make([]string, len(s.TransientErrorPatterns))
	for i, p := range s.TransientErrorPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("transient error pattern %q: %w", p, err)
		}
		parts[i] = "(?:" + p + ")"
	}
	return regexp.Compile("(?i)" + strings.Join(parts, "|"))
}
