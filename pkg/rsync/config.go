package rsync

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mitchellh/mapstructure"

	"github.com/conductorone/baton-rsync/pkg/dbsync"
)

// DecoderJSONRange is the only supported decoder: frames carry a JSON begin/end range.
const DecoderJSONRange = "JSON_RANGE"

// RegistrationConfig describes a table registered for frame driven reconciliation.
type RegistrationConfig struct {
	DecoderType        string        `json:"decoder_type" mapstructure:"decoder_type"`
	Table              string        `json:"table" mapstructure:"table"`
	Component          string        `json:"component" mapstructure:"component"`
	Index              string        `json:"index" mapstructure:"index"`
	LastEvent          string        `json:"last_event" mapstructure:"last_event"`
	ChecksumField      string        `json:"checksum_field" mapstructure:"checksum_field"`
	NoDataQuery        *dbsync.Query `json:"no_data_query_json" mapstructure:"no_data_query_json"`
	CountRangeQuery    *dbsync.Query `json:"count_range_query_json" mapstructure:"count_range_query_json"`
	RowDataQuery       *dbsync.Query `json:"row_data_query_json" mapstructure:"row_data_query_json"`
	RangeChecksumQuery *dbsync.Query `json:"range_checksum_query_json" mapstructure:"range_checksum_query_json"`
}

// StartConfig describes the initial whole-table comparison of a table.
type StartConfig struct {
	Table              string        `json:"table" mapstructure:"table"`
	Component          string        `json:"component" mapstructure:"component"`
	Index              string        `json:"index" mapstructure:"index"`
	LastEvent          string        `json:"last_event" mapstructure:"last_event"`
	ChecksumField      string        `json:"checksum_field" mapstructure:"checksum_field"`
	FirstQuery         *dbsync.Query `json:"first_query" mapstructure:"first_query"`
	LastQuery          *dbsync.Query `json:"last_query" mapstructure:"last_query"`
	RangeChecksumQuery *dbsync.Query `json:"range_checksum_query_json" mapstructure:"range_checksum_query_json"`
}

func ParseRegistrationConfig(data []byte) (RegistrationConfig, error) {
	var cfg RegistrationConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RegistrationConfig{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

func ParseStartConfig(data []byte) (StartConfig, error) {
	var cfg StartConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return StartConfig{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// DecodeRegistrationConfig converts an already decoded JSON object.
func DecodeRegistrationConfig(in map[string]any) (RegistrationConfig, error) {
	var cfg RegistrationConfig
	if err := decodeMap(in, &cfg); err != nil {
		return RegistrationConfig{}, err
	}
	return cfg, nil
}

// DecodeStartConfig converts an already decoded JSON object.
func DecodeStartConfig(in map[string]any) (StartConfig, error) {
	var cfg StartConfig
	if err := decodeMap(in, &cfg); err != nil {
		return StartConfig{}, err
	}
	return cfg, nil
}

func decodeMap(in map[string]any, out any) error {
	if in == nil {
		return fmt.Errorf("%w: empty configuration", ErrInvalidConfig)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func requireFields(fields map[string]string) error {
	missing := mapset.NewThreadUnsafeSet[string]()
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing.Add(name)
		}
	}
	if missing.Cardinality() > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidConfig, strings.Join(sorted(missing), ", "))
	}
	return nil
}

func requireQueries(queries map[string]*dbsync.Query) error {
	missing := mapset.NewThreadUnsafeSet[string]()
	for name, q := range queries {
		if q == nil {
			missing.Add(name)
		}
	}
	if missing.Cardinality() > 0 {
		return fmt.Errorf("%w: %s", ErrMissingQuery, strings.Join(sorted(missing), ", "))
	}
	return nil
}

func sorted(s mapset.Set[string]) []string {
	ret := s.ToSlice()
	slices.Sort(ret)
	return ret
}

func checkQuery(name string, q *dbsync.Query, params int) error {
	if err := q.Validate(params); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidQuery, name, err)
	}
	return nil
}

func (c RegistrationConfig) Validate() error {
	if c.DecoderType != "" && c.DecoderType != DecoderJSONRange {
		return fmt.Errorf("%w: %q", ErrUnsupportedDecoder, c.DecoderType)
	}
	if err := requireFields(map[string]string{
		"table":          c.Table,
		"component":      c.Component,
		"index":          c.Index,
		"last_event":     c.LastEvent,
		"checksum_field": c.ChecksumField,
	}); err != nil {
		return err
	}
	if err := requireQueries(map[string]*dbsync.Query{
		"no_data_query_json":        c.NoDataQuery,
		"count_range_query_json":    c.CountRangeQuery,
		"row_data_query_json":       c.RowDataQuery,
		"range_checksum_query_json": c.RangeChecksumQuery,
	}); err != nil {
		return err
	}
	if err := checkQuery("count_range_query_json", c.CountRangeQuery, 2); err != nil {
		return err
	}
	if err := checkQuery("range_checksum_query_json", c.RangeChecksumQuery, 2); err != nil {
		return err
	}
	if err := checkQuery("row_data_query_json", c.RowDataQuery, 1); err != nil {
		return err
	}
	// A blank no-data filter is replaced by a range filter over the index column.
	if c.NoDataQuery.Filter() == "" {
		return nil
	}
	return checkQuery("no_data_query_json", c.NoDataQuery, 2)
}

func (c StartConfig) Validate() error {
	if err := requireFields(map[string]string{
		"table":          c.Table,
		"component":      c.Component,
		"index":          c.Index,
		"checksum_field": c.ChecksumField,
	}); err != nil {
		return err
	}
	if err := requireQueries(map[string]*dbsync.Query{
		"first_query":               c.FirstQuery,
		"last_query":                c.LastQuery,
		"range_checksum_query_json": c.RangeChecksumQuery,
	}); err != nil {
		return err
	}
	if err := checkQuery("first_query", c.FirstQuery, 0); err != nil {
		return err
	}
	if err := checkQuery("last_query", c.LastQuery, 0); err != nil {
		return err
	}
	return checkQuery("range_checksum_query_json", c.RangeChecksumQuery, 2)
}
