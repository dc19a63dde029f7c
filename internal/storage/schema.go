package storage

import (
	"context"
	"fmt"
)

// eventsTableDDL is the events table schema. One row per address of a
// cleaned event; custom keys are kept as a JSON string column.
const eventsTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
	id          String,
	rid         String,
	source      LowCardinality(String),
	restriction LowCardinality(String),
	confidence  LowCardinality(String),
	category    LowCardinality(String),
	time        DateTime('UTC'),
	expires     Nullable(DateTime('UTC')),
	name        String,
	fqdn        String,
	url         String,
	ip          String,
	cc          LowCardinality(String),
	asn         UInt32,
	rdns        String,
	origin      LowCardinality(String),
	proto       LowCardinality(String),
	custom      String,
	inserted_at DateTime DEFAULT now()
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(time)
ORDER BY (category, source, time, id)
TTL time + INTERVAL 2 YEAR
`

// EnsureSchema creates the events table if it does not exist.
func EnsureSchema(ctx context.Context, client *ClickHouseClient, table string) error {
	if err := client.Exec(ctx, fmt.Sprintf(eventsTableDDL, table)); err != nil {
		return &StorageError{Op: "EnsureSchema", Table: table, Err: err}
	}
	return nil
}
