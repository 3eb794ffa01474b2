package config

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	awsdynamodb "github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/velmie/idempotent"
	"github.com/velmie/idempotent/dynamodb"
	"github.com/velmie/idempotent/memory"
	"github.com/velmie/idempotent/natskv"
	"github.com/velmie/idempotent/natskv/conn"
	"github.com/velmie/idempotent/postgres"
	"github.com/velmie/idempotent/sqlite"
)

// DefaultBucket is the NATS key/value bucket used when none is configured.
const DefaultBucket = "idempotency"

// CloseFunc releases resources held by an opened store.
type CloseFunc func() error

// OpenStore connects to the configured backend.
func OpenStore(ctx context.Context, c StoreConfig) (idempotent.Store, CloseFunc, error) {
	switch c.Type {
	case StoreMemory:
		s := memory.New()
		return s, s.Close, nil

	case StoreSQLite:
		var opts []sqlite.Option
		if c.SQLite.Table != "" {
			opts = append(opts, sqlite.WithTable(c.SQLite.Table))
		}
		s, err := sqlite.Open(ctx, c.SQLite.Path, opts...)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case StorePostgres:
		pool, err := pgxpool.New(ctx, c.Postgres.DSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "cannot create postgres pool")
		}
		closer := func() error {
			pool.Close()
			return nil
		}
		var opts []postgres.Option
		if c.Postgres.Table != "" {
			opts = append(opts, postgres.WithTable(c.Postgres.Table))
		}
		s := postgres.New(pool, opts...)
		if c.Postgres.EnsureSchema {
			if err = s.EnsureSchema(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return s, closer, nil

	case StoreDynamoDB:
		awsCfg := aws.NewConfig()
		if c.DynamoDB.Region != "" {
			awsCfg = awsCfg.WithRegion(c.DynamoDB.Region)
		}
		if c.DynamoDB.Endpoint != "" {
			awsCfg = awsCfg.WithEndpoint(c.DynamoDB.Endpoint)
		}
		sess, err := session.NewSession(awsCfg)
		if err != nil {
			return nil, nil, errors.Wrap(err, "cannot create AWS session")
		}
		var opts []dynamodb.Option
		if c.DynamoDB.Table != "" {
			opts = append(opts, dynamodb.WithTableName(c.DynamoDB.Table))
		}
		return dynamodb.New(awsdynamodb.New(sess), opts...), func() error { return nil }, nil

	case StoreNATSKV:
		var opts []conn.Option
		if c.NATSKV.URL != "" {
			opts = append(opts, conn.URL(c.NATSKV.URL))
		}
		nc, err := conn.Establish(opts...)
		if err != nil {
			return nil, nil, err
		}
		bucket := c.NATSKV.Bucket
		if bucket == "" {
			bucket = DefaultBucket
		}
		kv, err := nc.Bucket(ctx, bucket, c.NATSKV.TTL)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return natskv.New(kv), nc.Drain, nil
	}
	return nil, nil, errors.Errorf("unknown store type %q", c.Type)
}
