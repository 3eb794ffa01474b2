// Package dynamodb implements idempotent.Store on Amazon DynamoDB.
//
// Records live in a table with a string partition key. The expiration attribute
// holds Unix seconds so it can serve as the table's native TTL attribute; the
// in-progress expiration holds Unix milliseconds. A record that never expires has
// no expiration attribute. Responses are binary attributes. Every write is guarded by a
// condition expression.
package dynamodb

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"

	"github.com/velmie/idempotent"
)

// Attribute names of a stored record.
const (
	DefaultKeyAttr                  = "id"
	DefaultExpiryAttr               = "expiration"
	DefaultInProgressExpiryAttr     = "in_progress_expiration"
	DefaultStatusAttr               = "status"
	DefaultDataAttr                 = "data"
	DefaultValidationAttr           = "validation"
	DefaultTokenAttr                = "token"
	DefaultTableName                = "idempotency"
	conditionalCheckFailedErrorCode = dynamodb.ErrCodeConditionalCheckFailedException
)

// Options configures the store.
type Options struct {
	TableName            string
	KeyAttr              string
	ExpiryAttr           string
	InProgressExpiryAttr string
	StatusAttr           string
	DataAttr             string
	ValidationAttr       string
	TokenAttr            string
}

// Option modifies Options.
type Option func(*Options)

// WithTableName sets the table name.
func WithTableName(name string) Option {
	return func(o *Options) {
		o.TableName = name
	}
}

// WithKeyAttr sets the partition key attribute name.
func WithKeyAttr(name string) Option {
	return func(o *Options) {
		o.KeyAttr = name
	}
}

// WithExpiryAttr sets the attribute holding the record expiration (Unix seconds).
func WithExpiryAttr(name string) Option {
	return func(o *Options) {
		o.ExpiryAttr = name
	}
}

// WithStatusAttr sets the status attribute name.
func WithStatusAttr(name string) Option {
	return func(o *Options) {
		o.StatusAttr = name
	}
}

// WithDataAttr sets the attribute holding the stored response.
func WithDataAttr(name string) Option {
	return func(o *Options) {
		o.DataAttr = name
	}
}

// Store keeps records in a DynamoDB table.
type Store struct {
	api  API
	opts Options
}

// New creates a store. The table must exist with a string partition key named after KeyAttr.
func New(api API, opts ...Option) *Store {
	o := Options{
		TableName:            DefaultTableName,
		KeyAttr:              DefaultKeyAttr,
		ExpiryAttr:           DefaultExpiryAttr,
		InProgressExpiryAttr: DefaultInProgressExpiryAttr,
		StatusAttr:           DefaultStatusAttr,
		DataAttr:             DefaultDataAttr,
		ValidationAttr:       DefaultValidationAttr,
		TokenAttr:            DefaultTokenAttr,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{api: api, opts: o}
}

func (s *Store) Get(ctx context.Context, key string) (*idempotent.Record, error) {
	out, err := s.api.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.opts.TableName),
		Key:            s.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot get item")
	}
	if len(out.Item) == 0 {
		return nil, idempotent.ErrRecordNotFound
	}
	return s.decode(key, out.Item)
}

func (s *Store) PutIfAbsentOrExpired(ctx context.Context, rec *idempotent.Record, now time.Time) error {
	item := s.key(rec.Key)
	item[s.opts.StatusAttr] = &dynamodb.AttributeValue{S: aws.String(string(rec.Status))}
	if !rec.ExpiresAt.IsZero() {
		item[s.opts.ExpiryAttr] = number(rec.ExpiresAt.Unix())
	}
	if !rec.InProgressExpiresAt.IsZero() {
		item[s.opts.InProgressExpiryAttr] = number(rec.InProgressExpiresAt.UnixMilli())
	}
	if rec.PayloadHash != "" {
		item[s.opts.ValidationAttr] = &dynamodb.AttributeValue{S: aws.String(rec.PayloadHash)}
	}
	if rec.Token != "" {
		item[s.opts.TokenAttr] = &dynamodb.AttributeValue{S: aws.String(rec.Token)}
	}

	_, err := s.api.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.opts.TableName),
		Item:      item,
		ConditionExpression: aws.String(
			"attribute_not_exists(#id) OR #expiry <= :now OR " +
				"(#status = :inprogress AND attribute_exists(#in_progress_expiry) AND #in_progress_expiry <= :now_ms)",
		),
		ExpressionAttributeNames: map[string]*string{
			"#id":                 aws.String(s.opts.KeyAttr),
			"#expiry":             aws.String(s.opts.ExpiryAttr),
			"#status":             aws.String(s.opts.StatusAttr),
			"#in_progress_expiry": aws.String(s.opts.InProgressExpiryAttr),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":now":        number(now.Unix()),
			":now_ms":     number(now.UnixMilli()),
			":inprogress": {S: aws.String(string(idempotent.StatusInProgress))},
		},
	})
	if isConditionalCheckFailed(err) {
		return idempotent.ErrSlotHeld
	}
	if err != nil {
		return errors.Wrap(err, "cannot put item")
	}
	return nil
}

func (s *Store) CompleteRecord(ctx context.Context, key, token string, response []byte, expiresAt time.Time) error {
	condition := "#status = :inprogress"
	names := map[string]*string{
		"#status":             aws.String(s.opts.StatusAttr),
		"#data":               aws.String(s.opts.DataAttr),
		"#expiry":             aws.String(s.opts.ExpiryAttr),
		"#in_progress_expiry": aws.String(s.opts.InProgressExpiryAttr),
	}
	values := map[string]*dynamodb.AttributeValue{
		":inprogress": {S: aws.String(string(idempotent.StatusInProgress))},
		":completed":  {S: aws.String(string(idempotent.StatusCompleted))},
		":data":       {B: append([]byte{}, response...)},
	}
	update := "SET #status = :completed, #data = :data, #expiry = :expiry REMOVE #in_progress_expiry"
	if expiresAt.IsZero() {
		update = "SET #status = :completed, #data = :data REMOVE #in_progress_expiry, #expiry"
	} else {
		values[":expiry"] = number(expiresAt.Unix())
	}
	if token != "" {
		condition += " AND #token = :token"
		names["#token"] = aws.String(s.opts.TokenAttr)
		values[":token"] = &dynamodb.AttributeValue{S: aws.String(token)}
	}

	_, err := s.api.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.opts.TableName),
		Key:                       s.key(key),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if isConditionalCheckFailed(err) {
		return idempotent.ErrRecordNotFound
	}
	if err != nil {
		return errors.Wrap(err, "cannot update item")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key, token string) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(s.opts.TableName),
		Key:       s.key(key),
	}
	if token != "" {
		input.ConditionExpression = aws.String("#token = :token")
		input.ExpressionAttributeNames = map[string]*string{"#token": aws.String(s.opts.TokenAttr)}
		input.ExpressionAttributeValues = map[string]*dynamodb.AttributeValue{":token": {S: aws.String(token)}}
	}
	_, err := s.api.DeleteItemWithContext(ctx, input)
	if err != nil && !isConditionalCheckFailed(err) {
		return errors.Wrap(err, "cannot delete item")
	}
	return nil
}

func (s *Store) key(key string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		s.opts.KeyAttr: {S: aws.String(key)},
	}
}

func (s *Store) decode(key string, item map[string]*dynamodb.AttributeValue) (*idempotent.Record, error) {
	rec := &idempotent.Record{
		Key:         key,
		Status:      idempotent.Status(stringAttr(item[s.opts.StatusAttr])),
		PayloadHash: stringAttr(item[s.opts.ValidationAttr]),
		Token:       stringAttr(item[s.opts.TokenAttr]),
	}
	if v, ok := item[s.opts.DataAttr]; ok {
		switch {
		case v.B != nil:
			rec.Response = v.B
		case v.S != nil:
			// records written as strings before responses were stored as binary
			rec.Response = []byte(*v.S)
		}
	}
	expiry, err := numberAttr(item[s.opts.ExpiryAttr])
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s attribute", s.opts.ExpiryAttr)
	}
	if expiry != 0 {
		rec.ExpiresAt = time.Unix(expiry, 0)
	}
	inProgress, err := numberAttr(item[s.opts.InProgressExpiryAttr])
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s attribute", s.opts.InProgressExpiryAttr)
	}
	if inProgress != 0 {
		rec.InProgressExpiresAt = time.UnixMilli(inProgress)
	}
	return rec, nil
}

func isConditionalCheckFailed(err error) bool {
	var awsErr awserr.Error
	return errors.As(err, &awsErr) && awsErr.Code() == conditionalCheckFailedErrorCode
}

func number(v int64) *dynamodb.AttributeValue {
	return &dynamodb.AttributeValue{N: aws.String(strconv.FormatInt(v, 10))}
}

func stringAttr(v *dynamodb.AttributeValue) string {
	if v == nil || v.S == nil {
		return ""
	}
	return *v.S
}

func numberAttr(v *dynamodb.AttributeValue) (int64, error) {
	if v == nil || v.N == nil {
		return 0, nil
	}
	return strconv.ParseInt(*v.N, 10, 64)
}
