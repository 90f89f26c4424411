package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	appconfig "github.com/epw80/studyhall/pkg/config"
	"github.com/epw80/studyhall/pkg/keys"
)

// DynamoDBAPI is the subset of the DynamoDB client the store calls
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBStore implements Store on a single DynamoDB table
type DynamoDBStore struct {
	client DynamoDBAPI
	table  string
	logger *slog.Logger
	now    func() time.Time
}

// LoadAWSConfig builds the AWS configuration shared by every client
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	var awsCfg aws.Config
	var err error

	// If using local DynamoDB endpoint, configure with static credentials
	if cfg.DynamoDBEndpoint != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.DynamoDBRegion),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AWSAccessKey,
				cfg.AWSSecretKey,
				"",
			)),
		)
	} else {
		// Use default AWS credentials chain for production
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.DynamoDBRegion),
		)
	}
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// NewDynamoDBClient creates a DynamoDB client, pointed at the local endpoint when one is configured
func NewDynamoDBClient(awsCfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// NewDynamoDBStore creates a store over table. The caller decides whether to
// verify the table with HealthCheck.
func NewDynamoDBStore(client DynamoDBAPI, table string, logger *slog.Logger) *DynamoDBStore {
	if table == "" {
		table = DefaultTableName
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DynamoDBStore{
		client: client,
		table:  table,
		logger: logger,
		now:    time.Now,
	}
}

func keyAttributes(key keys.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPK: &types.AttributeValueMemberS{Value: key.PK},
		AttrSK: &types.AttributeValueMemberS{Value: key.SK},
	}
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// Get retrieves an item with a strongly consistent read
func (s *DynamoDBStore) Get(ctx context.Context, key keys.Key) (Item, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyAttributes(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		s.logger.Error("failed to get item",
			slog.String("error", err.Error()),
			slog.String("key", key.String()))
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	// TTL deletion lags expiry, so expired items are filtered here
	if out.Item == nil || Item(out.Item).expired(s.now()) {
		return nil, ErrNotFound
	}
	return Item(out.Item), nil
}

// Put writes the whole item
func (s *DynamoDBStore) Put(ctx context.Context, item Item, opts ...PutOption) error {
	key, err := item.Key()
	if err != nil {
		return err
	}
	o := collectPutOptions(opts)

	stored := item.clone()
	proj, err := projectionUpdates(keys.KindOf(key), nil, nil, stored)
	if err != nil {
		return err
	}
	for attr, v := range proj {
		stored[attr] = &types.AttributeValueMemberS{Value: v}
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      stored,
	}
	if o.ifNotExists {
		// an expired item that TTL has not removed yet may be replaced
		expr, err := expression.NewBuilder().WithCondition(s.absentCondition()).Build()
		if err != nil {
			return fmt.Errorf("failed to build expression: %w", err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		if isConditionFailure(err) {
			return ErrAlreadyExists
		}
		s.logger.Error("failed to put item",
			slog.String("error", err.Error()),
			slog.String("key", key.String()))
		return fmt.Errorf("failed to put item: %w", err)
	}

	s.logger.Debug("item saved",
		slog.String("key", key.String()),
		slog.String("entityType", stored.String(AttrEntityType)))
	return nil
}

func (s *DynamoDBStore) absentCondition() expression.ConditionBuilder {
	return expression.Or(
		expression.AttributeNotExists(expression.Name(AttrPK)),
		expression.LessThanEqual(expression.Name(AttrTTL), expression.Value(s.now().Unix())),
	)
}

// Update applies patch with a single UpdateItem call. When the patch
// changes a projection source field but not all of them, the missing fields
// are read first and pinned by equality conditions, so a concurrent change
// fails the write instead of producing stale projection keys.
func (s *DynamoDBStore) Update(ctx context.Context, key keys.Key, patch *Patch) (Item, error) {
	if patch == nil || patch.empty() {
		return nil, ErrEmptyPatch
	}

	conds := append([]Condition(nil), patch.conds...)
	proj, pinned, err := s.projectionForUpdate(ctx, key, patch)
	if err != nil {
		return nil, err
	}
	conds = append(conds, pinned...)

	update := buildUpdate(patch, proj)
	builder := expression.NewBuilder().WithUpdate(update)
	if len(conds) > 0 {
		cond, err := buildCondition(conds)
		if err != nil {
			return nil, err
		}
		builder = builder.WithCondition(cond)
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyAttributes(key),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	}
	if len(conds) > 0 {
		input.ConditionExpression = expr.Condition()
	}

	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionFailure(err) {
			return nil, ErrConditionFailed
		}
		s.logger.Error("failed to update item",
			slog.String("error", err.Error()),
			slog.String("key", key.String()))
		return nil, fmt.Errorf("failed to update item: %w", err)
	}
	return Item(out.Attributes), nil
}

func (s *DynamoDBStore) projectionForUpdate(ctx context.Context, key keys.Key, patch *Patch) (map[string]string, []Condition, error) {
	kind := keys.KindOf(key)
	changed := patch.setNames()

	var needed []string
	for _, p := range keys.ProjectionsFor(kind) {
		if !p.Touches(changed...) {
			continue
		}
		for _, f := range p.Fields {
			if _, ok := patch.set[f]; !ok && !containsString(needed, f) {
				needed = append(needed, f)
			}
		}
	}

	values := make(map[string]string, len(patch.set))
	for name, v := range patch.set {
		values[name] = fieldText(v)
	}

	var current Item
	var pinned []Condition
	if len(needed) > 0 {
		out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.table),
			Key:            keyAttributes(key),
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read projection fields: %w", err)
		}
		current = Item(out.Item)
		for _, f := range needed {
			if av, ok := current[f]; ok {
				pinned = append(pinned, Equals(f, rawValue{av}))
			}
		}
	}

	proj, err := projectionUpdates(kind, changed, values, current)
	if err != nil {
		return nil, nil, err
	}
	return proj, pinned, nil
}

func buildUpdate(p *Patch, proj map[string]string) expression.UpdateBuilder {
	var ub expression.UpdateBuilder
	for _, name := range sortedKeys(p.set) {
		ub = ub.Set(expression.Name(name), expression.Value(p.set[name]))
	}
	for _, name := range sortedKeys(p.setIfAbsent) {
		ub = ub.Set(expression.Name(name),
			expression.Name(name).IfNotExists(expression.Value(p.setIfAbsent[name])))
	}
	for _, name := range sortedKeys(proj) {
		ub = ub.Set(expression.Name(name), expression.Value(proj[name]))
	}
	for _, name := range sortedKeys(p.add) {
		ub = ub.Add(expression.Name(name), expression.Value(p.add[name]))
	}
	for _, name := range sortedKeys(p.addToSet) {
		ub = ub.Add(expression.Name(name), expression.Value(stringSet(p.addToSet[name])))
	}
	for _, name := range sortedKeys(p.deleteFromSet) {
		ub = ub.Delete(expression.Name(name), expression.Value(stringSet(p.deleteFromSet[name])))
	}
	for _, name := range p.remove {
		ub = ub.Remove(expression.Name(name))
	}
	return ub
}

func buildCondition(conds []Condition) (expression.ConditionBuilder, error) {
	built := make([]expression.ConditionBuilder, 0, len(conds))
	for _, c := range conds {
		b, err := conditionExpression(c)
		if err != nil {
			return expression.ConditionBuilder{}, err
		}
		built = append(built, b)
	}
	if len(built) == 1 {
		return built[0], nil
	}
	return expression.And(built[0], built[1], built[2:]...), nil
}

func conditionExpression(c Condition) (expression.ConditionBuilder, error) {
	name := expression.Name(c.name)
	switch c.op {
	case opExists:
		return expression.AttributeExists(name), nil
	case opNotExists:
		return expression.AttributeNotExists(name), nil
	case opEquals:
		return expression.Equal(name, expression.Value(c.value)), nil
	case opNotEquals:
		return expression.NotEqual(name, expression.Value(c.value)), nil
	case opLessThan:
		return expression.LessThan(name, expression.Value(c.value)), nil
	case opContains:
		return expression.Contains(name, fieldText(c.value)), nil
	case opNotContains:
		return expression.Not(expression.Contains(name, fieldText(c.value))), nil
	case opAnyOf:
		if len(c.any) == 0 {
			return expression.ConditionBuilder{}, errors.New("empty AnyOf condition")
		}
		subs := make([]expression.ConditionBuilder, 0, len(c.any))
		for _, sub := range c.any {
			b, err := conditionExpression(sub)
			if err != nil {
				return expression.ConditionBuilder{}, err
			}
			subs = append(subs, b)
		}
		if len(subs) == 1 {
			return subs[0], nil
		}
		return expression.Or(subs[0], subs[1], subs[2:]...), nil
	}
	return expression.ConditionBuilder{}, fmt.Errorf("unknown condition op %d", c.op)
}

// Delete removes an item
func (s *DynamoDBStore) Delete(ctx context.Context, key keys.Key, conds ...Condition) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       keyAttributes(key),
	}
	if len(conds) > 0 {
		cond, err := buildCondition(conds)
		if err != nil {
			return err
		}
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return fmt.Errorf("failed to build expression: %w", err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	if _, err := s.client.DeleteItem(ctx, input); err != nil {
		if isConditionFailure(err) {
			return ErrConditionFailed
		}
		s.logger.Error("failed to delete item",
			slog.String("error", err.Error()),
			slog.String("key", key.String()))
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

// QueryByPartition queries the base table
func (s *DynamoDBStore) QueryByPartition(ctx context.Context, partitionKey string, opts QueryOptions) (*Page, error) {
	scope := queryScope{Partition: partitionKey, Prefix: opts.SortKeyPrefix, Descending: opts.Descending}
	return s.query(ctx, scope, AttrPK, AttrSK, opts)
}

// QueryByIndex queries a global secondary index
func (s *DynamoDBStore) QueryByIndex(ctx context.Context, index, partitionKey string, opts QueryOptions) (*Page, error) {
	pkAttr, skAttr, err := keys.IndexAttributes(index)
	if err != nil {
		return nil, err
	}
	scope := queryScope{Index: index, Partition: partitionKey, Prefix: opts.SortKeyPrefix, Descending: opts.Descending}
	return s.query(ctx, scope, pkAttr, skAttr, opts)
}

// query pages through DynamoDB until limit live items are collected. The
// TTL filter runs after DynamoDB applies its own Limit, so one request may
// return fewer items than asked for.
func (s *DynamoDBStore) query(ctx context.Context, scope queryScope, pkAttr, skAttr string, opts QueryOptions) (*Page, error) {
	last, err := decodeCursor(opts.Cursor, scope)
	if err != nil {
		return nil, err
	}

	keyCond := expression.Key(pkAttr).Equal(expression.Value(scope.Partition))
	if scope.Prefix != "" {
		keyCond = keyCond.And(expression.Key(skAttr).BeginsWith(scope.Prefix))
	}
	live := expression.Or(
		expression.AttributeNotExists(expression.Name(AttrTTL)),
		expression.GreaterThan(expression.Name(AttrTTL), expression.Value(s.now().Unix())),
	)
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).WithFilter(live).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	limit := opts.limit()
	page := &Page{Items: make([]Item, 0, limit)}
	exclusiveStart := startKey(last)

	for {
		input := &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          aws.Bool(!scope.Descending),
			Limit:                     aws.Int32(int32(limit - len(page.Items))),
			ExclusiveStartKey:         exclusiveStart,
		}
		if scope.Index != "" {
			input.IndexName = aws.String(scope.Index)
		}

		out, err := s.client.Query(ctx, input)
		if err != nil {
			s.logger.Error("failed to query items",
				slog.String("error", err.Error()),
				slog.String("index", scope.Index),
				slog.String("partition", scope.Partition))
			return nil, fmt.Errorf("failed to query items: %w", err)
		}
		for _, it := range out.Items {
			page.Items = append(page.Items, Item(it))
		}

		if out.LastEvaluatedKey == nil {
			break
		}
		if len(page.Items) >= limit {
			page.NextCursor, err = encodeCursor(scope, page.Items[len(page.Items)-1])
			if err != nil {
				return nil, err
			}
			break
		}
		exclusiveStart = out.LastEvaluatedKey
	}

	s.logger.Debug("queried items",
		slog.String("index", scope.Index),
		slog.String("partition", scope.Partition),
		slog.Int("count", len(page.Items)))
	return page, nil
}

// HealthCheck verifies DynamoDB is accessible
func (s *DynamoDBStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return fmt.Errorf("DynamoDB health check failed: %w", err)
	}
	return nil
}

// Table returns the table name the store writes to.
func (s *DynamoDBStore) Table() string {
	return s.table
}
