package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	appconfig "github.com/epw80/studyhall/pkg/config"
	"github.com/epw80/studyhall/pkg/storage"
)

const waitTimeout = 2 * time.Minute

func main() {
	recreate := flag.Bool("recreate", false, "delete and recreate the table when it exists")
	flag.Parse()

	ctx := context.Background()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := appconfig.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("initializing DynamoDB table",
		slog.String("endpoint", cfg.DynamoDBEndpoint),
		slog.String("region", cfg.DynamoDBRegion),
		slog.String("table", cfg.TableName))

	awsCfg, err := storage.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	client := storage.NewDynamoDBClient(awsCfg, cfg.DynamoDBEndpoint)
	schema := storage.GetTableSchema(cfg.TableName)

	if err := ensureTable(ctx, client, schema, *recreate, logger); err != nil {
		logger.Error("failed to create table", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := enableTTL(ctx, client, schema, logger); err != nil {
		logger.Error("failed to enable TTL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	output, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(schema.TableName),
	})
	if err != nil {
		logger.Error("failed to describe table", slog.String("error", err.Error()))
		os.Exit(1)
	}

	fmt.Printf("\nTable: %s\n", aws.ToString(output.Table.TableName))
	fmt.Printf("Status: %s\n", output.Table.TableStatus)
	fmt.Printf("\nPrimary Key:\n")
	fmt.Printf("  - Partition Key: %s (HASH)\n", schema.PartitionKey)
	fmt.Printf("  - Sort Key: %s (RANGE)\n", schema.SortKey)
	fmt.Printf("\nGlobal Secondary Indexes:\n")
	fmt.Printf("  1. %s (%s, %s)\n", schema.GSI1Name, schema.GSI1PartitionKey, schema.GSI1SortKey)
	fmt.Printf("  2. %s (%s, %s)\n", schema.GSI2Name, schema.GSI2PartitionKey, schema.GSI2SortKey)
	fmt.Printf("\nTTL attribute: %s\n", schema.TTLAttribute)
}

func ensureTable(ctx context.Context, client *dynamodb.Client, schema storage.TableSchema, recreate bool, logger *slog.Logger) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(schema.TableName),
	})
	var notFound *types.ResourceNotFoundException
	switch {
	case err == nil && !recreate:
		logger.Info("table already exists", slog.String("table", schema.TableName))
		return nil
	case err == nil:
		logger.Info("table already exists, deleting and recreating",
			slog.String("table", schema.TableName))
		if _, err := client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
			TableName: aws.String(schema.TableName),
		}); err != nil {
			return fmt.Errorf("failed to delete existing table: %w", err)
		}
		waiter := dynamodb.NewTableNotExistsWaiter(client)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(schema.TableName),
		}, waitTimeout); err != nil {
			return fmt.Errorf("failed waiting for table deletion: %w", err)
		}
	case !errors.As(err, &notFound):
		return fmt.Errorf("failed to describe table: %w", err)
	}

	logger.Info("creating DynamoDB table", slog.String("table", schema.TableName))

	stringAttr := func(name string) types.AttributeDefinition {
		return types.AttributeDefinition{
			AttributeName: aws.String(name),
			AttributeType: types.ScalarAttributeTypeS,
		}
	}
	keySchema := func(pk, sk string) []types.KeySchemaElement {
		return []types.KeySchemaElement{
			{AttributeName: aws.String(pk), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(sk), KeyType: types.KeyTypeRange},
		}
	}

	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(schema.TableName),
		AttributeDefinitions: []types.AttributeDefinition{
			stringAttr(schema.PartitionKey),
			stringAttr(schema.SortKey),
			stringAttr(schema.GSI1PartitionKey),
			stringAttr(schema.GSI1SortKey),
			stringAttr(schema.GSI2PartitionKey),
			stringAttr(schema.GSI2SortKey),
		},
		KeySchema: keySchema(schema.PartitionKey, schema.SortKey),
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName:  aws.String(schema.GSI1Name),
				KeySchema:  keySchema(schema.GSI1PartitionKey, schema.GSI1SortKey),
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName:  aws.String(schema.GSI2Name),
				KeySchema:  keySchema(schema.GSI2PartitionKey, schema.GSI2SortKey),
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(schema.TableName),
	}, waitTimeout); err != nil {
		return fmt.Errorf("failed waiting for table creation: %w", err)
	}
	logger.Info("table created", slog.String("table", schema.TableName))
	return nil
}

// enableTTL points the table's expiry at the TTL attribute. Items past
// their expiry are already hidden by the store; TTL reclaims the space.
func enableTTL(ctx context.Context, client *dynamodb.Client, schema storage.TableSchema, logger *slog.Logger) error {
	current, err := client.DescribeTimeToLive(ctx, &dynamodb.DescribeTimeToLiveInput{
		TableName: aws.String(schema.TableName),
	})
	if err == nil && current.TimeToLiveDescription != nil &&
		current.TimeToLiveDescription.TimeToLiveStatus == types.TimeToLiveStatusEnabled {
		return nil
	}

	_, err = client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(schema.TableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(schema.TTLAttribute),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return err
	}
	logger.Info("TTL enabled", slog.String("attribute", schema.TTLAttribute))
	return nil
}
