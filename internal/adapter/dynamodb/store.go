// Package dynamodb stores tagged locations in an Amazon DynamoDB table.
package dynamodb

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/couchcryptid/location-acquisition-service/internal/domain"
)

// putItemAPI is the subset of *dynamodb.Client used by Store.
type putItemAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Store implements domain.TagStore. Items are keyed by the tag ID.
type Store struct {
	client    putItemAPI
	tableName string
	logger    *slog.Logger
}

// NewStore builds a client from the default AWS credential chain
// (environment, shared config, instance role).
func NewStore(ctx context.Context, tableName string, logger *slog.Logger) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewStoreWithClient(dynamodb.NewFromConfig(awsCfg), tableName, logger), nil
}

// NewStoreWithClient wraps an existing DynamoDB client.
func NewStoreWithClient(client putItemAPI, tableName string, logger *slog.Logger) *Store {
	return &Store{client: client, tableName: tableName, logger: logger}
}

// Save writes the tag, replacing any item with the same ID.
func (s *Store) Save(ctx context.Context, tag domain.TaggedLocation) error {
	item, err := attributevalue.MarshalMap(tag)
	if err != nil {
		return fmt.Errorf("marshal tagged location: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put tagged location %s: %w", tag.ID, err)
	}
	s.logger.Debug("tagged location stored", "id", tag.ID, "table", s.tableName)
	return nil
}
