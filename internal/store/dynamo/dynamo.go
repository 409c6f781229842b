// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package dynamo implements the persistence backend on AWS DynamoDB.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wneessen/vendorloc/internal/geo"
	"github.com/wneessen/vendorloc/internal/store"
)

const name = "dynamodb"

// API is the subset of the DynamoDB client the backend uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Backend stores saved positions and the seller history in two DynamoDB tables.
type Backend struct {
	name           string
	client         API
	positionsTable string
	historyTable   string
}

// positionItem is keyed by "pk", which combines the user ID and the role.
type positionItem struct {
	PK         string    `dynamodbav:"pk"`
	UserID     string    `dynamodbav:"user_id"`
	Role       string    `dynamodbav:"role"`
	Latitude   float64   `dynamodbav:"latitude"`
	Longitude  float64   `dynamodbav:"longitude"`
	Provenance string    `dynamodbav:"provenance,omitempty"`
	UpdatedAt  time.Time `dynamodbav:"updated_at"`
}

type historyItem struct {
	ID        string    `dynamodbav:"id"`
	SellerID  string    `dynamodbav:"seller_id"`
	Latitude  float64   `dynamodbav:"latitude"`
	Longitude float64   `dynamodbav:"longitude"`
	Timestamp time.Time `dynamodbav:"timestamp"`
}

// New loads the default AWS configuration for region and returns a Backend.
func New(ctx context.Context, region, positionsTable, historyTable string) (*Backend, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewWithClient(dynamodb.NewFromConfig(cfg), positionsTable, historyTable), nil
}

// NewWithClient returns a Backend using client.
func NewWithClient(client API, positionsTable, historyTable string) *Backend {
	return &Backend{
		name:           name,
		client:         client,
		positionsTable: positionsTable,
		historyTable:   historyTable,
	}
}

func (b *Backend) Name() string {
	return b.name
}

// ReadLastPosition reads the saved position of the user in the given role.
func (b *Backend) ReadLastPosition(ctx context.Context, userID string, role store.Role) (*store.Record, error) {
	if err := store.ValidateKey(userID, role); err != nil {
		return nil, err
	}

	result, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.positionsTable),
		Key: map[string]dynamodbtypes.AttributeValue{
			"pk": &dynamodbtypes.AttributeValueMemberS{Value: positionKey(userID, role)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get saved position: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var item positionItem
	if err = attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saved position: %w", err)
	}
	return &store.Record{
		Position:   geo.Position{Latitude: item.Latitude, Longitude: item.Longitude},
		Provenance: geo.ParseProvenance(item.Provenance),
		UpdatedAt:  item.UpdatedAt,
	}, nil
}

// WritePosition overwrites the saved position of the user in the given role.
func (b *Backend) WritePosition(ctx context.Context, userID string, role store.Role, record store.Record) error {
	if err := store.ValidateKey(userID, role); err != nil {
		return err
	}

	item := positionItem{
		PK:        positionKey(userID, role),
		UserID:    userID,
		Role:      string(role),
		Latitude:  record.Position.Latitude,
		Longitude: record.Position.Longitude,
		UpdatedAt: record.UpdatedAt.UTC(),
	}
	if record.Provenance != geo.ProvenanceUnknown {
		item.Provenance = record.Provenance.String()
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	if _, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.positionsTable),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("failed to put position: %w", err)
	}
	return nil
}

// AppendHistory inserts a seller history entry. Existing entries are never overwritten.
func (b *Backend) AppendHistory(ctx context.Context, entry store.HistoryEntry) error {
	if strings.TrimSpace(entry.SellerID) == "" {
		return store.ErrEmptyUser
	}

	av, err := attributevalue.MarshalMap(historyItem{
		ID:        entry.ID,
		SellerID:  entry.SellerID,
		Latitude:  entry.Position.Latitude,
		Longitude: entry.Position.Longitude,
		Timestamp: entry.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	_, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(b.historyTable),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var condErr *dynamodbtypes.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("failed to put history entry: %w: %w", store.ErrRejected, err)
		}
		return fmt.Errorf("failed to put history entry: %w", err)
	}
	return nil
}

func positionKey(userID string, role store.Role) string {
	return userID + "#" + string(role)
}
