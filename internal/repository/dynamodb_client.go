package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"teams-file-bot/internal/domain"
)

const (
	pkDirectory   = "DIRECTORY"
	skPrefixUser  = "USER#"
	queryPageSize = 100
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client mirrors the conversation directory into a DynamoDB table.
// All references live in one partition; the sort key carries the user id.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func userSK(userID string) string {
	return skPrefixUser + userID
}

// PutReference writes or replaces the reference stored for userID.
func (c *Client) PutReference(ctx context.Context, userID string, ref domain.ConversationReference) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("repository: PutReference: user id is required")
	}
	raw, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("repository: PutReference marshal: %w", err)
	}

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: pkDirectory},
			"SK":        &types.AttributeValueMemberS{Value: userSK(userID)},
			"userId":    &types.AttributeValueMemberS{Value: userID},
			"userName":  &types.AttributeValueMemberS{Value: ref.UserName()},
			"reference": &types.AttributeValueMemberS{Value: string(raw)},
			"updatedAt": &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutReference: %w", err)
	}
	return nil
}

// GetReference loads the reference stored for userID. ok is false when absent.
func (c *Client) GetReference(ctx context.Context, userID string) (ref domain.ConversationReference, ok bool, err error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pkDirectory},
			"SK": &types.AttributeValueMemberS{Value: userSK(userID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationReference{}, false, fmt.Errorf("repository: GetReference get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationReference{}, false, nil
	}
	_, ref, err = itemToReference(out.Item)
	if err != nil {
		return domain.ConversationReference{}, false, fmt.Errorf("repository: GetReference decode: %w", err)
	}
	return ref, true, nil
}

// ListReferences pages through every stored reference.
func (c *Client) ListReferences(ctx context.Context) (map[string]domain.ConversationReference, error) {
	refs := make(map[string]domain.ConversationReference)
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pkDirectory},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixUser},
			},
			ExclusiveStartKey: startKey,
			Limit:             aws.Int32(queryPageSize),
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListReferences query: %w", err)
		}
		for _, item := range out.Items {
			userID, ref, err := itemToReference(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListReferences unmarshal: %w", err)
			}
			refs[userID] = ref
		}
		if len(out.LastEvaluatedKey) == 0 {
			return refs, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func itemToReference(item map[string]types.AttributeValue) (string, domain.ConversationReference, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return "", domain.ConversationReference{}, err
	}
	raw, err := strAttr(item, "reference")
	if err != nil {
		return "", domain.ConversationReference{}, err
	}
	var ref domain.ConversationReference
	if err := json.Unmarshal([]byte(raw), &ref); err != nil {
		return "", domain.ConversationReference{}, fmt.Errorf("repository: attribute %q: %w", "reference", err)
	}
	return userID, ref, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
