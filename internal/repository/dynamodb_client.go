package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"assistant-relay/internal/domain"
)

const (
	attrUserID    = "userId"
	attrThreadID  = "threadId"
	attrCreatedAt = "createdAt"
	attrID        = "id"
	attrMessages  = "messages"
	attrRole      = "role"
	attrMessage   = "message"
	attrRating    = "rating"
	attrUpdatedAt = "updatedAt"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client wraps the thread directory table (userId -> threadId) and the
// conversation history table (id -> messages, rating).
type Client struct {
	api          dynamodbAPI
	threadTable  string
	historyTable string
	now          func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, threadTable, historyTable string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(threadTable) == "" {
		return nil, errors.New("repository: thread table name must not be empty")
	}
	if strings.TrimSpace(historyTable) == "" {
		return nil, errors.New("repository: history table name must not be empty")
	}
	return &Client{api: api, threadTable: threadTable, historyTable: historyTable, now: time.Now}, nil
}

// GetThread returns the subject's thread record. ok is false when none exists.
func (c *Client) GetThread(ctx context.Context, userID string) (rec domain.ThreadRecord, ok bool, err error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.threadTable),
		Key:            userKey(userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ThreadRecord{}, false, fmt.Errorf("repository: GetThread get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ThreadRecord{}, false, nil
	}

	rec, err = itemToThread(out.Item)
	if err != nil {
		return domain.ThreadRecord{}, false, fmt.Errorf("repository: GetThread decode: %w", err)
	}
	return rec, true, nil
}

// CreateThread stores a new userId -> threadId mapping. It refuses to
// overwrite an existing record and returns domain.ErrThreadExists instead.
func (c *Client) CreateThread(ctx context.Context, rec domain.ThreadRecord) error {
	if rec.UserID == "" || rec.ThreadID == "" {
		return errors.New("repository: CreateThread: user id and thread id are required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now()
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.threadTable),
		Item:                threadItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(" + attrUserID + ")"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return domain.ErrThreadExists
		}
		return fmt.Errorf("repository: CreateThread: %w", err)
	}
	return nil
}

// DeleteThread removes the subject's thread record. Deleting a missing
// record is not an error.
func (c *Client) DeleteThread(ctx context.Context, userID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.threadTable),
		Key:       userKey(userID),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteThread: %w", err)
	}
	return nil
}

// SaveHistory replaces the transcript stored under messageID. The rating
// attribute of an existing record is preserved.
func (c *Client) SaveHistory(ctx context.Context, messageID string, messages []domain.HistoryMessage) error {
	if strings.TrimSpace(messageID) == "" {
		return errors.New("repository: SaveHistory: message id is required")
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.historyTable),
		Key:              idKey(messageID),
		UpdateExpression: aws.String("SET #messages = :messages, #updatedAt = :updatedAt"),
		ExpressionAttributeNames: map[string]string{
			"#messages":  attrMessages,
			"#updatedAt": attrUpdatedAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":messages":  messagesAttr(messages),
			":updatedAt": &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveHistory: %w", err)
	}
	return nil
}

// IncrementRating atomically adds delta to the rating counter of messageID,
// creating the counter at zero first, and returns the new value.
func (c *Client) IncrementRating(ctx context.Context, messageID string, delta int) (int, error) {
	if strings.TrimSpace(messageID) == "" {
		return 0, errors.New("repository: IncrementRating: message id is required")
	}

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.historyTable),
		Key:                      idKey(messageID),
		UpdateExpression:         aws.String("SET #rating = if_not_exists(#rating, :zero) + :inc"),
		ExpressionAttributeNames: map[string]string{"#rating": attrRating},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inc":  &types.AttributeValueMemberN{Value: strconv.Itoa(delta)},
			":zero": &types.AttributeValueMemberN{Value: "0"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: IncrementRating: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return 0, nil
	}

	rating, err := intAttr(out.Attributes, attrRating)
	if err != nil {
		return 0, fmt.Errorf("repository: IncrementRating decode rating: %w", err)
	}
	return rating, nil
}

func userKey(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrUserID: &types.AttributeValueMemberS{Value: userID},
	}
}

func idKey(messageID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrID: &types.AttributeValueMemberS{Value: messageID},
	}
}

func threadItem(rec domain.ThreadRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrUserID:    &types.AttributeValueMemberS{Value: rec.UserID},
		attrThreadID:  &types.AttributeValueMemberS{Value: rec.ThreadID},
		attrCreatedAt: &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(time.RFC3339)},
	}
}

// itemToThread converts a DynamoDB attribute map to a ThreadRecord.
func itemToThread(item map[string]types.AttributeValue) (domain.ThreadRecord, error) {
	userID, err := strAttr(item, attrUserID)
	if err != nil {
		return domain.ThreadRecord{}, err
	}
	threadID, err := strAttr(item, attrThreadID)
	if err != nil {
		return domain.ThreadRecord{}, err
	}
	if threadID == "" {
		return domain.ThreadRecord{}, fmt.Errorf("repository: attribute %q is empty", attrThreadID)
	}

	rec := domain.ThreadRecord{UserID: userID, ThreadID: threadID}
	// Records written before createdAt existed have no timestamp.
	if created, err := strAttr(item, attrCreatedAt); err == nil {
		if ts, err := time.Parse(time.RFC3339, created); err == nil {
			rec.CreatedAt = ts
		}
	}
	return rec, nil
}

func messagesAttr(messages []domain.HistoryMessage) types.AttributeValue {
	list := make([]types.AttributeValue, 0, len(messages))
	for _, m := range messages {
		list = append(list, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			attrRole:    &types.AttributeValueMemberS{Value: m.Role},
			attrMessage: &types.AttributeValueMemberS{Value: m.Message},
		}})
	}
	return &types.AttributeValueMemberL{Value: list}
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

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
