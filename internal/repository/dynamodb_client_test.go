package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"teams-file-bot/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	queryOuts    []*dynamodb.QueryOutput
	queryErr     error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	queryInputs  []*dynamodb.QueryInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	idx := len(f.queryInputs) - 1
	if idx >= len(f.queryOuts) {
		return &dynamodb.QueryOutput{}, nil
	}
	return f.queryOuts[idx], nil
}

func sampleRef(userID string) domain.ConversationReference {
	return domain.ConversationReference{
		User:         &domain.ChannelAccount{ID: userID, Name: "Ann"},
		Bot:          &domain.ChannelAccount{ID: "28:bot"},
		Conversation: &domain.ConversationAccount{ID: "a:conv"},
		ChannelID:    "msteams",
		ServiceURL:   "https://smba.example/",
	}
}

func makeRefItem(t *testing.T, userID string) map[string]types.AttributeValue {
	t.Helper()
	raw, err := json.Marshal(sampleRef(userID))
	require.NoError(t, err)
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: pkDirectory},
		"SK":        &types.AttributeValueMemberS{Value: userSK(userID)},
		"userId":    &types.AttributeValueMemberS{Value: userID},
		"reference": &types.AttributeValueMemberS{Value: string(raw)},
	}
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestPutReference_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.PutReference(context.Background(), "29:ann", sampleRef("29:ann")))

	require.NotNil(t, db.lastPutInput)
	item := db.lastPutInput.Item
	require.Equal(t, "USER#29:ann", item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "Ann", item["userName"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "2026-03-01T12:00:00Z", item["updatedAt"].(*types.AttributeValueMemberS).Value)
}

func TestPutReference_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{putErr: errors.New("boom")})
	err := c.PutReference(context.Background(), "u", sampleRef("u"))
	require.ErrorContains(t, err, "boom")

	err = c.PutReference(context.Background(), "", sampleRef("u"))
	require.ErrorContains(t, err, "user id is required")
}

func TestGetReference(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeRefItem(t, "29:ann")}}
	c := mustNewClient(t, db)
	ref, ok, err := c.GetReference(context.Background(), "29:ann")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a:conv", ref.Conversation.ID)
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestGetReference_Missing(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, ok, err := c.GetReference(context.Background(), "x")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetReference_MalformedJSON(t *testing.T) {
	item := makeRefItem(t, "u")
	item["reference"] = &types.AttributeValueMemberS{Value: "{broken"}
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})
	_, _, err := c.GetReference(context.Background(), "u")
	require.ErrorContains(t, err, "decode")
}

func TestListReferences_Paginates(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{
			Items:            []map[string]types.AttributeValue{makeRefItem(t, "u1")},
			LastEvaluatedKey: map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: pkDirectory}},
		},
		{Items: []map[string]types.AttributeValue{makeRefItem(t, "u2")}},
	}}
	c := mustNewClient(t, db)
	refs, err := c.ListReferences(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Len(t, db.queryInputs, 2)
	require.Nil(t, db.queryInputs[0].ExclusiveStartKey)
	require.NotNil(t, db.queryInputs[1].ExclusiveStartKey)
}

func TestListReferences_QueryError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")})
	_, err := c.ListReferences(context.Background())
	require.ErrorContains(t, err, "ListReferences query")
}

func TestListReferences_MissingAttribute(t *testing.T) {
	item := makeRefItem(t, "u1")
	delete(item, "userId")
	c := mustNewClient(t, &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}}})
	_, err := c.ListReferences(context.Background())
	require.ErrorContains(t, err, "missing attribute")
}
