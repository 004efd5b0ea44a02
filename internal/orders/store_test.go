package orders

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOrder(id string, created time.Time) Order {
	return Order{
		ID:            id,
		OrderNumber:   "ORD-" + id,
		RestaurantID:  "rest-1",
		CustomerID:    "cust-1",
		CustomerName:  "Ada",
		CustomerPhone: "555-0100",
		CustomerEmail: "Ada@Example.com",
		Items:         []map[string]any{{"name": "Burger", "price": 10.0, "quantity": 2.0}},
		DeliveryAddress: map[string]any{
			"street": "1 Main St",
		},
		Subtotal:    20,
		DeliveryFee: 2.5,
		Total:       22.5,
		Status:      StatusPendingPayment,
		StatusHistory: []StatusHistoryEntry{
			{Status: StatusPendingPayment, Timestamp: created},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestDynamoStore_CreateAndGet(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	now := time.Now().UTC()

	require.NoError(t, store.Create(context.Background(), sampleOrder("o-1", now)))

	stored := mock.tables["orders"]["o-1"]
	require.NotNil(t, stored)
	assert.Equal(t, "ada@example.com", stored["customer_email_key"].(*types.AttributeValueMemberS).Value)

	got, err := store.Get(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", got.ID)
	assert.Equal(t, StatusPendingPayment, got.Status)
	assert.Len(t, got.StatusHistory, 1)
	assert.Equal(t, 22.5, got.Total)
	assert.Equal(t, "Burger", got.Items[0]["name"])
	assert.True(t, got.CreatedAt.Equal(now))
}

func TestDynamoStore_CreateDuplicate(t *testing.T) {
	store := NewStore(newMockDynamo(), "orders")
	now := time.Now()
	require.NoError(t, store.Create(context.Background(), sampleOrder("o-1", now)))

	err := store.Create(context.Background(), sampleOrder("o-1", now))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestDynamoStore_GetMissing(t *testing.T) {
	store := NewStore(newMockDynamo(), "orders")
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoStore_ApplyStatusChange(t *testing.T) {
	store := NewStore(newMockDynamo(), "orders")
	created := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Create(context.Background(), sampleOrder("o-1", created)))

	at := time.Now().UTC()
	got, err := store.ApplyStatusChange(context.Background(), "o-1", StatusChange{
		Status:     StatusConfirmed,
		Entry:      StatusHistoryEntry{Status: StatusConfirmed, Note: "paid", Timestamp: at},
		StampField: StampConfirmedAt,
		At:         at,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	require.Len(t, got.StatusHistory, 2)
	assert.Equal(t, StatusPendingPayment, got.StatusHistory[0].Status)
	assert.Equal(t, "paid", got.StatusHistory[1].Note)
	require.NotNil(t, got.ConfirmedAt)
	assert.True(t, got.ConfirmedAt.Equal(at))
	assert.True(t, got.UpdatedAt.Equal(at))

	// A second transition appends rather than replaces.
	got, err = store.ApplyStatusChange(context.Background(), "o-1", StatusChange{
		Status: StatusPreparing,
		Entry:  StatusHistoryEntry{Status: StatusPreparing, Timestamp: at},
		At:     at,
	})
	require.NoError(t, err)
	assert.Len(t, got.StatusHistory, 3)
	assert.Nil(t, got.PreparingAt)
}

func TestDynamoStore_ApplyStatusChangeErrors(t *testing.T) {
	store := NewStore(newMockDynamo(), "orders")
	_, err := store.ApplyStatusChange(context.Background(), "missing", StatusChange{Status: StatusReady, At: time.Now()})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Create(context.Background(), sampleOrder("o-1", time.Now())))
	_, err = store.ApplyStatusChange(context.Background(), "o-1", StatusChange{Status: StatusReady, StampField: "status = :x", At: time.Now()})
	assert.Error(t, err)
}

func TestDynamoStore_UpdateDetailsLeavesStatusAlone(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	created := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Create(context.Background(), sampleOrder("o-1", created)))
	_, err := store.ApplyStatusChange(context.Background(), "o-1", StatusChange{
		Status: StatusConfirmed,
		Entry:  StatusHistoryEntry{Status: StatusConfirmed, Timestamp: created},
		At:     created,
	})
	require.NoError(t, err)

	email, notes := "NEW@example.com", "no onions"
	p := DetailsPatch{
		CustomerEmail: &email,
		Notes:         &notes,
		Items:         []map[string]any{{"name": "Burger", "price": 10.0, "quantity": 3.0}},
		Pricing:       &Pricing{Subtotal: 30, DeliveryFee: 2.5, Total: 32.5},
		UpdatedAt:     time.Now().UTC(),
	}
	got, err := store.UpdateDetails(context.Background(), "o-1", p)
	require.NoError(t, err)
	assert.Equal(t, "no onions", got.Notes)
	assert.Equal(t, 32.5, got.Total)
	assert.Equal(t, "Ada", got.CustomerName)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Len(t, got.StatusHistory, 2)
	assert.Equal(t, "new@example.com", mock.tables["orders"]["o-1"]["customer_email_key"].(*types.AttributeValueMemberS).Value)

	_, err = store.UpdateDetails(context.Background(), "missing", p)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoStore_WritesAliasReservedWords(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	require.NoError(t, store.Create(context.Background(), sampleOrder("o-1", time.Now())))

	_, err := mock.UpdateItem(context.Background(), &dyn.UpdateItemInput{
		TableName:                 awsString("orders"),
		Key:                       orderKey("o-1"),
		UpdateExpression:          awsString("SET total = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":t": &types.AttributeValueMemberN{Value: "1"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved keyword")

	current, err := store.Get(context.Background(), "o-1")
	require.NoError(t, err)
	basis := BasisOf(*current)
	got, err := store.UpdateDetails(context.Background(), "o-1", DetailsPatch{
		Items:       []map[string]any{{"name": "Fries", "price": 4.0}},
		Pricing:     &Pricing{Subtotal: 4, DeliveryFee: 2.5, Total: 6.5},
		ExpectBasis: &basis,
		UpdatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, 6.5, got.Total)
	assert.Equal(t, "Fries", got.Items[0]["name"])

	_, err = store.ApplyStatusChange(context.Background(), "o-1", StatusChange{
		Status:       StatusConfirmed,
		Entry:        StatusHistoryEntry{Status: StatusConfirmed, Timestamp: time.Now()},
		StampField:   StampConfirmedAt,
		At:           time.Now(),
		ExpectStatus: StatusPendingPayment,
	})
	require.NoError(t, err)
}

func TestDynamoStore_GuardedWritesReportStale(t *testing.T) {
	store := NewStore(newMockDynamo(), "orders")
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrder("o-1", time.Now())))
	read, err := store.Get(ctx, "o-1")
	require.NoError(t, err)
	basis := BasisOf(*read)

	items := []map[string]any{{"name": "Pizza", "price": 12.0}}
	_, err = store.UpdateDetails(ctx, "o-1", DetailsPatch{Items: items, Pricing: &Pricing{Subtotal: 12, Total: 12}, ExpectBasis: &basis, UpdatedAt: time.Now()})
	require.NoError(t, err)

	_, err = store.UpdateDetails(ctx, "o-1", DetailsPatch{Pricing: &Pricing{Subtotal: 20, Total: 20}, ExpectBasis: &basis, UpdatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrStale)

	_, err = store.UpdateDetails(ctx, "missing", DetailsPatch{ExpectBasis: &basis, UpdatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.ApplyStatusChange(ctx, "o-1", StatusChange{Status: StatusReady, At: time.Now(), ExpectStatus: StatusPreparing})
	assert.ErrorIs(t, err, ErrStale)

	got, err := store.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, got.Total)
	assert.Equal(t, StatusPendingPayment, got.Status)
}

func TestDynamoStore_PatchesOfDifferentFieldsBothLand(t *testing.T) {
	store := NewStore(newMockDynamo(), "orders")
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleOrder("o-1", time.Now())))

	agent, notes := "agent-9", "ring the bell"
	_, err := store.UpdateDetails(ctx, "o-1", DetailsPatch{DeliveryAgentID: &agent, UpdatedAt: time.Now()})
	require.NoError(t, err)
	_, err = store.UpdateDetails(ctx, "o-1", DetailsPatch{Notes: &notes, UpdatedAt: time.Now()})
	require.NoError(t, err)

	got, err := store.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-9", got.DeliveryAgentID)
	assert.Equal(t, "ring the bell", got.Notes)
}

func TestDynamoStore_ListFiltersAndPaginates(t *testing.T) {
	mock := newMockDynamo()
	mock.pageSize = 2
	store := NewStore(mock, "orders")
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		o := sampleOrder(fmt.Sprintf("o-%d", i), base.Add(time.Duration(i)*time.Minute))
		if i%2 == 1 {
			o.RestaurantID = "rest-2"
		}
		require.NoError(t, store.Create(context.Background(), o))
	}

	res, err := store.List(context.Background(), Filter{}, Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	require.Len(t, res.Orders, 2)
	assert.Equal(t, "o-4", res.Orders[0].ID)
	assert.Equal(t, "o-3", res.Orders[1].ID)
	assert.Equal(t, 3, mock.scans)

	res, err = store.List(context.Background(), Filter{RestaurantID: "rest-1", CustomerEmail: "ADA@example.com"}, Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	for _, o := range res.Orders {
		assert.Equal(t, "rest-1", o.RestaurantID)
	}

	from := base.Add(time.Minute)
	to := base.Add(3 * time.Minute)
	res, err = store.List(context.Background(), Filter{CreatedFrom: &from, CreatedTo: &to}, Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)

	res, err = store.List(context.Background(), Filter{Status: StatusDelivered}, Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Empty(t, res.Orders)
}

func TestScanFilter(t *testing.T) {
	expr, names, values := scanFilter(Filter{})
	assert.Empty(t, expr)
	assert.Empty(t, names)
	assert.Empty(t, values)

	expr, names, values = scanFilter(Filter{Status: StatusReady, DeliveryAgentID: "agent-1"})
	assert.Equal(t, "#s = :status AND delivery_agent_id = :delivery_agent_id", expr)
	assert.Equal(t, "status", names["#s"])
	assert.Len(t, values, 2)
}

func TestCreateWithIdempotencyTransaction_Success(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	now := time.Now()
	idemp := map[string]any{
		"idempotency_key": "key-1",
		"status":          "IN_PROGRESS",
		"created_at":      now.Format(time.RFC3339),
	}

	require.NoError(t, store.CreateWithIdempotencyTransaction(context.Background(), "idempotency", idemp, sampleOrder("order-1", now)))

	_, ok := mock.tables["idempotency"]["key-1"]
	assert.True(t, ok, "idempotency item not stored")
	var got Order
	require.NoError(t, attributevalue.UnmarshalMap(mock.tables["orders"]["order-1"], &got))
	assert.Equal(t, "order-1", got.ID)
}

func TestCreateWithIdempotencyTransaction_ExistingKeyFails(t *testing.T) {
	mock := newMockDynamo()
	mock.ensureTable("idempotency")
	mock.tables["idempotency"]["key-2"] = map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: "key-2"},
		"status":          &types.AttributeValueMemberS{Value: "DONE"},
	}
	store := NewStore(mock, "orders")

	err := store.CreateWithIdempotencyTransaction(context.Background(), "idempotency",
		map[string]any{"idempotency_key": "key-2"}, sampleOrder("order-2", time.Now()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIdempotencyKeyExists))
	_, stored := mock.tables["orders"]["order-2"]
	assert.False(t, stored)
}
