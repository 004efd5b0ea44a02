package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/aws"
)

// ErrIdempotencyKeyExists is returned when a transactional create loses to an
// existing idempotency record.
var ErrIdempotencyKeyExists = errors.New("idempotency key already exists")

// DynamoStore encapsulates operations on the orders table.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
}

// NewStore creates a new DynamoDB-backed orders store.
func NewStore(client aws.DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

var _ Repository = (*DynamoStore)(nil)

// Create writes a new order; it fails with ErrAlreadyExists if the id is taken.
func (s *DynamoStore) Create(ctx context.Context, order Order) error {
	order.CustomerEmailKey = EmailKey(order.CustomerEmail)
	item, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(order_id)"),
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// CreateWithIdempotencyTransaction atomically creates:
//   - idempotency record in idempotencyTable (with ConditionExpression attribute_not_exists(idempotency_key))
//   - order record in orders table
//
// idempotencyItem must marshal to a map carrying idempotency_key.
func (s *DynamoStore) CreateWithIdempotencyTransaction(ctx context.Context, idempotencyTable string, idempotencyItem any, order Order) error {
	idempMap, err := attributevalue.MarshalMap(idempotencyItem)
	if err != nil {
		return fmt.Errorf("marshal idempotency item: %w", err)
	}
	order.CustomerEmailKey = EmailKey(order.CustomerEmail)
	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	input := &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &idempotencyTable,
					Item:                idempMap,
					ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                orderMap,
					ConditionExpression: awsString("attribute_not_exists(order_id)"),
				},
			},
		},
	}

	_, err = s.client.TransactWriteItems(ctx, input)
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return fmt.Errorf("transaction canceled: %w", ErrIdempotencyKeyExists)
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns ErrNotFound if absent.
func (s *DynamoStore) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            orderKey(orderID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// List scans the table with a filter expression built from the equality
// fields of filter. The created_at window and final ordering are applied in
// memory, since RFC3339Nano strings do not sort lexicographically.
func (s *DynamoStore) List(ctx context.Context, filter Filter, page Page) (ListResult, error) {
	input := &dyn.ScanInput{TableName: &s.tableName}
	if expr, names, values := scanFilter(filter); expr != "" {
		input.FilterExpression = &expr
		input.ExpressionAttributeValues = values
		if len(names) > 0 {
			input.ExpressionAttributeNames = names
		}
	}

	matched := make([]Order, 0)
	paginator := dyn.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return ListResult{}, fmt.Errorf("scan: %w", err)
		}
		var batch []Order
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &batch); err != nil {
			return ListResult{}, fmt.Errorf("unmarshal orders: %w", err)
		}
		for _, o := range batch {
			if filter.Matches(o) {
				matched = append(matched, o)
			}
		}
	}
	return paginate(matched, page), nil
}

func scanFilter(f Filter) (string, map[string]string, map[string]types.AttributeValue) {
	var conds []string
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	eq := func(attr, placeholder, value string) {
		if value == "" {
			return
		}
		conds = append(conds, attr+" = "+placeholder)
		values[placeholder] = &types.AttributeValueMemberS{Value: value}
	}
	if f.Status != "" {
		names["#s"] = "status"
		eq("#s", ":status", string(f.Status))
	}
	eq("restaurant_id", ":restaurant_id", f.RestaurantID)
	eq("customer_id", ":customer_id", f.CustomerID)
	eq("delivery_agent_id", ":delivery_agent_id", f.DeliveryAgentID)
	eq("customer_email_key", ":customer_email_key", EmailKey(f.CustomerEmail))
	return strings.Join(conds, " AND "), names, values
}

// UpdateDetails writes the supplied fields of patch in one UpdateItem. It
// never touches status or status_history.
func (s *DynamoStore) UpdateDetails(ctx context.Context, orderID string, p DetailsPatch) (*Order, error) {
	e := newExprBuilder()
	set := func(attr string, v any) {
		if e.err == nil {
			e.set(attr, v)
		}
	}
	if p.CustomerName != nil {
		set("customer_name", *p.CustomerName)
	}
	if p.CustomerPhone != nil {
		set("customer_phone", *p.CustomerPhone)
	}
	if p.CustomerEmail != nil {
		set("customer_email", *p.CustomerEmail)
		set("customer_email_key", EmailKey(*p.CustomerEmail))
	}
	if p.DeliveryAgentID != nil {
		set("delivery_agent_id", *p.DeliveryAgentID)
	}
	if p.DeliveryAddress != nil {
		set("delivery_address", p.DeliveryAddress)
	}
	if p.Items != nil {
		set("items", p.Items)
	}
	if p.Notes != nil {
		set("notes", *p.Notes)
	}
	if p.Payment != nil {
		set("payment", p.Payment)
	}
	if p.Pricing != nil {
		set("subtotal", p.Pricing.Subtotal)
		set("delivery_fee", p.Pricing.DeliveryFee)
		set("service_fee", p.Pricing.ServiceFee)
		set("discount", p.Pricing.Discount)
		set("total", p.Pricing.Total)
	}
	set("updated_at", p.UpdatedAt)

	e.cond("attribute_exists(" + e.name("order_id") + ")")
	if p.ExpectBasis != nil && e.err == nil {
		e.equal("items", p.ExpectBasis.Items)
		e.equal("delivery_fee", p.ExpectBasis.DeliveryFee)
		e.equal("service_fee", p.ExpectBasis.ServiceFee)
		e.equal("discount", p.ExpectBasis.Discount)
	}
	if e.err != nil {
		return nil, e.err
	}
	return s.update(ctx, e.input(s.tableName, orderID), p.ExpectBasis != nil)
}

// ApplyStatusChange sets the status and appends the history entry in one
// UpdateItem, so the pair is never observed half-written.
func (s *DynamoStore) ApplyStatusChange(ctx context.Context, orderID string, change StatusChange) (*Order, error) {
	if change.StampField != "" && !ValidStampField(change.StampField) {
		return nil, fmt.Errorf("unknown stamp field %q", change.StampField)
	}
	entry, err := attributevalue.Marshal(change.Entry)
	if err != nil {
		return nil, fmt.Errorf("marshal history entry: %w", err)
	}
	at := change.At.UTC().Format(time.RFC3339Nano)

	e := newExprBuilder()
	e.set("status", string(change.Status))
	history := e.name("status_history")
	empty := e.value(&types.AttributeValueMemberL{Value: []types.AttributeValue{}})
	tail := e.value(&types.AttributeValueMemberL{Value: []types.AttributeValue{entry}})
	e.sets = append(e.sets, fmt.Sprintf("%s = list_append(if_not_exists(%s, %s), %s)", history, history, empty, tail))
	e.set("updated_at", at)
	if change.StampField != "" {
		e.set(change.StampField, at)
	}

	e.cond("attribute_exists(" + e.name("order_id") + ")")
	if change.ExpectStatus != "" {
		e.equal("status", string(change.ExpectStatus))
	}
	if e.err != nil {
		return nil, e.err
	}
	return s.update(ctx, e.input(s.tableName, orderID), change.ExpectStatus != "")
}

// update runs input. When guarded, a failed condition on an existing item is
// reported as ErrStale rather than ErrNotFound.
func (s *DynamoStore) update(ctx context.Context, input *dyn.UpdateItemInput, guarded bool) (*Order, error) {
	if guarded {
		input.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld
	}
	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if guarded && len(ccf.Item) > 0 {
				return nil, ErrStale
			}
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Attributes, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// exprBuilder assembles an UpdateItem with every attribute name aliased, since
// several order attributes (items, total, status) are DynamoDB reserved words.
type exprBuilder struct {
	sets    []string
	conds   []string
	aliases map[string]string
	names   map[string]string
	values  map[string]types.AttributeValue
	err     error
}

func newExprBuilder() *exprBuilder {
	return &exprBuilder{
		aliases: map[string]string{},
		names:   map[string]string{},
		values:  map[string]types.AttributeValue{},
	}
}

func (e *exprBuilder) name(attr string) string {
	if alias, ok := e.aliases[attr]; ok {
		return alias
	}
	alias := "#a" + strconv.Itoa(len(e.aliases))
	e.aliases[attr] = alias
	e.names[alias] = attr
	return alias
}

func (e *exprBuilder) value(av types.AttributeValue) string {
	placeholder := ":v" + strconv.Itoa(len(e.values))
	e.values[placeholder] = av
	return placeholder
}

func (e *exprBuilder) marshal(attr string, v any) (string, bool) {
	av, err := attributevalue.Marshal(v)
	if err != nil {
		e.err = fmt.Errorf("marshal %s: %w", attr, err)
		return "", false
	}
	return e.value(av), true
}

func (e *exprBuilder) set(attr string, v any) {
	if placeholder, ok := e.marshal(attr, v); ok {
		e.sets = append(e.sets, e.name(attr)+" = "+placeholder)
	}
}

func (e *exprBuilder) equal(attr string, v any) {
	if placeholder, ok := e.marshal(attr, v); ok {
		e.conds = append(e.conds, e.name(attr)+" = "+placeholder)
	}
}

func (e *exprBuilder) cond(c string) {
	e.conds = append(e.conds, c)
}

func (e *exprBuilder) input(table, orderID string) *dyn.UpdateItemInput {
	in := &dyn.UpdateItemInput{
		TableName:                 &table,
		Key:                       orderKey(orderID),
		UpdateExpression:          awsString("SET " + strings.Join(e.sets, ", ")),
		ExpressionAttributeNames:  e.names,
		ExpressionAttributeValues: e.values,
		ReturnValues:              types.ReturnValueAllNew,
	}
	if len(e.conds) > 0 {
		in.ConditionExpression = awsString(strings.Join(e.conds, " AND "))
	}
	return in
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func orderKey(orderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
