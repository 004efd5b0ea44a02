package orders

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo is a small in-memory table set that understands the expressions
// DynamoStore issues: AND-joined attribute_(not_)exists and equality
// conditions, SET assignments with list_append/if_not_exists, and AND-joined
// equality filters on Scan. Like DynamoDB it rejects reserved words that are
// not aliased through ExpressionAttributeNames.
// It stores items per table in a nested map: table -> pkValue -> item map.
type mockDynamo struct {
	mu       sync.Mutex
	tables   map[string]map[string]map[string]types.AttributeValue
	pageSize int
	scans    int
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{
		tables: map[string]map[string]map[string]types.AttributeValue{},
	}
}

func (m *mockDynamo) ensureTable(tbl string) {
	if _, ok := m.tables[tbl]; !ok {
		m.tables[tbl] = map[string]map[string]types.AttributeValue{}
	}
}

func primaryKey(item map[string]types.AttributeValue) (string, error) {
	for _, name := range []string{"order_id", "idempotency_key"} {
		if v, ok := item[name].(*types.AttributeValueMemberS); ok {
			return v.Value, nil
		}
	}
	return "", errors.New("no primary key attribute")
}

// reservedWords is the slice of DynamoDB's reserved word list that order
// attributes could collide with.
var reservedWords = map[string]bool{
	"items": true, "total": true, "status": true, "name": true, "timestamp": true,
	"date": true, "order": true, "key": true, "value": true, "count": true, "size": true,
}

var identifierRE = regexp.MustCompile(`[#:]?[A-Za-z_][A-Za-z0-9_]*\(?`)

// checkReserved fails the way DynamoDB does when an expression names a
// reserved word directly instead of through ExpressionAttributeNames.
func checkReserved(exprs ...*string) error {
	for _, expr := range exprs {
		if expr == nil {
			continue
		}
		for _, tok := range identifierRE.FindAllString(*expr, -1) {
			if strings.HasPrefix(tok, "#") || strings.HasPrefix(tok, ":") || strings.HasSuffix(tok, "(") {
				continue
			}
			if reservedWords[strings.ToLower(tok)] {
				return fmt.Errorf("ValidationException: Attribute name is a reserved keyword; reserved keyword: %s", tok)
			}
		}
	}
	return nil
}

// checkCondition evaluates AND-joined attribute_(not_)exists and equality
// clauses against the stored item.
func (m *mockDynamo) checkCondition(table, pk string, cond *string, names map[string]string, values map[string]types.AttributeValue) error {
	if cond == nil {
		return nil
	}
	item, exists := m.tables[table][pk]
	for _, clause := range strings.Split(*cond, " AND ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_not_exists("):
			if exists {
				return &types.ConditionalCheckFailedException{}
			}
		case strings.HasPrefix(clause, "attribute_exists("):
			if !exists {
				return &types.ConditionalCheckFailedException{}
			}
		default:
			parts := strings.SplitN(clause, " = ", 2)
			if len(parts) != 2 {
				return errors.New("unsupported condition: " + clause)
			}
			if !exists || !sameValue(item[resolveName(parts[0], names)], values[parts[1]]) {
				return &types.ConditionalCheckFailedException{}
			}
		}
	}
	return nil
}

// sameValue compares attribute values by their decoded form, the way
// DynamoDB compares numbers by value.
func sameValue(a, b types.AttributeValue) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	var x, y any
	if attributevalue.Unmarshal(a, &x) != nil || attributevalue.Unmarshal(b, &y) != nil {
		return false
	}
	return reflect.DeepEqual(x, y)
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	m.ensureTable(table)
	pk, err := primaryKey(params.Item)
	if err != nil {
		return nil, err
	}
	if err := checkReserved(params.ConditionExpression); err != nil {
		return nil, err
	}
	if err := m.checkCondition(table, pk, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	m.tables[table][pk] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	m.ensureTable(table)
	pk, err := primaryKey(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.tables[table][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	m.ensureTable(table)
	pk, err := primaryKey(params.Key)
	if err != nil {
		return nil, err
	}
	if err := checkReserved(params.UpdateExpression, params.ConditionExpression); err != nil {
		return nil, err
	}
	if err := m.checkCondition(table, pk, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) && params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
			ccf.Item = m.tables[table][pk]
		}
		return nil, err
	}
	current, exists := m.tables[table][pk]
	if !exists {
		return nil, errors.New("item not found")
	}
	item := make(map[string]types.AttributeValue, len(current))
	for k, v := range current {
		item[k] = v
	}

	expr := strings.TrimPrefix(*params.UpdateExpression, "SET ")
	for _, assignment := range splitTopLevel(expr) {
		parts := strings.SplitN(assignment, "=", 2)
		if len(parts) != 2 {
			return nil, errors.New("bad assignment: " + assignment)
		}
		lhs := resolveName(strings.TrimSpace(parts[0]), params.ExpressionAttributeNames)
		rhs := strings.TrimSpace(parts[1])
		switch {
		case strings.HasPrefix(rhs, ":"):
			item[lhs] = params.ExpressionAttributeValues[rhs]
		case strings.HasPrefix(rhs, "list_append("):
			args := splitTopLevel(strings.TrimSuffix(strings.TrimPrefix(rhs, "list_append("), ")"))
			if len(args) != 2 {
				return nil, errors.New("bad list_append: " + rhs)
			}
			base := evalOperand(args[0], item, params)
			tail := evalOperand(args[1], item, params)
			var merged []types.AttributeValue
			if l, ok := base.(*types.AttributeValueMemberL); ok {
				merged = append(merged, l.Value...)
			}
			if l, ok := tail.(*types.AttributeValueMemberL); ok {
				merged = append(merged, l.Value...)
			}
			item[lhs] = &types.AttributeValueMemberL{Value: merged}
		default:
			return nil, errors.New("unsupported operand: " + rhs)
		}
	}
	m.tables[table][pk] = item
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

func (m *mockDynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans++
	if err := checkReserved(params.FilterExpression); err != nil {
		return nil, err
	}
	table := *params.TableName
	m.ensureTable(table)

	keys := make([]string, 0, len(m.tables[table]))
	for k := range m.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if params.ExclusiveStartKey != nil {
		after, err := primaryKey(params.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		idx := sort.SearchStrings(keys, after)
		if idx < len(keys) && keys[idx] == after {
			idx++
		}
		keys = keys[idx:]
	}

	out := &dyn.ScanOutput{}
	for i, k := range keys {
		if m.pageSize > 0 && i == m.pageSize {
			out.LastEvaluatedKey = map[string]types.AttributeValue{
				"order_id": &types.AttributeValueMemberS{Value: keys[i-1]},
			}
			break
		}
		item := m.tables[table][k]
		out.ScannedCount++
		if matchesFilter(item, params) {
			out.Items = append(out.Items, item)
		}
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// First pass: verify condition expressions
	for _, it := range params.TransactItems {
		p := it.Put
		if p == nil {
			continue
		}
		m.ensureTable(*p.TableName)
		pk, err := primaryKey(p.Item)
		if err != nil {
			return nil, err
		}
		if err := m.checkCondition(*p.TableName, pk, p.ConditionExpression, p.ExpressionAttributeNames, p.ExpressionAttributeValues); err != nil {
			return nil, &types.TransactionCanceledException{}
		}
	}
	// Second pass: apply all puts
	for _, it := range params.TransactItems {
		if p := it.Put; p != nil {
			pk, _ := primaryKey(p.Item)
			m.tables[*p.TableName][pk] = p.Item
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

// splitTopLevel splits on commas that are not nested inside parentheses.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(parts, strings.TrimSpace(s[start:]))
}

func resolveName(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		return names[name]
	}
	return name
}

func evalOperand(op string, item map[string]types.AttributeValue, params *dyn.UpdateItemInput) types.AttributeValue {
	op = strings.TrimSpace(op)
	if strings.HasPrefix(op, ":") {
		return params.ExpressionAttributeValues[op]
	}
	if strings.HasPrefix(op, "if_not_exists(") {
		args := splitTopLevel(strings.TrimSuffix(strings.TrimPrefix(op, "if_not_exists("), ")"))
		if v, ok := item[resolveName(args[0], params.ExpressionAttributeNames)]; ok {
			return v
		}
		return params.ExpressionAttributeValues[args[1]]
	}
	return item[resolveName(op, params.ExpressionAttributeNames)]
}

func matchesFilter(item map[string]types.AttributeValue, params *dyn.ScanInput) bool {
	if params.FilterExpression == nil || *params.FilterExpression == "" {
		return true
	}
	for _, cond := range strings.Split(*params.FilterExpression, " AND ") {
		parts := strings.SplitN(cond, " = ", 2)
		if len(parts) != 2 {
			return false
		}
		got, ok := item[resolveName(parts[0], params.ExpressionAttributeNames)].(*types.AttributeValueMemberS)
		want, _ := params.ExpressionAttributeValues[parts[1]].(*types.AttributeValueMemberS)
		if !ok || want == nil || got.Value != want.Value {
			return false
		}
	}
	return true
}
