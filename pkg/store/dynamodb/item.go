package dynamodb

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/leasequeue/pkg/queue"
)

// Times are stored as N attributes holding unix microseconds; a missing
// attribute means unset.

func micros(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(queue.NormalizeTime(t).UnixMicro(), 10)}
}

func str(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func num(v int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(v)}
}

func primaryKey(tenantID, recordID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"tenant_id": str(tenantID),
		"record_id": str(recordID),
	}
}

func encodeItem(rec *queue.Record) map[string]types.AttributeValue {
	item := primaryKey(rec.TenantID, rec.RecordID)
	if len(rec.Payload) > 0 {
		item["payload"] = &types.AttributeValueMemberB{Value: rec.Payload}
	}
	if len(rec.Result) > 0 {
		item["result"] = &types.AttributeValueMemberB{Value: rec.Result}
	}
	item["state"] = str(string(rec.State))
	item["lease_owner"] = str(rec.LeaseOwner)
	item["attempts"] = num(rec.Attempts)
	item["last_error"] = str(rec.LastError)
	item["created_at"] = micros(rec.CreatedAt)
	item["updated_at"] = micros(rec.UpdatedAt)
	for name, t := range map[string]*time.Time{
		"lease_expires_at": rec.LeaseExpiresAt,
		"not_before":       rec.NotBefore,
		"processed_at":     rec.ProcessedAt,
	} {
		if t != nil {
			item[name] = micros(*t)
		}
	}
	return item
}

func decodeItem(kind queue.Kind, item map[string]types.AttributeValue) (*queue.Record, error) {
	rec := &queue.Record{Kind: kind}
	var err error
	if rec.TenantID, err = readString(item, "tenant_id"); err != nil {
		return nil, err
	}
	if rec.RecordID, err = readString(item, "record_id"); err != nil {
		return nil, err
	}
	state, err := readString(item, "state")
	if err != nil {
		return nil, err
	}
	rec.State = queue.State(state)
	rec.LeaseOwner, _ = readString(item, "lease_owner")
	rec.LastError, _ = readString(item, "last_error")
	if b, ok := item["payload"].(*types.AttributeValueMemberB); ok && len(b.Value) > 0 {
		rec.Payload = b.Value
	}
	if b, ok := item["result"].(*types.AttributeValueMemberB); ok && len(b.Value) > 0 {
		rec.Result = b.Value
	}
	if n, ok := item["attempts"].(*types.AttributeValueMemberN); ok {
		if rec.Attempts, err = strconv.Atoi(n.Value); err != nil {
			return nil, fmt.Errorf("decode attempts: %w", err)
		}
	}

	created, err := readTime(item, "created_at")
	if err != nil {
		return nil, err
	}
	updated, err := readTime(item, "updated_at")
	if err != nil {
		return nil, err
	}
	if created != nil {
		rec.CreatedAt = *created
	}
	if updated != nil {
		rec.UpdatedAt = *updated
	}
	if rec.LeaseExpiresAt, err = readTime(item, "lease_expires_at"); err != nil {
		return nil, err
	}
	if rec.NotBefore, err = readTime(item, "not_before"); err != nil {
		return nil, err
	}
	if rec.ProcessedAt, err = readTime(item, "processed_at"); err != nil {
		return nil, err
	}
	return rec, nil
}

func readString(item map[string]types.AttributeValue, name string) (string, error) {
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %s missing or not a string", name)
	}
	return v.Value, nil
}

func readTime(item map[string]types.AttributeValue, name string) (*time.Time, error) {
	raw, ok := item[name]
	if !ok {
		return nil, nil
	}
	n, ok := raw.(*types.AttributeValueMemberN)
	if !ok {
		return nil, fmt.Errorf("attribute %s is not a number", name)
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	t := time.UnixMicro(v).UTC()
	return &t, nil
}

var attributeNames = map[string]string{
	"#state": "state",
	"#owner": "lease_owner",
	"#exp":   "lease_expires_at",
	"#att":   "attempts",
	"#err":   "last_error",
	"#nb":    "not_before",
	"#upd":   "updated_at",
	"#proc":  "processed_at",
	"#res":   "result",
}

// buildUpdate renders the compare-and-set: every mutable attribute is
// rewritten and the condition pins the expectation.
func buildUpdate(table string, key queue.Key, expected queue.Expectation, next *queue.Record) *dynamodb.UpdateItemInput {
	values := map[string]types.AttributeValue{
		":state":   str(string(next.State)),
		":owner":   str(next.LeaseOwner),
		":att":     num(next.Attempts),
		":err":     str(next.LastError),
		":upd":     micros(next.UpdatedAt),
		":e_state": str(string(expected.State)),
		":e_owner": str(expected.LeaseOwner),
		":e_att":   num(expected.Attempts),
	}
	set := []string{"#state = :state", "#owner = :owner", "#att = :att", "#err = :err", "#upd = :upd"}
	var remove []string
	for _, opt := range []struct {
		name, value string
		t           *time.Time
	}{
		{"#exp", ":exp", next.LeaseExpiresAt},
		{"#nb", ":nb", next.NotBefore},
		{"#proc", ":proc", next.ProcessedAt},
	} {
		if opt.t == nil {
			remove = append(remove, opt.name)
			continue
		}
		set = append(set, opt.name+" = "+opt.value)
		values[opt.value] = micros(*opt.t)
	}
	if len(next.Result) > 0 {
		set = append(set, "#res = :res")
		values[":res"] = &types.AttributeValueMemberB{Value: next.Result}
	} else {
		remove = append(remove, "#res")
	}

	update := "SET " + strings.Join(set, ", ")
	if len(remove) > 0 {
		update += " REMOVE " + strings.Join(remove, ", ")
	}

	condition := "attribute_exists(record_id) AND #state = :e_state AND #owner = :e_owner AND #att = :e_att AND "
	if expected.LeaseExpiresAt == nil {
		condition += "attribute_not_exists(#exp)"
	} else {
		condition += "#exp = :e_exp"
		values[":e_exp"] = micros(*expected.LeaseExpiresAt)
	}

	return &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       primaryKey(key.TenantID, key.RecordID),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  copyNames(),
		ExpressionAttributeValues: values,
	}
}

func copyNames() map[string]string {
	out := make(map[string]string, len(attributeNames))
	for k, v := range attributeNames {
		out[k] = v
	}
	return out
}

func buildQuery(table string, q queue.ScanQuery) (*dynamodb.QueryInput, error) {
	values := map[string]types.AttributeValue{":tenant": str(q.TenantID)}
	names := map[string]string{"#state": "state"}
	var filter string

	switch q.Filter {
	case queue.ScanClaimable:
		names["#nb"] = "not_before"
		names["#exp"] = "lease_expires_at"
		values[":pending"] = str(string(queue.StatePending))
		values[":leased"] = str(string(queue.StateLeased))
		values[":at"] = micros(q.At)
		filter = "(#state = :pending AND (attribute_not_exists(#nb) OR #nb <= :at)) OR " +
			"(#state = :leased AND (attribute_not_exists(#exp) OR #exp <= :at))"
	case queue.ScanExpired:
		names["#exp"] = "lease_expires_at"
		values[":leased"] = str(string(queue.StateLeased))
		values[":at"] = micros(q.At)
		filter = "#state = :leased AND (attribute_not_exists(#exp) OR #exp <= :at)"
	case queue.ScanStates:
		if len(q.States) == 0 {
			return nil, fmt.Errorf("%w: scan by state requires at least one state", queue.ErrValidation)
		}
		placeholders := make([]string, 0, len(q.States))
		for idx, state := range q.States {
			ph := ":s" + strconv.Itoa(idx)
			values[ph] = str(string(state))
			placeholders = append(placeholders, ph)
		}
		filter = "#state IN (" + strings.Join(placeholders, ", ") + ")"
	default:
		return nil, fmt.Errorf("%w: unknown scan filter %d", queue.ErrValidation, q.Filter)
	}

	return &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		IndexName:                 aws.String(CreatedIndex),
		KeyConditionExpression:    aws.String("tenant_id = :tenant"),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(true),
		ConsistentRead:            aws.Bool(true),
		Limit:                     aws.Int32(queryPageSize),
	}, nil
}

func tableDefinition(table string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("tenant_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("record_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("created_at"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("tenant_id"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("record_id"), KeyType: types.KeyTypeRange},
		},
		LocalSecondaryIndexes: []types.LocalSecondaryIndex{{
			IndexName: aws.String(CreatedIndex),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("tenant_id"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("created_at"), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
	}
}
