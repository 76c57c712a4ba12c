// README: Delivered-order ledger backed by DynamoDB. One item per order, written once.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const defaultTable = "delivered_orders"

// PutItemAPI is the slice of the DynamoDB client the ledger needs.
type PutItemAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type entryItem struct {
	ID            string `dynamodbav:"id"`
	CustomerID    string `dynamodbav:"customer_id"`
	PharmacyID    string `dynamodbav:"pharmacy_id"`
	CourierID     string `dynamodbav:"courier_id,omitempty"`
	PaymentMethod string `dynamodbav:"payment_method"`
	Subtotal      string `dynamodbav:"subtotal"`
	DeliveryFee   string `dynamodbav:"delivery_fee"`
	Total         string `dynamodbav:"total"`
	DeliveredAt   string `dynamodbav:"delivered_at"`
}

// DynamoLedger table requirements:
//   - PK: id (string), the order id
type DynamoLedger struct {
	ddb   PutItemAPI
	table string
}

func NewDynamoLedger(ddb PutItemAPI, table string) *DynamoLedger {
	if table == "" {
		table = defaultTable
	}
	return &DynamoLedger{ddb: ddb, table: table}
}

// Record stores the entry unless the order is already in the ledger.
// It reports whether this call wrote the item.
func (l *DynamoLedger) Record(ctx context.Context, e Entry) (bool, error) {
	av, err := attributevalue.MarshalMap(toItem(e))
	if err != nil {
		return false, fmt.Errorf("billing: marshal entry %s: %w", e.OrderID, err)
	}
	_, err = l.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{
			"#id": "id",
		},
	})
	var exists *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &exists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("billing: put entry %s: %w", e.OrderID, err)
	}
	return true, nil
}

func toItem(e Entry) entryItem {
	return entryItem{
		ID:            string(e.OrderID),
		CustomerID:    string(e.CustomerID),
		PharmacyID:    string(e.PharmacyID),
		CourierID:     string(e.CourierID),
		PaymentMethod: e.PaymentMethod,
		Subtotal:      e.Subtotal.StringFixed(2),
		DeliveryFee:   e.DeliveryFee.StringFixed(2),
		Total:         e.Total.StringFixed(2),
		DeliveredAt:   e.DeliveredAt.UTC().Format(timeLayout),
	}
}
