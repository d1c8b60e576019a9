/*
 *    Copyright 2022 scailio GmbH
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */
package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"

	error2 "github.com/scailio-oss/centralcontroller/error"
)

type DynamoDB struct {
	dynamoDbClient *dynamodb.Client
	tableName      string
	timeout        time.Duration
}

// Creates a new DB implementation using a DynamoDB backend. It uses the given dynamoDB table name and adds the given
// timeout to all calls to dynamoDB.
func NewDynamoDb(dynamoDbClient *dynamodb.Client, tableName string, timeout time.Duration) DB {
	return &DynamoDB{
		dynamoDbClient: dynamoDbClient,
		tableName:      tableName,
		timeout:        timeout,
	}
}

func (d *DynamoDB) InsertNewLock(ctx context.Context, lockId string, ownerName string, heldSince time.Time, stealHeldSince time.Time) (*StolenLockInfo, error) {
	sinceStr := strconv.FormatInt(heldSince.UnixMilli(), 10)
	stealSinceStr := strconv.FormatInt(stealHeldSince.UnixMilli(), 10)

	itm := map[string]types.AttributeValue{
		pkFieldName:        &types.AttributeValueMemberS{Value: lockId},
		lockOwnerFieldName: &types.AttributeValueMemberS{Value: ownerName},
		heldSinceFieldName: &types.AttributeValueMemberN{Value: sinceStr},
	}

	cond := expression.Or(
		expression.AttributeNotExists(expression.Name(pkFieldName)),
		expression.And(
			expression.AttributeExists(expression.Name(pkFieldName)),
			expression.LessThanEqual(
				expression.Name(heldSinceFieldName),
				expression.Value(&types.AttributeValueMemberN{Value: stealSinceStr}))))

	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return nil, errors.Wrap(err, "building insert condition")
	}

	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.dynamoDbClient.PutItem(dynamoCtx, &dynamodb.PutItemInput{
		Item:                      itm,
		TableName:                 aws.String(d.tableName),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllOld,
	})

	if err != nil {
		var conditionalCheckFailedException *types.ConditionalCheckFailedException
		if errors.As(err, &conditionalCheckFailedException) {
			return nil, &error2.LockTakenError{Cause: err}
		}
		return nil, errors.Wrapf(err, "inserting lock %s", lockId)
	}

	if a, ok := out.Attributes[heldSinceFieldName]; ok {
		// There was an old record, which we overwrote: we stole it.
		oldSince := a.(*types.AttributeValueMemberN)
		from := ""
		if a, ok := out.Attributes[lockOwnerFieldName]; ok {
			from = a.(*types.AttributeValueMemberS).Value
		}

		i, _ := strconv.ParseInt(oldSince.Value, 10, 64)
		return &StolenLockInfo{
			OwnerName: from,
			HeldSince: time.UnixMilli(i),
		}, nil
	}

	return nil, nil
}

func (d *DynamoDB) RemoveLock(ctx context.Context, lockId string, heldSince time.Time, ownerName string) error {
	key := map[string]types.AttributeValue{
		pkFieldName: &types.AttributeValueMemberS{Value: lockId},
	}

	sinceStr := strconv.FormatInt(heldSince.UnixMilli(), 10)

	cond := expression.And(
		expression.AttributeExists(expression.Name(pkFieldName)),
		expression.And(
			expression.Equal(
				expression.Name(lockOwnerFieldName),
				expression.Value(&types.AttributeValueMemberS{Value: ownerName})),
			expression.Equal(
				expression.Name(heldSinceFieldName),
				expression.Value(&types.AttributeValueMemberN{Value: sinceStr}))))

	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return errors.Wrap(err, "building remove condition")
	}

	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err = d.dynamoDbClient.DeleteItem(dynamoCtx, &dynamodb.DeleteItemInput{
		Key:                       key,
		TableName:                 aws.String(d.tableName),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	if err != nil {
		var conditionalCheckFailedException *types.ConditionalCheckFailedException
		if errors.As(err, &conditionalCheckFailedException) {
			return &error2.LockLostError{Cause: err}
		}
		return errors.Wrapf(err, "removing lock %s", lockId)
	}
	return nil
}
