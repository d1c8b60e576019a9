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

package centralcontroller

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/benbjohnson/clock"

	"github.com/scailio-oss/centralcontroller/internal/dynamolock"
	"github.com/scailio-oss/centralcontroller/internal/lockmgr"
	internallogger "github.com/scailio-oss/centralcontroller/internal/logger"
	"github.com/scailio-oss/centralcontroller/internal/storage"
	"github.com/scailio-oss/centralcontroller/logger"
	"github.com/scailio-oss/centralcontroller/namedlock"
)

const defaultTableName = "centralcontroller-locks"
const defaultDynamoDbTimeout = 1 * time.Second
const defaultInitPollInterval = 50 * time.Millisecond
const defaultMaxPollInterval = 2 * time.Second

// NewMemoryLockManager creates a namedlock.Manager whose locks live in this process. Deadlines are tracked with a
// timer of the clock, see WithLockManagerClock.
func NewMemoryLockManager(options ...LockManagerOption) namedlock.Manager {
	params := newLockManagerParams(options)
	return lockmgr.NewScheduledLockManager(params.logger, params.clock)
}

// NewDynamoDBLockManager creates a namedlock.Manager whose locks are records in a DynamoDB table, shared by all
// processes using the same table and lock id prefix.
// ownerName: unique name identifying this manager instance - this information will be written into the DynamoDB
// options: Additional, optional options.
//
// The table must have a partition key of type String with the name "key".
func NewDynamoDBLockManager(dynamodbClient *dynamodb.Client, ownerName string,
	options ...LockManagerOption) namedlock.Manager {
	params := newLockManagerParams(options)
	db := storage.NewDynamoDb(dynamodbClient, params.tableName, params.dynamoDbTimeout)
	return dynamolock.New(db, params.clock, params.logger, ownerName, params.lockIdPrefix, params.initPollInterval,
		params.maxPollInterval)
}

type LockManagerParams struct {
	logger           logger.Logger
	clock            clock.Clock
	tableName        string
	lockIdPrefix     string
	dynamoDbTimeout  time.Duration
	initPollInterval time.Duration
	maxPollInterval  time.Duration
}

type LockManagerOption func(params *LockManagerParams)

func newLockManagerParams(options []LockManagerOption) *LockManagerParams {
	params := &LockManagerParams{}
	for _, opt := range options {
		opt(params)
	}

	if params.logger == nil {
		params.logger = internallogger.Default()
	}
	if params.clock == nil {
		params.clock = clock.New()
	}
	if params.tableName == "" {
		params.tableName = defaultTableName
	}
	if params.dynamoDbTimeout == 0 {
		params.dynamoDbTimeout = defaultDynamoDbTimeout
	}
	if params.initPollInterval == 0 {
		params.initPollInterval = defaultInitPollInterval
	}
	if params.maxPollInterval == 0 {
		params.maxPollInterval = defaultMaxPollInterval
	}
	if params.maxPollInterval < params.initPollInterval {
		params.maxPollInterval = params.initPollInterval
	}
	// lockIdPrefix is by default "" already
	return params
}

// Use the given Logger instead of a default one
func WithLockManagerLogger(logger logger.Logger) LockManagerOption {
	return func(params *LockManagerParams) {
		params.logger = logger
	}
}

// Use the given clock instead of the system clock.
func WithLockManagerClock(clock clock.Clock) LockManagerOption {
	return func(params *LockManagerParams) {
		params.clock = clock
	}
}

// Use the given DynamoDB table name instead of the default defaultTableName
func WithTableName(tableName string) LockManagerOption {
	return func(params *LockManagerParams) {
		params.tableName = tableName
	}
}

// Use this prefix for all lock names when storing them in DynamoDB.
// This allows to re-use the same DynamoDB table for different managers locking different kinds of objects.
func WithLockIdPrefix(lockIdPrefix string) LockManagerOption {
	return func(params *LockManagerParams) {
		params.lockIdPrefix = lockIdPrefix
	}
}

// Use this timeout for dynamoDb calls instead of the default.
func WithDynamoDbTimeout(dynamoDbTimeout time.Duration) LockManagerOption {
	return func(params *LockManagerParams) {
		params.dynamoDbTimeout = dynamoDbTimeout
	}
}

// Timed waits on DynamoDB locks poll the table, first after init, doubling the interval up to max.
func WithPollInterval(init time.Duration, max time.Duration) LockManagerOption {
	return func(params *LockManagerParams) {
		params.initPollInterval = init
		params.maxPollInterval = max
	}
}
