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

//go:build itest

package itest

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"

	"github.com/scailio-oss/centralcontroller"
	"github.com/scailio-oss/centralcontroller/namedlock"
)

const (
	dynamoDbImage = "amazon/dynamodb-local:latest"
	dynamoDbPort  = nat.Port("8000/tcp")
	lockTable     = "centralcontroller-itest-locks"
)

// lockStore is a local DynamoDB in a docker container holding one lock table. Everything created through it uses that
// table and is shut down when the test ends, before the container is removed.
type lockStore struct {
	t      *testing.T
	client *dynamodb.Client
}

// startLockStore starts the container and creates the lock table.
func startLockStore(t *testing.T) *lockStore {
	ctx := context.Background()
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	require.NoError(t, err, "Expected docker client")

	containerID, hostPort := runDynamoDb(ctx, t, docker)
	// registered first, so it runs after the cleanups of all managers and controllers
	t.Cleanup(func() { removeContainer(t, docker, containerID) })

	res := &lockStore{t: t, client: newLocalClient(hostPort)}
	res.createLockTable(ctx)
	return res
}

func runDynamoDb(ctx context.Context, t *testing.T, docker *client.Client) (string, string) {
	t.Logf("Pulling %s", dynamoDbImage)
	reader, err := docker.ImagePull(ctx, dynamoDbImage, dockertypes.ImagePullOptions{})
	require.NoError(t, err, "Expected image pull to start")
	//goland:noinspection GoUnhandledErrorResult
	defer reader.Close()
	// the pull completes when its progress stream ends
	_, err = io.Copy(io.Discard, reader)
	require.NoError(t, err, "Expected image pull to complete")

	created, err := docker.ContainerCreate(ctx, &container.Config{
		Image:        dynamoDbImage,
		ExposedPorts: nat.PortSet{dynamoDbPort: struct{}{}},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{dynamoDbPort: []nat.PortBinding{{HostIP: "localhost"}}},
	}, nil, nil, "")
	require.NoError(t, err, "Expected container to be created")
	require.NoError(t, docker.ContainerStart(ctx, created.ID, dockertypes.ContainerStartOptions{}),
		"Expected container to start")

	inspect, err := docker.ContainerInspect(ctx, created.ID)
	require.NoError(t, err, "Expected container to be inspectable")
	bindings := inspect.NetworkSettings.Ports[dynamoDbPort]
	require.NotEmpty(t, bindings, "Expected DynamoDB port to be published")
	t.Logf("Started container %s, DynamoDB on port %s", created.ID, bindings[0].HostPort)
	return created.ID, bindings[0].HostPort
}

// removeContainer removes the container, printing its output first if the test failed.
func removeContainer(t *testing.T, docker *client.Client, containerID string) {
	ctx := context.Background()
	if t.Failed() {
		if out, err := docker.ContainerLogs(ctx, containerID, dockertypes.ContainerLogsOptions{ShowStdout: true,
			ShowStderr: true}); err != nil {
			t.Logf("Could not get container logs: %v", err)
		} else {
			//goland:noinspection GoUnhandledErrorResult
			stdcopy.StdCopy(os.Stdout, os.Stderr, out)
		}
	}
	if err := docker.ContainerRemove(ctx, containerID, dockertypes.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	}); err != nil {
		t.Logf("Could not remove container %s: %v", containerID, err)
	}
}

func newLocalClient(hostPort string) *dynamodb.Client {
	config := aws.NewConfig()
	config.Region = "eu-west-1"
	config.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: fmt.Sprintf("http://localhost:%s/", hostPort)}, nil
		})
	config.Credentials = credentials.NewStaticCredentialsProvider("dummy", "dummy", "")
	return dynamodb.NewFromConfig(*config)
}

// createLockTable creates the table in the layout NewDynamoDBLockManager expects and waits until it is active.
func (s *lockStore) createLockTable(ctx context.Context) {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		AttributeDefinitions: []dynamodbtypes.AttributeDefinition{{
			AttributeName: aws.String("key"),
			AttributeType: dynamodbtypes.ScalarAttributeTypeS,
		}},
		KeySchema: []dynamodbtypes.KeySchemaElement{{
			AttributeName: aws.String("key"),
			KeyType:       dynamodbtypes.KeyTypeHash,
		}},
		TableName:   aws.String(lockTable),
		BillingMode: dynamodbtypes.BillingModePayPerRequest,
	})
	require.NoError(s.t, err, "Expected lock table to be created")

	err = dynamodb.NewTableExistsWaiter(s.client).Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(lockTable),
	}, time.Minute)
	require.NoError(s.t, err, "Expected lock table to become active")
}

// manager creates a lock manager on the lock table. It polls quickly, so waiting locks are decided well within the
// test timeouts.
func (s *lockStore) manager(ownerName string, options ...centralcontroller.LockManagerOption) namedlock.Manager {
	options = append([]centralcontroller.LockManagerOption{
		centralcontroller.WithTableName(lockTable),
		centralcontroller.WithPollInterval(20*time.Millisecond, 100*time.Millisecond),
	}, options...)
	res := centralcontroller.NewDynamoDBLockManager(s.client, ownerName, options...)
	s.t.Cleanup(res.ShutDown)
	return res
}

func (s *lockStore) lock(manager namedlock.Manager, name string) namedlock.Lock {
	res := manager.CreateNamedLock(name)
	s.t.Cleanup(res.Close)
	return res
}

// controller creates a CentralController whose rewrites hold locks of the lock table.
func (s *lockStore) controller(ownerName string, lockWait time.Duration) centralcontroller.CentralController {
	res := centralcontroller.New(
		centralcontroller.WithNamedLockRewrites(s.manager(ownerName)),
		centralcontroller.WithLockWait(lockWait))
	s.t.Cleanup(res.ShutDown)
	return res
}
