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

package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/scailio-oss/centralcontroller/internal/logger"
	"github.com/scailio-oss/centralcontroller/sequence"
	"github.com/scailio-oss/centralcontroller/transaction"
)

const (
	bufSize         = 1024 * 1024
	timeoutDuration = 5 * time.Second
)

// fakeController hands all requests to the test, which decides them.
type fakeController struct {
	expensive chan transaction.ExpensiveOperationCallback
	rewrites  chan transaction.ScheduleRewriteCallback
}

func (f *fakeController) ScheduleExpensiveOperation(callback transaction.ExpensiveOperationCallback) {
	f.expensive <- callback
}

func (f *fakeController) ScheduleRewrite(callback transaction.ScheduleRewriteCallback) {
	f.rewrites <- callback
}

type rpcSetupData struct {
	controller *fakeController
	server     *grpc.Server
	conn       *grpc.ClientConn
	client     *Client
}

func rpcSetup(t *testing.T) *rpcSetupData {
	lis := bufconn.Listen(bufSize)
	controller := &fakeController{
		expensive: make(chan transaction.ExpensiveOperationCallback, 10),
		rewrites:  make(chan transaction.ScheduleRewriteCallback, 10),
	}
	server := grpc.NewServer()
	NewServer(controller, logger.Nop()).Register(server)
	go func() {
		_ = server.Serve(lis)
	}()

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	assert.NoError(t, err, "Expected dial to succeed")

	res := &rpcSetupData{
		controller: controller,
		server:     server,
		conn:       conn,
		client:     NewClient(conn, logger.Nop()),
	}
	t.Cleanup(func() {
		res.client.ShutDown()
		_ = conn.Close()
		server.Stop()
	})
	return res
}

func waitFor(t *testing.T, c <-chan struct{}, msg string) {
	select {
	case <-c:
	case <-time.After(timeoutDuration):
		assert.Fail(t, "Timeout: "+msg)
	}
}

func receive[T any](t *testing.T, c <-chan T, msg string) T {
	select {
	case v := <-c:
		return v
	case <-time.After(timeoutDuration):
		assert.FailNow(t, "Timeout: "+msg)
	}
	var zero T
	return zero
}

// rewriteOutcome returns a server side rewrite context reporting its outcome to the returned chan.
func rewriteOutcome(key string) (transaction.ScheduleRewriteContext, <-chan string) {
	outcome := make(chan string, 2)
	return transaction.NewScheduleRewriteContext(logger.Nop(), key,
		func() { outcome <- "succeeded" },
		func() { outcome <- "failed" }), outcome
}

func TestExpensiveOperationGrantAndDone(t *testing.T) {
	// GIVEN
	s := rpcSetup(t)
	ran := make(chan struct{})
	released := make(chan struct{})

	// WHEN
	s.client.ScheduleExpensiveOperation(transaction.NewExpensiveOperationCallback(sequence.NewInline(),
		func(ctx *transaction.Owned[transaction.ExpensiveOperationContext]) {
			close(ran)
		}, nil))
	cb := receive(t, s.controller.expensive, "server did not submit request")
	cb.SetTransactionContext(transaction.NewExpensiveOperationContext(logger.Nop(), func() { close(released) }))
	cb.Run()

	// THEN
	waitFor(t, ran, "client callback did not run")
	waitFor(t, released, "server did not release the operation")
}

func TestExpensiveOperationDenied(t *testing.T) {
	// GIVEN
	s := rpcSetup(t)
	canceled := make(chan struct{})

	// WHEN
	s.client.ScheduleExpensiveOperation(transaction.NewExpensiveOperationCallback(sequence.NewInline(),
		func(ctx *transaction.Owned[transaction.ExpensiveOperationContext]) {
			assert.Fail(t, "Expected denied operation to not run")
		}, func() {
			close(canceled)
		}))
	cb := receive(t, s.controller.expensive, "server did not submit request")
	cb.Cancel()

	// THEN
	waitFor(t, canceled, "client callback was not canceled")
}

func TestRewriteOutcomeIsReported(t *testing.T) {
	for _, failed := range []bool{false, true} {
		// GIVEN
		s := rpcSetup(t)
		gotKey := make(chan string, 1)

		// WHEN
		s.client.ScheduleRewrite(transaction.NewScheduleRewriteCallback(sequence.NewInline(), "k1",
			func(ctx *transaction.Owned[transaction.ScheduleRewriteContext]) {
				gotKey <- ctx.Get().Key()
				if failed {
					ctx.Get().MarkFailed()
				}
			}, nil))
		cb := receive(t, s.controller.rewrites, "server did not submit request")
		serverCtx, outcome := rewriteOutcome(cb.Key())
		cb.SetTransactionContext(serverCtx)
		cb.Run()

		// THEN
		want := "succeeded"
		if failed {
			want = "failed"
		}
		assert.Equal(t, want, receive(t, outcome, "server did not release the rewrite"), "Expected reported outcome")
		assert.Equal(t, "k1", cb.Key(), "Expected key to be sent to the server")
		assert.Equal(t, "k1", receive(t, gotKey, "client callback did not run"), "Expected key on client context")
	}
}

func TestRewriteDenied(t *testing.T) {
	// GIVEN
	s := rpcSetup(t)
	canceled := make(chan struct{})

	// WHEN
	s.client.ScheduleRewrite(transaction.NewScheduleRewriteCallback(sequence.NewInline(), "k1", nil, func() {
		close(canceled)
	}))
	cb := receive(t, s.controller.rewrites, "server did not submit request")
	cb.Cancel()

	// THEN
	waitFor(t, canceled, "client callback was not canceled")
}

func TestClientShutDownBeforeDecision(t *testing.T) {
	// GIVEN
	s := rpcSetup(t)
	canceled := make(chan struct{})
	s.client.ScheduleRewrite(transaction.NewScheduleRewriteCallback(sequence.NewInline(), "k1", nil, func() {
		close(canceled)
	}))
	cb := receive(t, s.controller.rewrites, "server did not submit request")

	// WHEN
	s.client.ShutDown()

	// THEN
	waitFor(t, canceled, "client callback was not canceled")

	// WHEN the server grants after the client went away
	serverCtx, outcome := rewriteOutcome(cb.Key())
	cb.SetTransactionContext(serverCtx)
	cb.Run()

	// THEN
	assert.Equal(t, "failed", receive(t, outcome, "server did not release the rewrite"),
		"Expected abandoned rewrite to be released as failed")
}

func TestClientGoneAfterGrantReleasesWithDefault(t *testing.T) {
	// GIVEN
	s := rpcSetup(t)
	kept := make(chan transaction.ExpensiveOperationContext, 1)
	released := make(chan struct{})
	s.client.ScheduleExpensiveOperation(transaction.NewExpensiveOperationCallback(sequence.NewInline(),
		func(ctx *transaction.Owned[transaction.ExpensiveOperationContext]) {
			kept <- ctx.Release()
		}, nil))
	cb := receive(t, s.controller.expensive, "server did not submit request")
	cb.SetTransactionContext(transaction.NewExpensiveOperationContext(logger.Nop(), func() { close(released) }))
	cb.Run()
	clientCtx := receive(t, kept, "client callback did not run")

	// WHEN
	s.client.ShutDown()

	// THEN
	waitFor(t, released, "server did not release the operation of a client that went away")
	clientCtx.Done()
}

func TestShutDownClientCancelsNewRequests(t *testing.T) {
	// GIVEN
	s := rpcSetup(t)
	s.client.ShutDown()
	canceled := make(chan struct{})

	// WHEN
	s.client.ScheduleExpensiveOperation(transaction.NewExpensiveOperationCallback(sequence.NewInline(), nil, func() {
		close(canceled)
	}))

	// THEN
	waitFor(t, canceled, "callback after shutdown was not canceled")
}

func TestServerGoneCancels(t *testing.T) {
	// GIVEN
	s := rpcSetup(t)
	s.server.Stop()
	canceled := make(chan struct{})

	// WHEN
	s.client.ScheduleRewrite(transaction.NewScheduleRewriteCallback(sequence.NewInline(), "k1", nil, func() {
		close(canceled)
	}))

	// THEN
	waitFor(t, canceled, "callback was not canceled when the server is gone")
}

func TestRewriteRequestWithoutKeyIsRejected(t *testing.T) {
	// GIVEN
	s := rpcSetup(t)
	ctx, cancel := context.WithTimeout(context.Background(), timeoutDuration)
	defer cancel()
	stream, err := s.conn.NewStream(ctx, &ServiceDesc.Streams[1], scheduleRewriteMethod,
		grpc.CallContentSubtype(CodecName))
	assert.NoError(t, err, "Expected stream to open")

	// WHEN
	assert.NoError(t, stream.SendMsg(&ScheduleRewriteRequest{}), "Expected send to succeed")
	err = stream.RecvMsg(&ScheduleRewriteResponse{})

	// THEN
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "Expected invalid argument")
}

func TestMessagesSkipUnknownFields(t *testing.T) {
	// GIVEN
	b := (&ScheduleRewriteRequest{Key: "k1", Status: RewriteStatusFailed}).marshal()
	b = protowire.AppendTag(b, 7, protowire.BytesType)
	b = protowire.AppendString(b, "future")
	b = protowire.AppendTag(b, 8, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 42)

	// WHEN
	got := &ScheduleRewriteRequest{}
	err := codec{}.Unmarshal(b, got)

	// THEN
	assert.NoError(t, err, "Expected unknown fields to be skipped")
	assert.Equal(t, &ScheduleRewriteRequest{Key: "k1", Status: RewriteStatusFailed}, got, "Expected known fields")

	// WHEN
	err = codec{}.Unmarshal(b[:len(b)-3], got)

	// THEN
	assert.Error(t, err, "Expected truncated message to fail")
}

func TestEmptyMessagesEncodeDefaults(t *testing.T) {
	// WHEN
	empty, err := codec{}.Marshal(&ScheduleExpensiveOperationResponse{})
	granted, _ := codec{}.Marshal(&ScheduleExpensiveOperationResponse{OkToProceed: true})
	_, errWrongType := codec{}.Marshal("not a message")

	// THEN
	assert.NoError(t, err, "Expected marshal to succeed")
	assert.Empty(t, empty, "Expected default values to be omitted")
	resp := &ScheduleExpensiveOperationResponse{}
	assert.NoError(t, codec{}.Unmarshal(granted, resp), "Expected unmarshal to succeed")
	assert.True(t, resp.OkToProceed, "Expected ok to proceed")
	assert.Error(t, errWrongType, "Expected marshal of unknown type to fail")
}
