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
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/scailio-oss/centralcontroller/logger"
	"github.com/scailio-oss/centralcontroller/transaction"
)

// Client submits requests to a remote central controller. None of the methods block: each request runs on its own
// stream, its callback is called once the server decided. If the stream breaks before the decision, the callback is
// canceled.
type Client struct {
	logger logger.Logger
	conn   grpc.ClientConnInterface

	// parent of all stream contexts, canceled in ShutDown
	ctx    context.Context
	cancel context.CancelFunc
	// counts running stream goroutines
	wg sync.WaitGroup

	// write lock during shutdown, sync access to closed
	closedMu sync.RWMutex
	closed   bool
}

func NewClient(conn grpc.ClientConnInterface, logger logger.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		logger: logger,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Client) ScheduleExpensiveOperation(callback transaction.ExpensiveOperationCallback) {
	if !c.startGoroutine() {
		callback.Cancel()
		return
	}
	go func() {
		defer c.wg.Done()
		c.scheduleExpensiveOperation(callback)
	}()
}

func (c *Client) ScheduleRewrite(callback transaction.ScheduleRewriteCallback) {
	if !c.startGoroutine() {
		callback.Cancel()
		return
	}
	go func() {
		defer c.wg.Done()
		c.scheduleRewrite(callback)
	}()
}

// ShutDown aborts all streams and waits for their goroutines to finish. Requests that are not decided yet are
// canceled, later requests are canceled right away. Granted requests are released by the server.
func (c *Client) ShutDown() {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return
	}
	c.closed = true
	c.closedMu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// startGoroutine registers a new goroutine in wg. Returns false if the client is shut down.
func (c *Client) startGoroutine() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Client) scheduleExpensiveOperation(callback transaction.ExpensiveOperationCallback) {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(c.ctx)

	stream, ok := c.request(ctx, id, scheduleExpensiveOperationMethod, &ServiceDesc.Streams[0],
		&ScheduleExpensiveOperationRequest{}, &ScheduleExpensiveOperationResponse{},
		func(m message) bool { return m.(*ScheduleExpensiveOperationResponse).OkToProceed })
	if !ok {
		cancel()
		callback.Cancel()
		return
	}

	callback.SetTransactionContext(transaction.NewExpensiveOperationContext(c.logger, func() {
		c.finish(ctx, cancel, id, stream, &ScheduleExpensiveOperationRequest{Done: true})
	}))
	callback.Run()
}

func (c *Client) scheduleRewrite(callback transaction.ScheduleRewriteCallback) {
	id := uuid.NewString()
	key := callback.Key()
	ctx, cancel := context.WithCancel(c.ctx)

	stream, ok := c.request(ctx, id, scheduleRewriteMethod, &ServiceDesc.Streams[1],
		&ScheduleRewriteRequest{Key: key}, &ScheduleRewriteResponse{},
		func(m message) bool { return m.(*ScheduleRewriteResponse).OkToProceed })
	if !ok {
		cancel()
		callback.Cancel()
		return
	}

	callback.SetTransactionContext(transaction.NewScheduleRewriteContext(c.logger, key,
		func() {
			c.finish(ctx, cancel, id, stream, &ScheduleRewriteRequest{Key: key, Status: RewriteStatusSuccess})
		},
		func() {
			c.finish(ctx, cancel, id, stream, &ScheduleRewriteRequest{Key: key, Status: RewriteStatusFailed})
		}))
	callback.Run()
}

// request opens a stream, sends req and reads the decision into resp. Returns true if the request was granted.
func (c *Client) request(ctx context.Context, id string, method string, desc *grpc.StreamDesc, req message,
	resp message, okToProceed func(m message) bool) (grpc.ClientStream, bool) {
	stream, err := c.conn.NewStream(ctx, desc, method, grpc.CallContentSubtype(CodecName))
	if err != nil {
		c.logger.Error(ctx, "Could not open stream (id/method/err)", id, method, err)
		return nil, false
	}
	if err := stream.SendMsg(req); err != nil {
		c.logger.Error(ctx, "Could not send request (id/method/err)", id, method, err)
		return nil, false
	}
	if err := stream.RecvMsg(resp); err != nil {
		// A server closing the stream without a response denies the request.
		c.logger.Debug(ctx, "No decision received, denying (id/method/err)", id, method, err)
		return nil, false
	}
	if !okToProceed(resp) {
		_ = stream.CloseSend()
		c.logger.Debug(ctx, "Request denied (id/method)", id, method)
		return nil, false
	}
	c.logger.Debug(ctx, "Request granted (id/method)", id, method)
	return stream, true
}

// finish reports the end of a granted request on its stream and waits for the server to close it in the background.
func (c *Client) finish(ctx context.Context, cancel context.CancelFunc, id string, stream grpc.ClientStream,
	msg message) {
	if !c.startGoroutine() {
		cancel()
		c.logger.Warn(ctx, "Client shut down, not reporting completion (id)", id)
		return
	}
	go func() {
		defer c.wg.Done()
		defer cancel()

		if err := stream.SendMsg(msg); err != nil {
			c.logger.Error(ctx, "Could not report completion (id/err)", id, err)
			return
		}
		if err := stream.CloseSend(); err != nil {
			c.logger.Error(ctx, "Could not close stream (id/err)", id, err)
			return
		}
		// Read until the server closed the stream, which returns io.EOF.
		for {
			if err := stream.RecvMsg(&ScheduleRewriteResponse{}); err != nil {
				return
			}
		}
	}()
}
