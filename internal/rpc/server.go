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
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/scailio-oss/centralcontroller/logger"
	"github.com/scailio-oss/centralcontroller/sequence"
	"github.com/scailio-oss/centralcontroller/transaction"
)

// Controller is what the server submits the requests of its clients to.
type Controller interface {
	ScheduleExpensiveOperation(callback transaction.ExpensiveOperationCallback)
	ScheduleRewrite(callback transaction.ScheduleRewriteCallback)
}

// Server serves requests of remote clients from a local Controller. A client that goes away before its request was
// decided has the request released as soon as it is granted, rewrites as failed since they never ran. A client that
// goes away after the grant has it released with the default outcome, done or succeeded.
type Server struct {
	logger     logger.Logger
	controller Controller
}

var _ Handler = &Server{}

func NewServer(controller Controller, logger logger.Logger) *Server {
	return &Server{logger: logger, controller: controller}
}

// Register registers the service at registrar, typically a *grpc.Server.
func (s *Server) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&ServiceDesc, s)
}

func (s *Server) ScheduleExpensiveOperation(stream grpc.ServerStream) error {
	ctx := stream.Context()
	req := &ScheduleExpensiveOperationRequest{}
	if err := stream.RecvMsg(req); err != nil {
		return receiveError(err)
	}
	id := uuid.NewString()

	granted := make(chan transaction.ExpensiveOperationContext, 1)
	denied := make(chan struct{})
	s.controller.ScheduleExpensiveOperation(transaction.NewExpensiveOperationCallback(sequence.NewInline(),
		func(owned *transaction.Owned[transaction.ExpensiveOperationContext]) {
			granted <- owned.Release()
		},
		func() {
			close(denied)
		}))

	tctx, ok, err := await(ctx, granted, denied, transaction.ExpensiveOperationContext.Done)
	if err != nil {
		s.logger.Debug(ctx, "Client went away before expensive operation was decided (id)", id)
		return err
	}
	if !ok {
		s.logger.Debug(ctx, "Denied expensive operation (id)", id)
		return sendError(stream.SendMsg(&ScheduleExpensiveOperationResponse{}))
	}
	defer tctx.Done()

	s.logger.Debug(ctx, "Granted expensive operation (id)", id)
	if err := stream.SendMsg(&ScheduleExpensiveOperationResponse{OkToProceed: true}); err != nil {
		return sendError(err)
	}

	done := &ScheduleExpensiveOperationRequest{}
	if err := stream.RecvMsg(done); err != nil || !done.Done {
		s.logger.Warn(ctx, "Client went away before finishing expensive operation, releasing (id/err)", id, err)
		return nil
	}
	s.logger.Debug(ctx, "Expensive operation done (id)", id)
	return nil
}

func (s *Server) ScheduleRewrite(stream grpc.ServerStream) error {
	ctx := stream.Context()
	req := &ScheduleRewriteRequest{}
	if err := stream.RecvMsg(req); err != nil {
		return receiveError(err)
	}
	if req.Key == "" || req.Status != RewriteStatusPending {
		return status.Errorf(codes.InvalidArgument, "rewrite request needs a key and status PENDING (key=%q, status=%d)",
			req.Key, req.Status)
	}
	key := req.Key
	id := uuid.NewString()

	granted := make(chan transaction.ScheduleRewriteContext, 1)
	denied := make(chan struct{})
	s.controller.ScheduleRewrite(transaction.NewScheduleRewriteCallback(sequence.NewInline(), key,
		func(owned *transaction.Owned[transaction.ScheduleRewriteContext]) {
			granted <- owned.Release()
		},
		func() {
			close(denied)
		}))

	tctx, ok, err := await(ctx, granted, denied, transaction.ScheduleRewriteContext.MarkFailed)
	if err != nil {
		s.logger.Debug(ctx, "Client went away before rewrite was decided (id/key)", id, key)
		return err
	}
	if !ok {
		s.logger.Debug(ctx, "Denied rewrite (id/key)", id, key)
		return sendError(stream.SendMsg(&ScheduleRewriteResponse{}))
	}

	s.logger.Debug(ctx, "Granted rewrite (id/key)", id, key)
	if err := stream.SendMsg(&ScheduleRewriteResponse{OkToProceed: true}); err != nil {
		tctx.MarkFailed()
		return sendError(err)
	}

	result := &ScheduleRewriteRequest{}
	err = stream.RecvMsg(result)
	switch {
	case err != nil:
		s.logger.Warn(ctx, "Client went away before finishing rewrite, releasing as succeeded (id/key/err)", id, key, err)
		tctx.MarkSucceeded()
	case result.Status == RewriteStatusSuccess:
		tctx.MarkSucceeded()
	case result.Status == RewriteStatusFailed:
		tctx.MarkFailed()
	default:
		s.logger.Warn(ctx, "Unexpected rewrite status, releasing as failed (id/key/status)", id, key, result.Status)
		tctx.MarkFailed()
	}
	return nil
}

// await waits until the request was granted or denied. If ctx ends before, the request is released with release as
// soon as it is granted, and the context error is returned.
func await[C any](ctx context.Context, granted <-chan C, denied <-chan struct{}, release func(C)) (C, bool, error) {
	var zero C
	select {
	case c := <-granted:
		return c, true, nil
	case <-denied:
		return zero, false, nil
	case <-ctx.Done():
		go func() {
			select {
			case c := <-granted:
				release(c)
			case <-denied:
			}
		}()
		return zero, false, status.FromContextError(ctx.Err()).Err()
	}
}

func receiveError(err error) error {
	if errors.Is(err, io.EOF) {
		// client closed the stream without a request
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Errorf(codes.Unknown, "receiving request: %v", err)
}

func sendError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Errorf(codes.Unknown, "sending response: %v", err)
}
