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
	"google.golang.org/grpc"
)

const (
	ServiceName                      = "net_instaweb.CentralControllerRpcService"
	scheduleExpensiveOperationMethod = "/" + ServiceName + "/ScheduleExpensiveOperation"
	scheduleRewriteMethod            = "/" + ServiceName + "/ScheduleRewrite"
)

// Handler serves the streams of the central controller service.
type Handler interface {
	ScheduleExpensiveOperation(stream grpc.ServerStream) error
	ScheduleRewrite(stream grpc.ServerStream) error
}

// ServiceDesc describes the central controller service. Register a Handler with it.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ScheduleExpensiveOperation",
			Handler:       scheduleExpensiveOperationHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "ScheduleRewrite",
			Handler:       scheduleRewriteHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pagespeed/controller/controller.proto",
}

func scheduleExpensiveOperationHandler(srv any, stream grpc.ServerStream) error {
	return srv.(Handler).ScheduleExpensiveOperation(stream)
}

func scheduleRewriteHandler(srv any, stream grpc.ServerStream) error {
	return srv.(Handler).ScheduleRewrite(stream)
}
