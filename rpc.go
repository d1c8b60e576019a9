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
	"google.golang.org/grpc"

	"github.com/scailio-oss/centralcontroller/internal/rpc"
)

// NewRPCClient creates a CentralController that forwards all requests to a central controller in another process,
// served by RegisterRPCServer. Each request uses its own stream on conn. A request whose stream breaks before it was
// decided is canceled. Only the WithLogger option is used.
//
// ShutDown cancels the requests that are not decided yet; conn is not closed.
func NewRPCClient(conn grpc.ClientConnInterface, options ...Option) CentralController {
	params := newParams(options)
	return rpc.NewClient(conn, params.logger)
}

// RegisterRPCServer makes registrar, typically a *grpc.Server, serve requests of NewRPCClient clients from
// controller. Only the WithLogger option is used.
func RegisterRPCServer(registrar grpc.ServiceRegistrar, controller CentralController, options ...Option) {
	params := newParams(options)
	rpc.NewServer(controller, params.logger).Register(registrar)
}
