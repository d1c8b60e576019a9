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

// Package rpc lets a central controller run in a separate process. Every request is one bidirectional stream: the
// client sends the request, the server answers whether the client may proceed and, on a grant, waits for the client to
// report completion on the same stream.
package rpc

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// RewriteStatus is the status of a rewrite as reported by the client.
type RewriteStatus int32

const (
	RewriteStatusPending RewriteStatus = 0
	RewriteStatusSuccess RewriteStatus = 1
	RewriteStatusFailed  RewriteStatus = 2
)

// message is implemented by all messages sent on the streams of this package.
type message interface {
	marshal() []byte
	unmarshal(b []byte) error
}

// ScheduleExpensiveOperationRequest is sent once to request an operation and, after a grant, once more with Done set.
type ScheduleExpensiveOperationRequest struct {
	Done bool
}

type ScheduleExpensiveOperationResponse struct {
	OkToProceed bool
}

// ScheduleRewriteRequest is sent with status pending to request a rewrite of Key and, after a grant, once more with
// the outcome.
type ScheduleRewriteRequest struct {
	Key    string
	Status RewriteStatus
}

type ScheduleRewriteResponse struct {
	OkToProceed bool
}

func (m *ScheduleExpensiveOperationRequest) marshal() []byte {
	return appendBool(nil, 1, m.Done)
}

func (m *ScheduleExpensiveOperationRequest) unmarshal(b []byte) error {
	*m = ScheduleExpensiveOperationRequest{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			m.Done = v != 0
			return n, true
		}
		return 0, false
	})
}

func (m *ScheduleExpensiveOperationResponse) marshal() []byte {
	return appendBool(nil, 1, m.OkToProceed)
}

func (m *ScheduleExpensiveOperationResponse) unmarshal(b []byte) error {
	*m = ScheduleExpensiveOperationResponse{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			m.OkToProceed = v != 0
			return n, true
		}
		return 0, false
	})
}

func (m *ScheduleRewriteRequest) marshal() []byte {
	var b []byte
	if m.Key != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Key)
	}
	if m.Status != RewriteStatusPending {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Status))
	}
	return b
}

func (m *ScheduleRewriteRequest) unmarshal(b []byte) error {
	*m = ScheduleRewriteRequest{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Key = v
			return n, true
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Status = RewriteStatus(int32(v))
			return n, true
		}
		return 0, false
	})
}

func (m *ScheduleRewriteResponse) marshal() []byte {
	return appendBool(nil, 1, m.OkToProceed)
}

func (m *ScheduleRewriteResponse) unmarshal(b []byte) error {
	*m = ScheduleRewriteResponse{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			m.OkToProceed = v != 0
			return n, true
		}
		return 0, false
	})
}

// appendBool appends the field unless v is false, which is the default.
func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// unmarshalFields calls field for every field in b. field returns the number of bytes it consumed of the value and
// false if it does not know the field, which is then skipped.
func unmarshalFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, bool)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "reading field tag")
		}
		b = b[n:]

		n, known := field(num, typ, b)
		if !known {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "reading field %d", num)
		}
		b = b[n:]
	}
	return nil
}
