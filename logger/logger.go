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

package logger

import (
	"context"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
)

// Logger is used by all components for their log output. Messages name their parameters in parentheses, the values
// follow in the same order as params.
type Logger interface {
	Debug(ctx context.Context, msg string, param ...any)
	Info(ctx context.Context, msg string, param ...any)
	Warn(ctx context.Context, msg string, param ...any)
	Error(ctx context.Context, msg string, param ...any)
}

// NewZap logs to the given zap logger.
func NewZap(l *zap.Logger) Logger {
	return &zapLogger{sugar: l.Sugar()}
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

func (z *zapLogger) Debug(_ context.Context, msg string, param ...any) {
	z.sugar.Debugw(msg, "params", param)
}

func (z *zapLogger) Info(_ context.Context, msg string, param ...any) {
	z.sugar.Infow(msg, "params", param)
}

func (z *zapLogger) Warn(_ context.Context, msg string, param ...any) {
	z.sugar.Warnw(msg, "params", param)
}

func (z *zapLogger) Error(_ context.Context, msg string, param ...any) {
	z.sugar.Errorw(msg, "params", param)
}

// debugVerbosity is the logr V-level used for Debug messages.
const debugVerbosity = 1

// NewLogr logs to the given logr logger. If the context carries a logr logger (logr.NewContext), that one is used
// instead. Warnings are logged at info level with a "warning" key, since logr has no warn level.
func NewLogr(l logr.Logger) Logger {
	return &logrLogger{fallback: l}
}

type logrLogger struct {
	fallback logr.Logger
}

func (l *logrLogger) from(ctx context.Context) logr.Logger {
	if ctx != nil {
		if fromCtx, err := logr.FromContext(ctx); err == nil {
			return fromCtx
		}
	}
	return l.fallback
}

func (l *logrLogger) Debug(ctx context.Context, msg string, param ...any) {
	l.from(ctx).V(debugVerbosity).Info(msg, "params", param)
}

func (l *logrLogger) Info(ctx context.Context, msg string, param ...any) {
	l.from(ctx).Info(msg, "params", param)
}

func (l *logrLogger) Warn(ctx context.Context, msg string, param ...any) {
	l.from(ctx).Info(msg, "warning", true, "params", param)
}

func (l *logrLogger) Error(ctx context.Context, msg string, param ...any) {
	l.from(ctx).Error(nil, msg, "params", param)
}
