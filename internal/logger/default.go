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
	"sync"

	"go.uber.org/zap"

	"github.com/scailio-oss/centralcontroller/logger"
)

var (
	defaultOnce   sync.Once
	defaultLogger logger.Logger
)

// Default returns a process-wide development logger writing to stderr, including debug output.
func Default() logger.Logger {
	defaultOnce.Do(func() {
		l, err := zap.NewDevelopment()
		if err != nil {
			l = zap.NewExample()
		}
		defaultLogger = logger.NewZap(l)
	})
	return defaultLogger
}

// Nop discards everything.
func Nop() logger.Logger {
	return logger.NewZap(zap.NewNop())
}
