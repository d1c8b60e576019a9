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

package main

import (
	"fmt"
	"time"

	"github.com/scailio-oss/centralcontroller"
	internallogger "github.com/scailio-oss/centralcontroller/internal/logger"
	"github.com/scailio-oss/centralcontroller/sequence"
	"github.com/scailio-oss/centralcontroller/stats"
	"github.com/scailio-oss/centralcontroller/transaction"
)

func main() {
	statistics := stats.NewSimple()
	centralcontroller.InitStats(statistics)

	controller := centralcontroller.New(
		centralcontroller.WithStatistics(statistics),
		// At most 2 image recompressions at once, the others wait in line
		centralcontroller.WithQueuedExpensiveOperations(2),
		// At most 4 rewrites at once, at most 100 keys waiting
		centralcontroller.WithPopularityContestRewrites(4, 100),
	)
	defer controller.ShutDown()

	// Callbacks run on sequences of a worker pool, never on the goroutine of the controller.
	pool := sequence.NewPool(4, internallogger.Default())
	defer pool.ShutDown()
	seq := pool.NewSequence()

	done := make(chan string, 2)

	// Rewrite 'logo.png', unless some other worker is already rewriting it
	controller.ScheduleRewrite(transaction.NewScheduleRewriteCallback(seq, "logo.png",
		func(ctx *transaction.Owned[transaction.ScheduleRewriteContext]) {
			// Keep the context while the expensive part runs elsewhere.
			rewrite := ctx.Release()

			controller.ScheduleExpensiveOperation(transaction.NewExpensiveOperationCallback(seq,
				func(ctx *transaction.Owned[transaction.ExpensiveOperationContext]) {
					// TODO recompress the image. Returning releases the expensive operation.
					time.Sleep(10 * time.Millisecond)
					rewrite.MarkSucceeded()
					done <- "rewrote " + rewrite.Key()
				},
				func() {
					// Too busy: give up now, the key keeps its popularity for the next request.
					rewrite.MarkFailed()
					done <- "gave up on " + rewrite.Key()
				}))
		},
		func() {
			done <- "logo.png is rewritten by someone else"
		}))

	// A second request for the same key while the first one runs is denied.
	controller.ScheduleRewrite(transaction.NewScheduleRewriteCallback(seq, "logo.png", nil, func() {
		done <- "second request for logo.png denied"
	}))

	for i := 0; i < 2; i++ {
		fmt.Println(<-done)
	}
	fmt.Printf("Rewrites succeeded: %d\n", statistics.GetVariable("popularity-contest-num-rewrites-succeeded").Get())
}
