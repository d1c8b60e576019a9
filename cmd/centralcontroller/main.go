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

// Command centralcontroller serves a central controller over gRPC to the rewrite workers of several processes.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/scailio-oss/centralcontroller"
	"github.com/scailio-oss/centralcontroller/logger"
	"github.com/scailio-oss/centralcontroller/stats"
)

const metricsNamespace = "centralcontroller"
const gracefulStopTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config{}
	rc := &cobra.Command{
		Use:   "centralcontroller",
		Short: "Admits expensive operations and rewrites of the rewrite workers of several processes.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setAllConfig(viper.New(), cmd.Flags()); err != nil {
				return err
			}
			return cfg.validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
		SilenceUsage: true,
	}
	cfg.addFlags(rc.Flags())
	return rc
}

func newLogger(cfg *config) (logger.Logger, error) {
	var l *zap.Logger
	var err error
	if cfg.development {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, errors.Wrap(err, "creating logger")
	}
	return logger.NewZap(l), nil
}

// newController creates the controller as configured, reporting to statistics.
func newController(cfg *config, log logger.Logger, statistics stats.Statistics) centralcontroller.CentralController {
	options := []centralcontroller.Option{
		centralcontroller.WithLogger(log),
		centralcontroller.WithStatistics(statistics),
	}

	switch cfg.expensive {
	case expensiveWorkBound:
		options = append(options, centralcontroller.WithWorkBoundExpensiveOperations(cfg.workBound))
	case expensiveQueued:
		options = append(options, centralcontroller.WithQueuedExpensiveOperations(cfg.maxExpensive))
	}

	lockOptions := []centralcontroller.Option{
		centralcontroller.WithLockWait(cfg.lockWait),
		centralcontroller.WithLockSteal(cfg.lockSteal),
	}
	switch cfg.rewrites {
	case rewritesPopularity:
		options = append(options,
			centralcontroller.WithPopularityContestRewrites(cfg.maxRunningRewrites, cfg.maxQueuedRewrites))
	case rewritesMemoryLock:
		manager := centralcontroller.NewMemoryLockManager(centralcontroller.WithLockManagerLogger(log))
		options = append(options, centralcontroller.WithNamedLockRewrites(manager))
		options = append(options, lockOptions...)
	case rewritesDynamoDBLock:
		ownerName := cfg.ownerName
		if ownerName == "" {
			ownerName = uuid.NewString()
		}
		manager := centralcontroller.NewDynamoDBLockManager(newDynamoDBClient(cfg), ownerName,
			centralcontroller.WithLockManagerLogger(log),
			centralcontroller.WithTableName(cfg.dynamoDBTable),
			centralcontroller.WithLockIdPrefix(cfg.lockIdPrefix),
			centralcontroller.WithDynamoDbTimeout(cfg.dynamoDBTimeout))
		options = append(options, centralcontroller.WithNamedLockRewrites(manager))
		options = append(options, lockOptions...)
	}

	return centralcontroller.New(options...)
}

func newDynamoDBClient(cfg *config) *dynamodb.Client {
	awsConfig := aws.NewConfig()
	awsConfig.Region = cfg.dynamoDBRegion
	if endpoint := cfg.dynamoDBEndpoint; endpoint != "" {
		awsConfig.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint}, nil
			})
	}
	awsConfig.Credentials = credentials.NewStaticCredentialsProvider(cfg.dynamoDBAccessKeyID,
		cfg.dynamoDBSecretAccessKey, "")
	return dynamodb.NewFromConfig(*awsConfig)
}

// run serves until ctx is done or serving fails.
func run(ctx context.Context, cfg *config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	statistics := stats.NewPrometheus(registry, metricsNamespace)
	centralcontroller.InitStats(statistics)

	controller := newController(cfg, log, statistics)
	defer controller.ShutDown()

	lis, err := net.Listen("tcp", cfg.bind)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", cfg.bind)
	}
	server := grpc.NewServer()
	centralcontroller.RegisterRPCServer(server, controller, centralcontroller.WithLogger(log))

	var metricsServer *http.Server
	if cfg.metricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.metricsBind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gctx, "Serving central controller (bind/expensive/rewrites)", cfg.bind, cfg.expensive, cfg.rewrites)
		return errors.Wrap(server.Serve(lis), "serving gRPC")
	})
	if metricsServer != nil {
		g.Go(func() error {
			log.Info(gctx, "Serving metrics (bind)", cfg.metricsBind)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "serving metrics")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "Shutting down")

		// Denies everything still waiting, graceful stop then only waits for granted requests.
		controller.ShutDown()
		stopGracefully(server)
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulStopTimeout)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func stopGracefully(server *grpc.Server) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(gracefulStopTimeout):
		server.Stop()
	}
}
