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
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CENTRALCONTROLLER"

const (
	expensiveWorkBound = "work-bound"
	expensiveQueued    = "queued"

	rewritesPopularity   = "popularity-contest"
	rewritesMemoryLock   = "memory-lock"
	rewritesDynamoDBLock = "dynamodb-lock"
)

type config struct {
	bind        string
	metricsBind string
	development bool

	expensive    string
	workBound    int64
	maxExpensive int

	rewrites           string
	maxRunningRewrites int
	maxQueuedRewrites  int
	lockWait           time.Duration
	lockSteal          time.Duration

	dynamoDBTable           string
	dynamoDBRegion          string
	dynamoDBEndpoint        string
	dynamoDBAccessKeyID     string
	dynamoDBSecretAccessKey string
	dynamoDBTimeout         time.Duration
	ownerName               string
	lockIdPrefix            string
}

// addFlags defines all configuration options and their defaults.
func (c *config) addFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "Configuration file (TOML) to read from.")
	flags.StringVar(&c.bind, "bind", ":5405", "Address the gRPC service listens on.")
	flags.StringVar(&c.metricsBind, "metrics-bind", ":9102", "Address /metrics is served on, empty to disable.")
	flags.BoolVar(&c.development, "development", false, "Human readable debug logging.")

	flags.StringVar(&c.expensive, "expensive", expensiveQueued,
		fmt.Sprintf("Expensive operation controller: %s or %s.", expensiveWorkBound, expensiveQueued))
	flags.Int64Var(&c.workBound, "work-bound", 8, "Expensive operations admitted at once by "+expensiveWorkBound+
		", 0 for unlimited.")
	flags.IntVar(&c.maxExpensive, "max-expensive", 4, "Expensive operations running at once by "+expensiveQueued+".")

	flags.StringVar(&c.rewrites, "rewrites", rewritesPopularity, fmt.Sprintf("Rewrite controller: %s, %s or %s.",
		rewritesPopularity, rewritesMemoryLock, rewritesDynamoDBLock))
	flags.IntVar(&c.maxRunningRewrites, "max-running-rewrites", 8, "Rewrites running at once by "+
		rewritesPopularity+".")
	flags.IntVar(&c.maxQueuedRewrites, "max-queued-rewrites", 1000, "Rewrites waiting by "+rewritesPopularity+".")
	flags.DurationVar(&c.lockWait, "lock-wait", time.Minute, "Time a rewrite waits for its lock.")
	flags.DurationVar(&c.lockSteal, "lock-steal", 30*time.Second, "Time after which a held rewrite lock is stolen.")

	flags.StringVar(&c.dynamoDBTable, "dynamodb-table", "centralcontroller-locks", "DynamoDB lock table.")
	flags.StringVar(&c.dynamoDBRegion, "dynamodb-region", "eu-west-1", "DynamoDB region.")
	flags.StringVar(&c.dynamoDBEndpoint, "dynamodb-endpoint", "", "DynamoDB endpoint URL, empty for the AWS default.")
	flags.StringVar(&c.dynamoDBAccessKeyID, "dynamodb-access-key-id", "", "DynamoDB access key id.")
	flags.StringVar(&c.dynamoDBSecretAccessKey, "dynamodb-secret-access-key", "", "DynamoDB secret access key.")
	flags.DurationVar(&c.dynamoDBTimeout, "dynamodb-timeout", time.Second, "Timeout of a single DynamoDB call.")
	flags.StringVar(&c.ownerName, "owner-name", "", "Name of this process in the lock table, random if empty.")
	flags.StringVar(&c.lockIdPrefix, "lock-id-prefix", "", "Prefix of all lock names in the lock table.")
}

func (c *config) validate() error {
	switch c.expensive {
	case expensiveWorkBound, expensiveQueued:
	default:
		return errors.Errorf("unknown expensive operation controller %q", c.expensive)
	}
	switch c.rewrites {
	case rewritesPopularity, rewritesMemoryLock:
	case rewritesDynamoDBLock:
		if c.dynamoDBAccessKeyID == "" || c.dynamoDBSecretAccessKey == "" {
			return errors.New("rewrites " + rewritesDynamoDBLock + " needs dynamodb-access-key-id and " +
				"dynamodb-secret-access-key")
		}
	default:
		return errors.Errorf("unknown rewrite controller %q", c.rewrites)
	}
	for name, value := range map[string]int{
		"max-expensive":        c.maxExpensive,
		"max-running-rewrites": c.maxRunningRewrites,
		"max-queued-rewrites":  c.maxQueuedRewrites,
	} {
		if value < 1 {
			return errors.Errorf("%s must be positive, got %d", name, value)
		}
	}
	return nil
}

// setAllConfig reads the values of all flags from the command line, the environment and a config file, in that
// priority order. Environment variables are the flag names in upper case with dashes replaced by underscores,
// prefixed with envPrefix and an underscore.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return errors.Wrap(err, "binding flags")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	validTags := make(map[string]bool)
	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "reading configuration file '%s'", c)
		}
		for _, key := range v.AllKeys() {
			if !validTags[key] {
				return errors.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			// set on the command line, which has the highest priority
			return
		}
		flagErr = f.Value.Set(v.GetString(f.Name))
	})
	return flagErr
}
