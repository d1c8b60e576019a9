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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/scailio-oss/centralcontroller/stats"
)

func configSetup(t *testing.T, args ...string) (*config, *pflag.FlagSet) {
	cfg := &config{}
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.addFlags(flags)
	assert.NoError(t, flags.Parse(args), "Expected flags to parse")
	return cfg, flags
}

func writeConfigFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "centralcontroller.toml")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o600), "Expected config file to be written")
	return path
}

func TestDefaults(t *testing.T) {
	// GIVEN
	cfg, flags := configSetup(t)

	// WHEN
	err := setAllConfig(viper.New(), flags)

	// THEN
	assert.NoError(t, err, "Expected no error")
	assert.NoError(t, cfg.validate(), "Expected defaults to be valid")
	assert.Equal(t, ":5405", cfg.bind, "Expected default bind")
	assert.Equal(t, expensiveQueued, cfg.expensive, "Expected default expensive controller")
	assert.Equal(t, rewritesPopularity, cfg.rewrites, "Expected default rewrite controller")
	assert.Equal(t, 30*time.Second, cfg.lockSteal, "Expected default steal time")
}

func TestPriorities(t *testing.T) {
	// GIVEN
	path := writeConfigFile(t, `
bind = ":7000"
max-running-rewrites = 3
max-queued-rewrites = 30
lock-wait = "5s"
`)
	t.Setenv("CENTRALCONTROLLER_MAX_QUEUED_REWRITES", "40")
	t.Setenv("CENTRALCONTROLLER_LOCK_WAIT", "6s")
	cfg, flags := configSetup(t, "--config", path, "--lock-wait", "7s")

	// WHEN
	err := setAllConfig(viper.New(), flags)

	// THEN
	assert.NoError(t, err, "Expected no error")
	assert.Equal(t, ":7000", cfg.bind, "Expected value of config file")
	assert.Equal(t, 3, cfg.maxRunningRewrites, "Expected value of config file")
	assert.Equal(t, 40, cfg.maxQueuedRewrites, "Expected environment to override config file")
	assert.Equal(t, 7*time.Second, cfg.lockWait, "Expected flag to override environment")
}

func TestUnknownOptionInConfigFile(t *testing.T) {
	// GIVEN
	path := writeConfigFile(t, `max-rewrites = 3`)
	_, flags := configSetup(t, "--config", path)

	// WHEN
	err := setAllConfig(viper.New(), flags)

	// THEN
	assert.Error(t, err, "Expected unknown option to be rejected")
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{"unknown expensive", []string{"--expensive", "unbounded"}},
		{"unknown rewrites", []string{"--rewrites", "fifo"}},
		{"dynamodb without credentials", []string{"--rewrites", rewritesDynamoDBLock}},
		{"no running rewrites", []string{"--max-running-rewrites", "0"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			// GIVEN
			cfg, flags := configSetup(t, tc.args...)
			assert.NoError(t, setAllConfig(viper.New(), flags), "Expected no error")

			// WHEN
			err := cfg.validate()

			// THEN
			assert.Error(t, err, "Expected invalid configuration")
		})
	}
}

func TestNewControllerForEveryKind(t *testing.T) {
	for _, rewrites := range []string{rewritesPopularity, rewritesMemoryLock} {
		for _, expensive := range []string{expensiveWorkBound, expensiveQueued} {
			// GIVEN
			cfg, flags := configSetup(t, "--rewrites", rewrites, "--expensive", expensive)
			assert.NoError(t, setAllConfig(viper.New(), flags), "Expected no error")
			log, err := newLogger(cfg)
			assert.NoError(t, err, "Expected logger")

			// WHEN
			controller := newController(cfg, log, stats.NewSimple())

			// THEN
			assert.NotNil(t, controller, "Expected a controller")
			controller.ShutDown()
		}
	}
}
