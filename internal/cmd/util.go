// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	cli "github.com/jawher/mow.cli"

	"github.com/gwatts/dynmigrate/dynmigrate"
)

func fail(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	cli.Exit(100)
}

func initAWS(maxRetries int) *dynamodb.DynamoDB {
	// Workaround for https://github.com/aws/aws-sdk-go/issues/1139
	r := &CustomRetryer{
		DefaultRetryer: &client.DefaultRetryer{
			NumMaxRetries: maxRetries,
		},
	}

	cfg := aws.NewConfig()
	cfg = request.WithRetryer(cfg, r)

	s, err := session.NewSession(cfg)
	if err != nil {
		fail("Failed to create AWS session: %v", err)
	}
	return dynamodb.New(s)
}

type CustomRetryer struct {
	*client.DefaultRetryer
}

func (cr *CustomRetryer) ShouldRetry(r *request.Request) bool {
	// Scan seems to frequently drop connections, which results in a
	// SerializationError; trap and force a retry.
	if r.Error != nil && r.Operation.Name == "Scan" {
		if err, ok := r.Error.(awserr.Error); ok {
			if err.Code() == "SerializationError" {
				return true
			}
		}
	}

	return cr.DefaultRetryer.ShouldRetry(r)
}

func openStore(dir string) *dynmigrate.FileStore {
	store, err := dynmigrate.NewFileStore(dir)
	if err != nil {
		fail("Failed to open state directory %q: %v", dir, err)
	}
	return store
}

// stateDirOpt adds the shared --state-dir option to a command and returns
// its value pointer.
func stateDirOpt(cmd *cli.Cmd) *string {
	return cmd.String(cli.StringOpt{
		Name:   "state-dir",
		Value:  dynmigrate.DefaultStateDir,
		Desc:   "Directory holding migration state files",
		EnvVar: "MIGRATION_STATE_DIR",
	})
}

func checkRange(name string, value, min, max int) {
	if value < min || (max > 0 && value > max) {
		if max > 0 {
			fail("--%s must be between %d and %d", name, min, max)
		}
		fail("--%s must be at least %d", name, min)
	}
}
