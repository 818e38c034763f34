// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package main provides a CLI tool for managing the preseeded users of a
// stomp-go configuration file.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/turtacn/stomp-go/pkg/config"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("stomp-user", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	command := fs.String("cmd", "", "Command: generate, list, add, update, remove, verify")
	username := fs.String("user", "", "Username")
	password := fs.String("pass", "", "Password")
	algorithm := fs.String("algo", "bcrypt", "Password algorithm: plain, sha256, bcrypt")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "stomp-go User Management Tool\n\n")
		fmt.Fprintf(stderr, "Usage: stomp-user [OPTIONS]\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		fmt.Fprintf(stderr, "  generate              Generate sample config file\n")
		fmt.Fprintf(stderr, "  list                  List all users\n")
		fmt.Fprintf(stderr, "  add                   Add a new user\n")
		fmt.Fprintf(stderr, "  update                Change a user's password\n")
		fmt.Fprintf(stderr, "  remove                Remove a user\n")
		fmt.Fprintf(stderr, "  verify                Check a password against the stored hash\n")
		fmt.Fprintf(stderr, "\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  stomp-user -cmd=add -user=alice -pass=secret -algo=bcrypt\n")
		fmt.Fprintf(stderr, "  stomp-user -cmd=verify -user=alice -pass=secret\n")
	}

	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *command == "" {
		fs.Usage()
		return errUsage
	}

	switch *command {
	case "generate":
		if err := config.SaveConfig(config.DefaultConfig(), *configPath); err != nil {
			return fmt.Errorf("failed to generate config file: %w", err)
		}
		fmt.Fprintf(stdout, "✓ Sample configuration saved to %s\n", *configPath)
		return nil
	case "list":
		return listUsers(*configPath, stdout)
	case "add", "update":
		return saveUser(*command, *configPath, *username, *password, *algorithm, stdout)
	case "remove":
		return removeUser(*configPath, *username, stdout)
	case "verify":
		return verifyUser(*configPath, *username, *password, stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", *command)
		fs.Usage()
		return errUsage
	}
}

func listUsers(configPath string, out io.Writer) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	users := cfg.ListUsers()
	if len(users) == 0 {
		fmt.Fprintln(out, "No users configured")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tALGORITHM\tSTORED")
	fmt.Fprintln(w, "--------\t---------\t------")
	for _, user := range users {
		stored := "hash"
		if user.PasswordHash == "" {
			stored = "plain"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", user.Username, user.Algorithm, stored)
	}
	return w.Flush()
}

func saveUser(command, configPath, username, password, algorithm string, out io.Writer) error {
	if username == "" {
		return errors.New("username is required")
	}
	if password == "" {
		return errors.New("password is required")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if command == "add" {
		err = cfg.AddUser(username, password, algorithm)
	} else {
		err = cfg.UpdateUser(username, password, algorithm)
	}
	if err != nil {
		return fmt.Errorf("failed to %s user: %w", command, err)
	}

	if err := config.SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Fprintf(out, "✓ User '%s' %sd successfully\n", username, command)
	return nil
}

func removeUser(configPath, username string, out io.Writer) error {
	if username == "" {
		return errors.New("username is required")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.RemoveUser(username); err != nil {
		return fmt.Errorf("failed to remove user: %w", err)
	}
	if err := config.SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Fprintf(out, "✓ User '%s' removed successfully\n", username)
	return nil
}

func verifyUser(configPath, username, password string, out io.Writer) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	for _, user := range cfg.ListUsers() {
		if user.Username != username {
			continue
		}
		cred, err := user.Credential(cfg.Broker.Auth.BcryptCost)
		if err != nil {
			return err
		}
		if !cred.Verify(password) {
			return fmt.Errorf("password does not match for user '%s'", username)
		}
		fmt.Fprintf(out, "✓ Password matches for user '%s'\n", username)
		return nil
	}
	return fmt.Errorf("user '%s' not found", username)
}
