// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"time"

	turn "github.com/pion/turnrelay"
	"github.com/spf13/cobra"
)

var errSecretRequired = errors.New("--secret is required")

// credentialsCmd prints a time-windowed username and password accepted by a
// server configured with the same shared secret.
func credentialsCmd() *cobra.Command {
	var (
		secret   string
		user     string
		validFor time.Duration
	)

	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Generate time-windowed credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				return errSecretRequired
			}

			var (
				username, password string
				err                error
			)
			if user != "" {
				username, password, err = turn.GenerateLongTermTURNRESTCredentials(secret, user, validFor)
			} else {
				username, password, err = turn.GenerateLongTermCredentials(secret, validFor)
			}
			if err != nil {
				return err
			}

			cmd.Printf("username: %s\npassword: %s\n", username, password)

			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Shared secret of the server")
	cmd.Flags().StringVar(&user, "user", "", "User ID for TURN REST API usernames (timestamp:user)")
	cmd.Flags().DurationVar(&validFor, "valid-for", 24*time.Hour, "Lifetime of the credentials")

	return cmd
}
