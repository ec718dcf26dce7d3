package main

import (
	"bufio"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash a password for DEV_IDP_USERS",
	Long:  `Reads a password from stdin and prints its bcrypt hash.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")

		scanner := bufio.NewScanner(cmd.InOrStdin())
		if !scanner.Scan() {
			return errors.New("no input")
		}

		password := scanner.Text()
		if password == "" {
			return errors.New("empty password")
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(hash))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}
