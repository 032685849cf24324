package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/artpar/featuregate/adapters/hasher"
	"github.com/artpar/featuregate/adapters/random"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token",
	Short: "Generate a bcrypt hash for admin.token_hash",
	Long: `Hash an admin token for admin.token_hash.

The token is read from the terminal without echo, or from stdin when piped.
With --generate a random token is created and printed alongside its hash.

Examples:
  featuregate hash-token
  echo -n "$TOKEN" | featuregate hash-token
  featuregate hash-token --generate`,
	RunE: runHashToken,
}

var hashTokenGenerate bool

func init() {
	rootCmd.AddCommand(hashTokenCmd)

	hashTokenCmd.Flags().BoolVar(&hashTokenGenerate, "generate", false, "generate a random token")
}

func runHashToken(cmd *cobra.Command, args []string) error {
	var token string
	if hashTokenGenerate {
		t, err := random.Real{}.Token(random.TokenPrefix, 24)
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}
		token = t
	} else {
		t, err := readToken()
		if err != nil {
			return err
		}
		token = t
	}

	if token == "" {
		return fmt.Errorf("token must not be empty")
	}

	hash, err := hasher.NewBcrypt(bcrypt.DefaultCost).Hash(token)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}

	if hashTokenGenerate {
		fmt.Printf("token: %s\n", token)
	}
	fmt.Printf("token_hash: %s\n", hash)
	return nil
}

func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Admin token: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
