package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/breeze-rmm/bioauth/internal/config"
	"github.com/breeze-rmm/bioauth/internal/credential"
	"github.com/breeze-rmm/bioauth/internal/secmem"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Store the credential service API token in the config file",
	Long: `token reads the API token from the terminal without echoing it and
writes it to the config file, which is kept owner-readable only.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToken()
	},
}

func runToken() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tok, err := readToken()
	if err != nil {
		return err
	}
	defer tok.Zero()

	cfg.APIToken = tok.Reveal()
	if err := config.SaveTo(cfg, cfgFile); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if exp, ok := credential.TokenExpiry(cfg.APIToken); ok {
		fmt.Printf("Token saved, expires %s\n", exp.Local().Format(time.RFC1123))
	} else {
		fmt.Println("Token saved")
	}
	return nil
}

func readToken() (*secmem.SecureString, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("no terminal available for the token prompt (set BIOAUTH_API_TOKEN instead)")
	}
	fmt.Fprint(os.Stderr, "API token: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}
	s := strings.TrimSpace(string(b))
	clear(b)
	if s == "" {
		return nil, errors.New("empty token")
	}
	return secmem.NewSecureString(s), nil
}

// interactive reports whether prompts can wait on a user at stdin.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
