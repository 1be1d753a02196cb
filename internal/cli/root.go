// Package cli implements pofctl, the development and administration client
// of the PoF vault API.
package cli

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"PoF-Vault/sdk/go/pof"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server string
	Token  string
	Caller string
	Format string // "json" | "text"
	KeyEnv string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for pofctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "pofctl",
		Short: "pofctl - proof-of-funds vault client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr("POF_SERVER", "http://127.0.0.1:8080"), "vault API base url")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("POF_TOKEN"), "bearer token for mutating calls")
	cmd.PersistentFlags().StringVar(&opts.Caller, "caller", "", "caller address sent when the server has auth disabled")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.KeyEnv, "key-env", "POF_KEY", "environment variable holding the hex private key")

	cmd.AddCommand(NewDomainCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewSignCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewRecordCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func (o *RootOptions) client() (*pof.Client, error) {
	client, err := pof.NewClient(o.Server, nil)
	if err != nil {
		return nil, err
	}
	if o.Token != "" {
		client.SetAccessToken(o.Token)
	}
	if o.Caller != "" {
		client.SetCaller(o.Caller)
	}
	return client, nil
}

func (o *RootOptions) privateKey() (*ecdsa.PrivateKey, error) {
	raw := strings.TrimSpace(os.Getenv(o.KeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("environment variable %s is empty", o.KeyEnv)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key from %s: %w", o.KeyEnv, err)
	}
	return key, nil
}

// emit writes v as indented JSON, or calls text for the text format.
func (o *RootOptions) emit(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
