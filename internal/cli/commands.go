package cli

import (
	"fmt"
	"io"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"PoF-Vault/internal/auth"
	"PoF-Vault/internal/signature"
	"PoF-Vault/sdk/go/pof"
)

// NewDomainCommand prints the signing domain of the server.
func NewDomainCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "domain",
		Short: "Show the typed-data signing domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			domain, err := client.Domain(cmd.Context())
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), domain, func(w io.Writer) {
				fmt.Fprintf(w, "name:      %s\nversion:   %s\nchain id:  %s\ncontract:  %s\nseparator: %s\n",
					domain.Name, domain.Version, domain.ChainID, domain.VerifyingContract, domain.Separator)
			})
		},
	}
}

// NewTokenCommand signs a login message with the local key and exchanges it
// for an access token.
func NewTokenCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Obtain an access token by signing a login message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := opts.privateKey()
			if err != nil {
				return err
			}
			address := crypto.PubkeyToAddress(key.PublicKey)
			message := auth.LoginMessage(address, time.Now())
			sig, err := auth.SignLogin(message, func(digest []byte) ([]byte, error) {
				return crypto.Sign(digest, key)
			})
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			token, err := client.Authenticate(cmd.Context(), pof.TokenRequest{
				Address:   address.Hex(),
				Message:   message,
				Signature: sig,
			})
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), token, func(w io.Writer) {
				fmt.Fprintln(w, token.AccessToken)
			})
		},
	}
}

type signOptions struct {
	account  string
	asset    string
	amount   string
	expiry   uint64
	nonce    int64
	name     string
	version  string
	chainID  int64
	contract string
}

// NewSignCommand produces an attestation signature for an attested mint.
// Without --chain-id and --contract the domain is fetched from the server,
// and a negative --nonce is replaced by the account's current nonce.
func NewSignCommand(opts *RootOptions) *cobra.Command {
	so := &signOptions{}
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a proof-of-funds attestation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, opts, so)
		},
	}
	cmd.Flags().StringVar(&so.account, "account", "", "account the attestation is for")
	cmd.Flags().StringVar(&so.asset, "asset", "", "asset address")
	cmd.Flags().StringVar(&so.amount, "amount", "", "attested amount in base units")
	cmd.Flags().Uint64Var(&so.expiry, "expiry", 0, "unix expiry, 0 for none")
	cmd.Flags().Int64Var(&so.nonce, "nonce", -1, "account nonce; negative fetches it from the server")
	cmd.Flags().StringVar(&so.name, "domain-name", "PoF-Vault", "domain name for offline signing")
	cmd.Flags().StringVar(&so.version, "domain-version", "1", "domain version for offline signing")
	cmd.Flags().Int64Var(&so.chainID, "chain-id", 0, "chain id for offline signing")
	cmd.Flags().StringVar(&so.contract, "contract", "", "verifying contract for offline signing")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("asset")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

// SignResult is the output of the sign command.
type SignResult struct {
	Signer    string `json:"signer"`
	Digest    string `json:"digest"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

func runSign(cmd *cobra.Command, opts *RootOptions, so *signOptions) error {
	key, err := opts.privateKey()
	if err != nil {
		return err
	}
	if !common.IsHexAddress(so.account) || !common.IsHexAddress(so.asset) {
		return fmt.Errorf("account and asset must be hex addresses")
	}
	amount, ok := new(big.Int).SetString(so.amount, 0)
	if !ok || amount.Sign() < 0 {
		return fmt.Errorf("invalid amount %q", so.amount)
	}

	offline := so.chainID > 0 && so.contract != ""
	var client *pof.Client
	if !offline || so.nonce < 0 {
		if client, err = opts.client(); err != nil {
			return err
		}
	}

	domain := signature.Domain{
		Name:              so.name,
		Version:           so.version,
		ChainID:           big.NewInt(so.chainID),
		VerifyingContract: common.HexToAddress(so.contract),
	}
	if !offline {
		remote, err := client.Domain(cmd.Context())
		if err != nil {
			return err
		}
		chainID, ok := new(big.Int).SetString(remote.ChainID, 10)
		if !ok {
			return fmt.Errorf("server returned invalid chain id %q", remote.ChainID)
		}
		domain = signature.Domain{
			Name:              remote.Name,
			Version:           remote.Version,
			ChainID:           chainID,
			VerifyingContract: common.HexToAddress(remote.VerifyingContract),
		}
	}

	var nonce uint64
	if so.nonce >= 0 {
		nonce = uint64(so.nonce)
	} else if nonce, err = client.Nonce(cmd.Context(), so.account); err != nil {
		return err
	}

	msg := signature.Message{
		Account: common.HexToAddress(so.account),
		Asset:   common.HexToAddress(so.asset),
		Amount:  amount,
		Expiry:  so.expiry,
		Nonce:   nonce,
	}
	digest, err := signature.Digest(domain, msg)
	if err != nil {
		return err
	}
	sig, err := signature.Sign(domain, msg, key)
	if err != nil {
		return err
	}
	result := SignResult{
		Signer:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Digest:    digest.Hex(),
		Nonce:     nonce,
		Signature: hexutil.Encode(sig),
	}
	return opts.emit(cmd.OutOrStdout(), result, func(w io.Writer) {
		fmt.Fprintln(w, result.Signature)
	})
}

// NewVerifyCommand checks a record against an asset and minimum amount.
func NewVerifyCommand(opts *RootOptions) *cobra.Command {
	var asset, minAmount string
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Verify a proof-of-funds record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid record id %q", args[0])
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			result, err := client.Verify(cmd.Context(), id, asset, minAmount)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "record %d: valid=%t reason=%s\n", result.ID, result.Valid, result.Reason)
			})
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "required asset; empty accepts any")
	cmd.Flags().StringVar(&minAmount, "min-amount", "", "required minimum amount")
	return cmd
}

// NewRecordCommand shows one record or lists records.
func NewRecordCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record <id>",
		Short: "Show a proof-of-funds record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid record id %q", args[0])
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			record, err := client.Record(cmd.Context(), id)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), record, func(w io.Writer) {
				printRecord(w, record)
			})
		},
	}

	var filter pof.ListFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List proof-of-funds records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			records, err := client.Records(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), records, func(w io.Writer) {
				for _, record := range records {
					printRecord(w, record)
				}
			})
		},
	}
	list.Flags().StringVar(&filter.Holder, "holder", "", "only records held by this address")
	list.Flags().StringVar(&filter.Mode, "mode", "", "ESCROW or ATTESTED")
	list.Flags().BoolVar(&filter.IncludeRevoked, "include-revoked", false, "include revoked records")
	list.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of records")
	list.Flags().IntVar(&filter.Offset, "offset", 0, "records to skip")
	cmd.AddCommand(list)
	return cmd
}

func printRecord(w io.Writer, r pof.Record) {
	fmt.Fprintf(w, "#%d %s holder=%s asset=%s amount=%s", r.ID, r.Mode, r.Holder, r.Asset, r.Amount)
	if r.Escrow != "" {
		fmt.Fprintf(w, " escrow=%s", r.Escrow)
	}
	if r.Signer != nil {
		fmt.Fprintf(w, " signer=%s", *r.Signer)
	}
	if r.Revoked {
		fmt.Fprint(w, " revoked")
	}
	fmt.Fprintln(w)
}
