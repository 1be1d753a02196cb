package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http/httptest"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PoF-Vault/internal/allowlist"
	"PoF-Vault/internal/api"
	"PoF-Vault/internal/auth"
	"PoF-Vault/internal/custody"
	"PoF-Vault/internal/ledger"
	"PoF-Vault/internal/signature"
	"PoF-Vault/internal/vault"
	"PoF-Vault/sdk/go/pof"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	owner := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	holder := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	asset := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	custodian := custody.NewMemoryCustodian()
	custodian.Credit(holder, asset, big.NewInt(1_000_000))
	signers := allowlist.NewSignerAllowlist(owner)
	compliance := allowlist.NewComplianceAllowlist(owner)
	v, err := vault.New(ctx, vault.Params{
		Store:      ledger.NewMemoryStore(),
		Custodian:  custodian,
		Signers:    signers,
		Compliance: compliance,
		Domain: signature.Domain{
			Name:              "PoF-Vault",
			Version:           "1",
			ChainID:           big.NewInt(31337),
			VerifyingContract: common.HexToAddress("0x0000000000000000000000000000000000c0ffee"),
		},
		Owner: owner,
	})
	if err != nil {
		panic(err)
	}
	authSvc, err := auth.NewService(auth.Config{Mode: auth.ModeDisabled})
	if err != nil {
		panic(err)
	}
	server := api.NewServer(":0", api.Dependencies{Vault: v, Signers: signers, Compliance: compliance, Auth: authSvc})

	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	client, err := pof.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetCaller(holder.Hex())

	id, err := client.MintEscrow(ctx, pof.EscrowMint{Asset: asset.Hex(), Amount: "250000"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("minted record %d\n", id)

	result, err := client.Verify(ctx, id, asset.Hex(), "200000")
	if err != nil {
		panic(err)
	}
	fmt.Printf("verify >= 200000: valid=%t reason=%s\n", result.Valid, result.Reason)

	result, err = client.Verify(ctx, id, asset.Hex(), "300000")
	if err != nil {
		panic(err)
	}
	fmt.Printf("verify >= 300000: valid=%t reason=%s\n", result.Valid, result.Reason)

	if err := client.Burn(ctx, id); err != nil {
		panic(err)
	}
	fmt.Printf("burned record %d, holder balance %s\n", id, custodian.BalanceOf(holder, asset))
}
