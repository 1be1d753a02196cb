package allowlist

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"

	xerrors "PoF-Vault/internal/errors"
)

// Seed models the allow-list bootstrap file, e.g. configs/allowlist.yaml.
type Seed struct {
	Signers           []string `yaml:"signers"`
	KYCProviders      []string `yaml:"kyc_providers"`
	SanctionsVersions []string `yaml:"sanctions_versions"`
}

// LoadSeed parses the YAML seed file. An empty path yields an empty seed.
func LoadSeed(path string) (Seed, error) {
	if strings.TrimSpace(path) == "" {
		return Seed{}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("读取名单种子文件失败: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(content, &seed); err != nil {
		return Seed{}, fmt.Errorf("解析名单种子文件失败: %w", err)
	}
	return seed, nil
}

// Apply writes every seeded entry through the owner-gated setters, so caller
// must be the owner of both lists.
func (s Seed) Apply(ctx context.Context, caller common.Address, signers *SignerAllowlist, compliance *ComplianceAllowlist) error {
	for _, raw := range s.Signers {
		addr, err := parseAddress(raw)
		if err != nil {
			return err
		}
		if err := signers.SetSigner(ctx, caller, addr, true); err != nil {
			return err
		}
	}
	for _, raw := range s.KYCProviders {
		addr, err := parseAddress(raw)
		if err != nil {
			return err
		}
		if err := compliance.SetProvider(ctx, caller, addr, true); err != nil {
			return err
		}
	}
	for _, raw := range s.SanctionsVersions {
		version, err := ParseHash(raw)
		if err != nil {
			return err
		}
		if err := compliance.SetSanctionsVersion(ctx, caller, version, true); err != nil {
			return err
		}
	}
	return nil
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的地址: %q", raw))
	}
	return common.HexToAddress(raw), nil
}

// ParseHash decodes a 0x-prefixed 32-byte identifier.
func ParseHash(raw string) (common.Hash, error) {
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(decoded) != common.HashLength {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的 32 字节标识: %q", raw))
	}
	return common.BytesToHash(decoded), nil
}
