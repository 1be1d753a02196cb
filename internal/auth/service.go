package auth

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/pkg/logger"
)

const (
	grantTypeWallet  = "wallet_signature"
	loginPrefix      = "PoF-Vault login"
	defaultAccessTTL = 3600
	defaultWindow    = 300
)

// CallerHeader carries the caller address when authentication is disabled.
const CallerHeader = "X-PoF-Caller"

// Claims 是访问令牌携带的声明，主体为调用方地址。
type Claims struct {
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode      Mode
	secret    []byte
	issuer    string
	audience  []string
	accessTTL time.Duration
	window    time.Duration
	now       func() time.Time
	audit     *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	if mode == "" {
		mode = ModeJWT
	}
	svc := &Service{
		mode:  mode,
		now:   time.Now,
		audit: logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "jwt secret must be configured")
		}
		if cfg.JWT.AccessTTL <= 0 {
			cfg.JWT.AccessTTL = defaultAccessTTL
		}
		if cfg.LoginWindowSeconds <= 0 {
			cfg.LoginWindowSeconds = defaultWindow
		}
		svc.secret = []byte(cfg.JWT.Secret)
		svc.issuer = cfg.JWT.Issuer
		svc.audience = cfg.JWT.Audience
		svc.accessTTL = time.Duration(cfg.JWT.AccessTTL) * time.Second
		svc.window = time.Duration(cfg.LoginWindowSeconds) * time.Second
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("unsupported auth mode: %s", cfg.Mode))
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// IssueToken 为 subject 签发访问令牌。
func (s *Service) IssueToken(subject *Subject) (*TokenPair, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	if subject == nil || subject.Address == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "subject address is required")
	}
	now := s.now()
	perms := append([]string(nil), subject.Permissions...)
	claims := Claims{
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.Address.Hex(),
			Issuer:    s.issuer,
			Audience:  s.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "sign token")
	}
	return &TokenPair{
		AccessToken: signed,
		ExpiresIn:   int64(s.accessTTL / time.Second),
		TokenType:   "Bearer",
		Scope:       perms,
		Subject:     &Subject{Address: subject.Address, Permissions: perms},
	}, nil
}

// Authenticate 校验钱包签名登录请求并签发令牌。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	grant := strings.TrimSpace(strings.ToLower(req.GrantType))
	if grant == "" {
		grant = grantTypeWallet
	}
	if grant != grantTypeWallet {
		return nil, ErrUnsupportedGrant
	}
	address, err := s.verifyLogin(req)
	if err != nil {
		s.audit.Warn("login_rejected", slog.String("address", req.Address), slog.String("error", err.Error()))
		return nil, err
	}
	pair, err := s.IssueToken(&Subject{Address: address, Permissions: DefaultPermissions})
	if err != nil {
		return nil, err
	}
	s.audit.Info("login_succeeded", slog.String("address", address.Hex()))
	return pair, nil
}

// LoginMessage 返回钱包需要签名的登录消息。
func LoginMessage(address common.Address, at time.Time) string {
	return fmt.Sprintf("%s %s %d", loginPrefix, address.Hex(), at.Unix())
}

// SignLogin 使用私钥对登录消息做 personal_sign 签名，供 CLI 与测试使用。
func SignLogin(message string, sign func(digest []byte) ([]byte, error)) (string, error) {
	sig, err := sign(accounts.TextHash([]byte(message)))
	if err != nil {
		return "", err
	}
	if len(sig) == crypto.SignatureLength && sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

func (s *Service) verifyLogin(req TokenRequest) (common.Address, error) {
	if !common.IsHexAddress(req.Address) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "address is not a valid hex address")
	}
	claimed := common.HexToAddress(req.Address)
	fields := strings.Fields(req.Message)
	if len(fields) != 4 || strings.Join(fields[:2], " ") != loginPrefix || !strings.EqualFold(fields[2], claimed.Hex()) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "malformed login message")
	}
	ts, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed login timestamp")
	}
	age := s.now().Sub(time.Unix(ts, 0))
	if age < -s.window || age > s.window {
		return common.Address{}, ErrStaleLogin
	}

	sig, err := hexutil.Decode(req.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, xerrors.New(xerrors.CodeUnauthenticated, "malformed signature")
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(req.Message)), sig)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeUnauthenticated, err, "recover login signer")
	}
	if crypto.PubkeyToAddress(*pub) != claimed {
		return common.Address{}, xerrors.New(xerrors.CodeUnauthenticated, "signature does not match address")
	}
	return claimed, nil
}

// AuthenticateRequest 验证传入请求的授权头，并返回相应的主体信息。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	return s.verifyToken(token)
}

func (s *Service) verifyToken(token string) (*Subject, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if len(s.audience) > 0 {
		opts = append(opts, jwt.WithAudience(s.audience[0]))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if stdErrors.Is(err, jwt.ErrTokenExpired) {
			return nil, xerrors.Wrap(xerrors.CodeUnauthenticated, err, "token has expired")
		}
		return nil, xerrors.Wrap(xerrors.CodeUnauthenticated, err, "invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || !common.IsHexAddress(claims.Subject) {
		return nil, ErrInvalidToken
	}
	subject := &Subject{Address: common.HexToAddress(claims.Subject), Permissions: claims.Permissions}
	subject.normalise()
	return subject, nil
}
