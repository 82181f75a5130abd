package payment

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/money"
)

// Requirement 描述一种可接受的付款方式，随 402 响应下发给客户端。
type Requirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Token             string `json:"token"`
	Resource          string `json:"resource"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Beneficiary       string `json:"beneficiary"`
}

// Challenge 是 402 响应携带的付款要求集合。
type Challenge struct {
	Accepts []Requirement `json:"accepts"`
}

// EncodeChallenge 将付款要求编码为 base64(JSON) 令牌。
func EncodeChallenge(challenge Challenge) (string, error) {
	raw, err := json.Marshal(challenge)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码付款要求失败")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeChallenge 解析 base64(JSON) 形式的付款要求令牌。
func DecodeChallenge(token string) (Challenge, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return Challenge{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "付款令牌不是合法的 base64")
	}
	var challenge Challenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return Challenge{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "付款令牌解析失败")
	}
	return challenge, nil
}

// Envelope 是客户端随请求提交的 x402 付款信封，
// 内含一份 EIP-3009 授权的全部字段（签名为 r‖s‖v 65 字节打包）。
type Envelope struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
	Asset       string `json:"asset,omitempty"`
}

// DecodeEnvelope 解析 base64(JSON) 付款信封。
func DecodeEnvelope(token string) (*Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "付款信封不是合法的 base64")
	}
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "付款信封解析失败")
	}
	return &envelope, nil
}

// EncodeEnvelope 编码付款信封，供客户端 SDK 与测试使用。
func EncodeEnvelope(envelope *Envelope) (string, error) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码付款信封失败")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Authorization 将信封还原为结构化授权。
func (e *Envelope) Authorization() (*Authorization, error) {
	if !common.IsHexAddress(e.From) || !common.IsHexAddress(e.To) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "付款信封地址非法")
	}
	value, err := money.Parse(e.Value)
	if err != nil {
		return nil, err
	}
	nonceRaw, err := hexutil.Decode(e.Nonce)
	if err != nil || len(nonceRaw) != common.HashLength {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "付款信封 nonce 必须是 32 字节十六进制")
	}
	signature, err := hexutil.Decode(e.Signature)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidSignature, err, "付款信封签名非法")
	}
	return &Authorization{
		From:        common.HexToAddress(e.From),
		To:          common.HexToAddress(e.To),
		Value:       value,
		ValidAfter:  e.ValidAfter,
		ValidBefore: e.ValidBefore,
		Nonce:       common.BytesToHash(nonceRaw),
		Signature:   signature,
	}, nil
}

// FromAuthorization 由结构化授权构造信封。
func FromAuthorization(auth *Authorization, asset common.Address) *Envelope {
	return &Envelope{
		From:        auth.From.Hex(),
		To:          auth.To.Hex(),
		Value:       auth.Value.String(),
		ValidAfter:  auth.ValidAfter,
		ValidBefore: auth.ValidBefore,
		Nonce:       auth.Nonce.Hex(),
		Signature:   hexutil.Encode(auth.Signature),
		Asset:       asset.Hex(),
	}
}
