// Package clients builds exchange API clients used as market price sources.
// All clients here are read-only: the engine never places orders.
package clients

import (
	"context"
	"crypto/ecdsa"

	"github.com/adshao/go-binance/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	hyperliquid "github.com/sonirico/go-hyperliquid"
)

func NewBinanceClient(apiKey, apiSecret string) *binance.Client {
	return binance.NewClient(apiKey, apiSecret)
}

func NewBybitClient(apiKey, apiSecret string) *bybit.Client {
	return bybit.NewClient().WithAuth(apiKey, apiSecret)
}

// NewHyperliquidInfo builds the Hyperliquid Info client. The SDK requires a
// signing key even for read paths, so a throwaway key is generated when none
// is configured.
func NewHyperliquidInfo(ctx context.Context, privateKeyHex, baseURL string) (*hyperliquid.Info, error) {
	key := privateKeyHex
	if len(key) >= 2 && (key[:2] == "0x" || key[:2] == "0X") {
		key = key[2:]
	}

	var (
		privateKey *ecdsa.PrivateKey
		err        error
	)
	if key == "" {
		privateKey, err = crypto.GenerateKey()
	} else {
		privateKey, err = crypto.HexToECDSA(key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "hyperliquid signing key")
	}

	if baseURL == "" {
		baseURL = "https://api.hyperliquid.xyz"
	}

	accountAddr := crypto.PubkeyToAddress(privateKey.PublicKey).Hex()

	ex := hyperliquid.NewExchange(
		ctx,
		privateKey,
		baseURL,
		nil,
		"",
		accountAddr,
		nil,
	)

	return ex.Info(), nil
}
