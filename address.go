package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Ravencoin base58 version bytes. Only the fields address handling reads
// are filled in.
var (
	ravencoinMainNetParams = chaincfg.Params{
		Name:             "ravencoin-mainnet",
		PubKeyHashAddrID: 60,
		ScriptHashAddrID: 122,
		PrivateKeyID:     128,
	}
	ravencoinTestNetParams = chaincfg.Params{
		Name:             "ravencoin-testnet",
		PubKeyHashAddrID: 111,
		ScriptHashAddrID: 196,
		PrivateKeyID:     239,
	}
)

func chainParamsFor(testnet bool) *chaincfg.Params {
	if testnet {
		return &ravencoinTestNetParams
	}
	return &ravencoinMainNetParams
}

// scriptForAddress validates a base58 address locally and returns its
// scriptPubKey.
func scriptForAddress(addr string, params *chaincfg.Params) ([]byte, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" || params == nil {
		return nil, errors.New("empty address")
	}

	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %s is not valid for %s", addr, params.Name)
	}
	switch decoded.(type) {
	case *btcutil.AddressPubKeyHash, *btcutil.AddressScriptHash:
	default:
		return nil, fmt.Errorf("address %s: unsupported address type", addr)
	}

	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("pay to addr script: %w", err)
	}
	return script, nil
}

// scriptToAddress renders P2PKH and P2SH scripts back into base58. Other
// scripts yield "".
func scriptToAddress(script []byte, params *chaincfg.Params) string {
	if len(script) == 0 || params == nil {
		return ""
	}

	// P2PKH: OP_DUP OP_HASH160 <20> <hash> OP_EQUALVERIFY OP_CHECKSIG
	if len(script) == 25 &&
		script[0] == txscript.OP_DUP && script[1] == txscript.OP_HASH160 &&
		script[2] == txscript.OP_DATA_20 && script[23] == txscript.OP_EQUALVERIFY && script[24] == txscript.OP_CHECKSIG {
		return base58.CheckEncode(script[3:23], params.PubKeyHashAddrID)
	}

	// P2SH: OP_HASH160 <20> <hash> OP_EQUAL
	if len(script) == 23 &&
		script[0] == txscript.OP_HASH160 && script[1] == txscript.OP_DATA_20 && script[22] == txscript.OP_EQUAL {
		return base58.CheckEncode(script[2:22], params.ScriptHashAddrID)
	}
	return ""
}
