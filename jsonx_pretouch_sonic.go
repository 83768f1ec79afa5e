//go:build !nojsonsimd

package main

import (
	"reflect"

	"github.com/bytedance/sonic"
)

// Warm sonic's codegen for the stratum and rpc hot paths. Failures only
// cost first-call latency.
func init() {
	for _, v := range []any{
		StratumRequest{},
		StratumResponse{},
		rpcRequest{},
		rpcResponse{},
		GetBlockTemplateResult{},
		kawpowHashResult{},
		kawpowdResult{},
	} {
		_ = sonic.Pretouch(reflect.TypeOf(v))
	}
}
