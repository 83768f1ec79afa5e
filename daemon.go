package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/remeh/sizedwaitgroup"
)

var errNoDaemons = errors.New("no daemons configured")

// daemonResult is one instance's answer to a fanned-out command.
type daemonResult struct {
	Instance int
	Response json.RawMessage
	Err      error
}

// DaemonInterface talks to one or more coin daemons. Commands fan out to
// every instance; batches and templates go to the first.
type DaemonInterface struct {
	clients []*RPCClient
}

func NewDaemonInterface(daemons []DaemonConfig) (*DaemonInterface, error) {
	if len(daemons) == 0 {
		return nil, errNoDaemons
	}
	d := &DaemonInterface{clients: make([]*RPCClient, 0, len(daemons))}
	for _, cfg := range daemons {
		d.clients = append(d.clients, NewRPCClient(cfg))
	}
	return d, nil
}

func (d *DaemonInterface) StartCookieWatchers(ctx context.Context) {
	for _, c := range d.clients {
		c.StartCookieWatcher(ctx)
	}
}

func (d *DaemonInterface) primary() *RPCClient {
	return d.clients[0]
}

// cmd runs method on every instance concurrently. Results are in instance
// order.
func (d *DaemonInterface) cmd(ctx context.Context, method string, params []any) []daemonResult {
	if params == nil {
		params = []any{}
	}
	results := make([]daemonResult, len(d.clients))
	swg := sizedwaitgroup.New(len(d.clients))
	for i, c := range d.clients {
		swg.Add()
		go func(i int, c *RPCClient) {
			defer swg.Done()
			var raw json.RawMessage
			err := c.callCtx(ctx, method, params, &raw)
			results[i] = daemonResult{Instance: i, Response: raw, Err: err}
		}(i, c)
	}
	swg.Wait()
	return results
}

// call runs method on the first instance and decodes the result into out.
func (d *DaemonInterface) call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	return d.primary().callCtx(ctx, method, params, out)
}

// batchCmd sends calls as one batch to the first instance.
func (d *DaemonInterface) batchCmd(ctx context.Context, calls []rpcCall) ([]rpcResponse, error) {
	return d.primary().batchCtx(ctx, calls)
}

// isOnline reports whether every instance answers getinfo.
func (d *DaemonInterface) isOnline(ctx context.Context) (bool, error) {
	var failed []string
	for _, r := range d.cmd(ctx, "getinfo", nil) {
		if r.Err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", d.clients[r.Instance].endpointLabel(), r.Err))
		}
	}
	if len(failed) > 0 {
		return false, fmt.Errorf("daemon connection failed: %s", strings.Join(failed, "; "))
	}
	return true, nil
}

func (d *DaemonInterface) healthyCount() int {
	n := 0
	for _, c := range d.clients {
		if c.Healthy() {
			n++
		}
	}
	return n
}
