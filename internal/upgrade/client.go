// Package upgrade drives the zero-downtime agent replacement handshake:
// acquire the durable upgrade lock on the running primary, launch a
// candidate agent bound to an isolated socket and instance port offset,
// wait for the operator's restart to bring up a new primary, then hand
// the lock back.
package upgrade

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/tako-run/tako/internal/control"
)

// client is a one-shot connection to a management socket: dial, send a
// line, read a line, close. The coordinator opens a fresh client for
// each call rather than holding a connection open across the handoff,
// since the primary process itself is replaced partway through.
type client struct {
	conn   net.Conn
	reader *bufio.Scanner
	writer *bufio.Writer
}

func dial(ctx context.Context, socketPath string) (*client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, err
	}
	c := &client{
		conn:   conn,
		reader: bufio.NewScanner(conn),
		writer: bufio.NewWriter(conn),
	}
	c.reader.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return c, nil
}

func (c *client) close() { c.conn.Close() }

func (c *client) call(req control.Request) (control.Response, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return control.Response{}, err
	}
	line = append(line, '\n')
	if _, err := c.writer.Write(line); err != nil {
		return control.Response{}, err
	}
	if err := c.writer.Flush(); err != nil {
		return control.Response{}, err
	}
	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return control.Response{}, err
		}
		return control.Response{}, fmt.Errorf("connection closed before a response arrived")
	}
	var resp control.Response
	if err := json.Unmarshal(c.reader.Bytes(), &resp); err != nil {
		return control.Response{}, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}

// hello dials socketPath, completes the handshake, and closes the
// connection. Used to probe whether a freshly spawned candidate (or a
// freshly restarted primary) is accepting connections yet.
func hello(ctx context.Context, socketPath string) error {
	c, err := dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer c.close()

	resp, err := c.call(control.Request{Command: "hello", ProtocolVersion: control.ProtocolVersion})
	if err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("handshake rejected: %s", resp.Message)
	}
	return nil
}

// serverInfo dials socketPath and issues server_info, returning the
// decoded runtime info (its Mode is "normal" or "upgrading").
func serverInfo(ctx context.Context, socketPath string) (control.ServerRuntimeInfo, error) {
	c, err := dial(ctx, socketPath)
	if err != nil {
		return control.ServerRuntimeInfo{}, err
	}
	defer c.close()

	if _, err := c.call(control.Request{Command: "hello", ProtocolVersion: control.ProtocolVersion}); err != nil {
		return control.ServerRuntimeInfo{}, err
	}
	resp, err := c.call(control.Request{Command: "server_info"})
	if err != nil {
		return control.ServerRuntimeInfo{}, err
	}
	if resp.Status != "ok" {
		return control.ServerRuntimeInfo{}, fmt.Errorf("server_info failed: %s", resp.Message)
	}
	var info control.ServerRuntimeInfo
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return control.ServerRuntimeInfo{}, err
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return control.ServerRuntimeInfo{}, err
	}
	return info, nil
}

// enterUpgrading dials socketPath and acquires the upgrade lock under owner.
func enterUpgrading(ctx context.Context, socketPath, owner string) error {
	c, err := dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer c.close()

	if _, err := c.call(control.Request{Command: "hello", ProtocolVersion: control.ProtocolVersion}); err != nil {
		return err
	}
	resp, err := c.call(control.Request{Command: "enter_upgrading", Owner: owner})
	if err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("enter_upgrading failed: %s", resp.Message)
	}
	return nil
}

// exitUpgrading dials socketPath and releases the upgrade lock held by owner.
func exitUpgrading(ctx context.Context, socketPath, owner string) error {
	c, err := dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer c.close()

	if _, err := c.call(control.Request{Command: "hello", ProtocolVersion: control.ProtocolVersion}); err != nil {
		return err
	}
	resp, err := c.call(control.Request{Command: "exit_upgrading", Owner: owner})
	if err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("exit_upgrading failed: %s", resp.Message)
	}
	return nil
}

// pollUntil retries fn on a fixed interval until it succeeds, ctx is
// done, or the overall timeout elapses.
func pollUntil(ctx context.Context, timeout, interval time.Duration, fn func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		callCtx, cancel := context.WithTimeout(ctx, interval)
		lastErr = fn(callCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s: %w", timeout, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
