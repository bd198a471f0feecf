// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sshexecutor runs shell commands on cluster nodes over a
// long-lived multiplexed SSH connection.
package sshexecutor

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

var ErrNoAddress = errors.New("target has no address")

// A Target is a remote host commands can be executed on. Spot
// instances are ephemeral and their host keys are generated at boot,
// so the executor accepts whatever key the target presents.
type Target interface {
	// Address is the host (or host:port) to dial.
	Address() string
	// RemoteUser is the login account.
	RemoteUser() string
}

// New returns an Executor for the given target.
func New(t Target) *Executor {
	return &Executor{target: t}
}

// An Executor executes shell commands on a remote target over a
// multiplexed SSH connection, reconnecting automatically after
// errors.
//
// A zero Executor must not be used before calling SetTarget. An
// Executor must not be copied.
type Executor struct {
	target     Target
	targetPort string
	signers    []ssh.Signer
	mtx        sync.RWMutex

	client      *ssh.Client
	clientErr   error
	clientOnce  sync.Once
	clientSetup chan bool // len>0 while client setup is in progress
}

// SetSigners updates the private keys offered to the target the next
// time a connection is set up.
func (exr *Executor) SetSigners(signers ...ssh.Signer) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.signers = signers
}

// SetTarget sets the current target. The new target is used next time
// a connection is set up; an established connection keeps running.
// The new target is assumed to be the same host as the previous one,
// although its address might differ (e.g. after a reboot).
func (exr *Executor) SetTarget(t Target) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.target = t
}

// SetTargetPort sets the port used when the target's address does not
// specify one. The default is "ssh".
func (exr *Executor) SetTargetPort(port string) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.targetPort = port
}

// Target returns the current target.
func (exr *Executor) Target() Target {
	exr.mtx.RLock()
	defer exr.mtx.RUnlock()
	return exr.target
}

// Execute runs cmd on the target, setting up a new connection first
// if the existing one is not usable.
func (exr *Executor) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	session, err := exr.newSession()
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()
	for k, v := range env {
		err = session.Setenv(k, v)
		if err != nil {
			return nil, nil, err
		}
	}
	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(cmd)
	return stdout.Bytes(), stderr.Bytes(), err
}

// ExitCode extracts the remote command's exit status from an Execute
// error: 0 for nil, the remote status for a remote failure, -1 for a
// connection-level error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}

// Close shuts down any active connection.
func (exr *Executor) Close() {
	// Ensure exr is initialized
	exr.sshClient(false)

	exr.clientSetup <- true
	if exr.client != nil {
		defer exr.client.Close()
	}
	exr.client, exr.clientErr = nil, errors.New("closed")
	<-exr.clientSetup
}

// Create a new SSH session. If session setup fails or the SSH client
// hasn't been setup yet, setup a new SSH client and try again.
func (exr *Executor) newSession() (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := exr.sshClient(create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

// Get the latest SSH client. If another goroutine is in the process
// of setting one up, wait for it to finish and return its result (or
// the last successfully setup client, if it fails).
func (exr *Executor) sshClient(create bool) (*ssh.Client, error) {
	exr.clientOnce.Do(func() {
		exr.clientSetup = make(chan bool, 1)
		exr.clientErr = errors.New("client not yet created")
	})
	defer func() { <-exr.clientSetup }()
	select {
	case exr.clientSetup <- true:
		if create {
			client, err := exr.setupSSHClient()
			if err == nil || exr.client == nil {
				if exr.client != nil {
					// Hang up the previous
					// (non-working) client
					go exr.client.Close()
				}
				exr.client, exr.clientErr = client, err
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		// Another goroutine is doing the above case. Wait for
		// it to finish and return whatever it leaves in
		// exr.client.
		exr.clientSetup <- true
	}
	return exr.client, exr.clientErr
}

func (exr *Executor) targetHostPort() (string, string) {
	addr := exr.Target().Address()
	if addr == "" {
		return "", ""
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil || p == "" {
		// Target address does not specify a port.
		if h == "" {
			h = addr
		}
		if p = exr.targetPort; p == "" {
			p = "ssh"
		}
	}
	return h, p
}

func (exr *Executor) setupSSHClient() (*ssh.Client, error) {
	addr := net.JoinHostPort(exr.targetHostPort())
	if addr == ":" {
		return nil, ErrNoAddress
	}
	exr.mtx.RLock()
	signers := exr.signers
	exr.mtx.RUnlock()
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User: exr.Target().RemoteUser(),
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signers...),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         time.Minute,
	})
}
