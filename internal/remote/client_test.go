package remote_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"moviequeue/internal/config"
	"moviequeue/internal/job"
	"moviequeue/internal/logging"
	"moviequeue/internal/remote"
	"moviequeue/internal/services"
	"moviequeue/internal/testsupport"
)

type handlerFunc func(command string, stdin []byte) (stdout string, exit uint32)

type testServer struct {
	addr    string
	hostKey ssh.Signer

	mu       sync.Mutex
	commands []string
}

func (s *testServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func newSigner(t *testing.T) (ssh.Signer, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer, priv
}

func startServer(t *testing.T, authorized ssh.PublicKey, handler handlerFunc) *testServer {
	t.Helper()
	hostKey, _ := newSigner(t)
	serverConfig := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("key rejected")
		},
	}
	serverConfig.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	srv := &testServer{addr: ln.Addr().String(), hostKey: hostKey}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn, serverConfig, handler)
		}
	}()
	return srv
}

func (s *testServer) serve(conn net.Conn, cfg *ssh.ServerConfig, handler handlerFunc) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer channel.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)
				s.mu.Lock()
				s.commands = append(s.commands, payload.Command)
				s.mu.Unlock()

				stdin, _ := io.ReadAll(channel)
				out, code := handler(payload.Command, stdin)
				_, _ = io.WriteString(channel, out)
				_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
				return
			}
		}()
	}
}

// clientConfig writes the client key and known_hosts entry for srv into the
// paths named by a fresh test config.
func clientConfig(t *testing.T, clientKey ed25519.PrivateKey, srv *testServer) *config.Config {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Remote.User = "media"
	if err := os.MkdirAll(filepath.Dir(cfg.Remote.KeyPath), 0o700); err != nil {
		t.Fatalf("mkdir ssh: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(clientKey, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	if err := os.WriteFile(cfg.Remote.KeyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	line := ""
	if srv != nil {
		line = knownhosts.Line([]string{knownhosts.Normalize(srv.addr)}, srv.hostKey.PublicKey()) + "\n"
	}
	if err := os.WriteFile(cfg.Remote.KnownHostsPath, []byte(line), 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	return cfg
}

func TestSubmitSendsDescriptorAndParsesAck(t *testing.T) {
	clientSigner, clientKey := newSigner(t)
	var received job.Descriptor
	srv := startServer(t, clientSigner.PublicKey(), func(command string, stdin []byte) (string, uint32) {
		if err := json.Unmarshal(stdin, &received); err != nil {
			return "bad input", 2
		}
		ack := job.Ack{ID: received.ID, PID: 4242, LogPath: "/var/log/x.log", State: job.StateRunning}
		data, _ := json.Marshal(ack)
		return string(data), 0
	})
	cfg := clientConfig(t, clientKey, srv)
	client := remote.New(cfg, logging.NewNop())

	d := job.Descriptor{ID: "job-1", Kind: job.KindTranscode, Target: "/srv/in/it's.avi", Output: "/srv/out/a.mp4", Destination: "/srv/lib/a.mp4"}
	ack, err := client.Submit(context.Background(), srv.addr, d)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack.PID != 4242 || ack.Host != srv.addr || ack.ID != "job-1" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if received.Target != d.Target {
		t.Fatalf("descriptor not delivered intact: %+v", received)
	}
	commands := srv.seen()
	if len(commands) != 1 || commands[0] != "'moviequeue' 'remote' 'accept'" {
		t.Fatalf("unexpected remote commands %q", commands)
	}
}

func TestSubmitMapsWorkerRefusal(t *testing.T) {
	clientSigner, clientKey := newSigner(t)
	srv := startServer(t, clientSigner.PublicKey(), func(string, []byte) (string, uint32) {
		ack := remote.RefusalAck(job.Descriptor{ID: "job-2"}, "worker", services.Wrap(services.ErrAlreadyInProgress, "dispatch", "accept", "busy", nil))
		data, _ := json.Marshal(ack)
		return string(data), 3
	})
	client := remote.New(clientConfig(t, clientKey, srv), logging.NewNop())

	_, err := client.Submit(context.Background(), srv.addr, job.Descriptor{ID: "job-2", Kind: job.KindMove, Target: "/a", Destination: "/b"})
	if !errors.Is(err, services.ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}
}

func TestRunFailureIsRemoteSpawn(t *testing.T) {
	clientSigner, clientKey := newSigner(t)
	srv := startServer(t, clientSigner.PublicKey(), func(string, []byte) (string, uint32) {
		return "", 127
	})
	client := remote.New(clientConfig(t, clientKey, srv), logging.NewNop())

	_, err := client.Submit(context.Background(), srv.addr, job.Descriptor{ID: "job-3"})
	if !errors.Is(err, services.ErrRemoteSpawn) {
		t.Fatalf("expected ErrRemoteSpawn, got %v", err)
	}
}

func TestStatusAndListProcesses(t *testing.T) {
	clientSigner, clientKey := newSigner(t)
	srv := startServer(t, clientSigner.PublicKey(), func(command string, _ []byte) (string, uint32) {
		switch {
		case strings.Contains(command, "'status'"):
			return `{"id":"job-4","kind":"transcode","target":"/in/a.avi","state":"done"}`, 0
		case strings.Contains(command, "'procs'"):
			return `[{"pid":10,"binary":"HandBrakeCLI","target":"/in/a.avi","host":"localhost"}]`, 0
		}
		return "", 1
	})
	client := remote.New(clientConfig(t, clientKey, srv), logging.NewNop())
	ctx := context.Background()

	st, err := client.Status(ctx, srv.addr, "job-4")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != job.StateDone || st.Host != srv.addr {
		t.Fatalf("unexpected status %+v", st)
	}
	procs, err := client.ListProcesses(ctx, srv.addr)
	if err != nil {
		t.Fatalf("ListProcesses: %v", err)
	}
	if len(procs) != 1 || procs[0].PID != 10 || procs[0].Host != srv.addr {
		t.Fatalf("unexpected processes %+v", procs)
	}
}

func TestRejectedKeyIsAuthError(t *testing.T) {
	authorized, _ := newSigner(t)
	_, otherKey := newSigner(t)
	srv := startServer(t, authorized.PublicKey(), func(string, []byte) (string, uint32) { return "", 0 })
	client := remote.New(clientConfig(t, otherKey, srv), logging.NewNop())

	_, err := client.Run(context.Background(), srv.addr, nil, "procs")
	if !errors.Is(err, services.ErrRemoteAuth) {
		t.Fatalf("expected ErrRemoteAuth, got %v", err)
	}
}

func TestUnknownHostKeyIsAuthError(t *testing.T) {
	clientSigner, clientKey := newSigner(t)
	srv := startServer(t, clientSigner.PublicKey(), func(string, []byte) (string, uint32) { return "", 0 })
	client := remote.New(clientConfig(t, clientKey, nil), logging.NewNop())

	_, err := client.Run(context.Background(), srv.addr, nil, "procs")
	if !errors.Is(err, services.ErrRemoteAuth) {
		t.Fatalf("expected ErrRemoteAuth, got %v", err)
	}
}

func TestClosedPortIsUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, clientKey := newSigner(t)
	client := remote.New(clientConfig(t, clientKey, nil), logging.NewNop())
	_, err = client.Run(context.Background(), addr, nil, "procs")
	if !errors.Is(err, services.ErrRemoteUnreachable) {
		t.Fatalf("expected ErrRemoteUnreachable, got %v", err)
	}
	if !remote.IsTransient(err) {
		t.Fatal("expected unreachable errors to be transient")
	}
}

func TestMissingKeyIsAuthError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	client := remote.New(testsupport.NewConfig(t), logging.NewNop())
	_, err = client.Run(context.Background(), ln.Addr().String(), nil, "procs")
	if !errors.Is(err, services.ErrRemoteAuth) {
		t.Fatalf("expected ErrRemoteAuth, got %v", err)
	}
}
