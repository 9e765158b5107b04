package simulate

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/oltcli/oltcli/pkg/logger"
)

// namespaceServer 单个 namespace 的监听服务
type namespaceServer struct {
	nsName   string
	cfg      NamespaceConfig
	simCfg   *Config
	listener net.Listener
	hostKey  ssh.Signer
	hist     *history

	active int
	conns  map[net.Conn]struct{}
	mu     sync.Mutex
	wg     sync.WaitGroup
}

func newNamespaceServer(nsName string, nsCfg NamespaceConfig, simCfg *Config) (*namespaceServer, error) {
	s := &namespaceServer{
		nsName: nsName,
		cfg:    nsCfg,
		simCfg: simCfg,
		hist:   &history{},
		conns:  make(map[net.Conn]struct{}),
	}
	if s.protocol() == "ssh" {
		signer, err := loadOrCreateHostKey(nsCfg.HostKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to init host key: %w", err)
		}
		s.hostKey = signer
	}
	return s, nil
}

func (s *namespaceServer) protocol() string {
	p := strings.ToLower(strings.TrimSpace(s.cfg.Protocol))
	if p == "" {
		return "tcp"
	}
	return p
}

// loadOrCreateHostKey 加载持久化的 host key；路径为空时生成临时密钥
func loadOrCreateHostKey(keyPath string) (ssh.Signer, error) {
	if keyPath != "" {
		if bs, err := os.ReadFile(keyPath); err == nil {
			signer, err := ssh.ParsePrivateKey(bs)
			if err == nil {
				return signer, nil
			}
			logger.Warnf("Simulate: host key parse failed, regenerating: %v", err)
		}
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	if keyPath != "" {
		block, err := ssh.MarshalPrivateKey(key, "oltcli simulate")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal host key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to ensure host key dir: %w", err)
		}
		if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write host key: %w", err)
		}
		logger.WithField("file", keyPath).Info("Simulate: host key generated")
	}
	return ssh.NewSignerFromKey(key)
}

func (s *namespaceServer) start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return err
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// addr 实际监听地址（端口为 0 时由系统分配）
func (s *namespaceServer) addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *namespaceServer) acceptLoop() {
	defer s.wg.Done()
	log := logger.WithField("namespace", s.nsName)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warnf("Simulate: accept error: %v", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		// 并发限制
		s.mu.Lock()
		if s.cfg.MaxConn > 0 && s.active >= s.cfg.MaxConn {
			s.mu.Unlock()
			_ = conn.Close()
			log.Warn("Simulate: reject connection, max_conn exceeded")
			continue
		}
		s.active++
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer func() {
				_ = c.Close()
				s.mu.Lock()
				s.active--
				delete(s.conns, c)
				s.mu.Unlock()
			}()
			idle := newIdleCloser(s.cfg.IdleSeconds, func() { _ = c.Close() })
			defer idle.stop()
			if s.protocol() == "ssh" {
				s.handleSSH(c, idle)
				return
			}
			newOLTSession(touchReader{ReadWriter: c, idle: idle}, s.simCfg, s.cfg, s.hist).run(true)
		}(conn)
	}
}

// stop 关闭监听与全部连接
func (s *namespaceServer) stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// handleSSH 密码认证后直接进入命令行（登录已在协议层完成）
func (s *namespaceServer) handleSSH(nc net.Conn, idle *idleCloser) {
	var user UserConfig
	srvCfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			u, ok := s.simCfg.user(meta.User())
			if ok && u.Password == string(password) {
				user = u
				return nil, nil
			}
			return nil, fmt.Errorf("access denied")
		},
	}
	srvCfg.AddHostKey(s.hostKey)

	conn, chans, reqs, err := ssh.NewServerConn(nc, srvCfg)
	if err != nil {
		logger.WithField("namespace", s.nsName).Debugf("Simulate: SSH handshake failed: %v", err)
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer channel.Close()
			for req := range requests {
				switch req.Type {
				case "pty-req":
					_ = req.Reply(true, nil)
				case "shell":
					_ = req.Reply(true, nil)
					sess := newOLTSession(touchReader{ReadWriter: channel, idle: idle}, s.simCfg, s.cfg, s.hist)
					sess.user = user
					sess.run(false)
					return
				default:
					_ = req.Reply(false, nil)
				}
			}
		}()
	}
}
