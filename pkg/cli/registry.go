package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oltcli/oltcli/pkg/logger"
	"github.com/oltcli/oltcli/pkg/transport"
)

// DefaultIdleTimeout 会话空闲回收阈值
const DefaultIdleTimeout = 15 * time.Minute

// RegistryOptions 会话注册表配置
type RegistryOptions struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Machine       Options
	// Now 时钟，测试中替换
	Now func() time.Time
}

// Session 交互会话
type Session struct {
	ID        string
	Target    transport.Target
	Principal string
	Role      string
	Level     int
	CreatedAt time.Time

	machine    *Machine
	mu         sync.Mutex
	busy       atomic.Int32
	lastAccess atomic.Int64
}

// LastAccess 最近访问时间
func (s *Session) LastAccess() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastAccess.Store(now.UnixNano())
}

// SessionInfo 会话快照
type SessionInfo struct {
	ID         string    `json:"session_id"`
	Target     string    `json:"target"`
	Principal  string    `json:"principal"`
	Role       string    `json:"role,omitempty"`
	Level      int       `json:"level"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// Registry 会话注册表：一把锁保护 id -> 会话映射
type Registry struct {
	dialer      transport.Dialer
	opts        Options
	idleTimeout time.Duration
	interval    time.Duration
	now         func() time.Time

	sessions map[string]*Session
	mutex    sync.RWMutex

	closing  sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool

	created atomic.Int64
	reaped  atomic.Int64
}

// NewRegistry 创建注册表；需调用 Start 启动定时清理
func NewRegistry(dialer transport.Dialer, opts RegistryOptions) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		dialer:      dialer,
		opts:        opts.Machine,
		idleTimeout: opts.IdleTimeout,
		interval:    opts.SweepInterval,
		now:         opts.Now,
		sessions:    make(map[string]*Session),
		stop:        make(chan struct{}),
	}
}

// CreateRequest 建立会话参数
type CreateRequest struct {
	Target       transport.Target
	Principal    string
	Secret       string
	EnableSecret string
	Role         string
	// Level 目标权限级别（已由策略解析）
	Level   int
	Timeout time.Duration
	// Options 非空时替换注册表的状态机参数
	Options *Options
}

// CreateResult 建立会话结果
type CreateResult struct {
	ID     string `json:"session_id"`
	Role   string `json:"role,omitempty"`
	Level  int    `json:"level"`
	Output string `json:"output"`
}

// NewSessionID 生成不可猜测的会话 id
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create 连接、登录、提权；成功后先注册再返回，失败时关闭通道
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	r.Sweep()
	if strings.TrimSpace(req.Target.Host) == "" {
		return nil, ConfigError("create", "target address is required")
	}
	if req.Principal == "" || req.Secret == "" {
		return nil, ConfigError("create", "principal and secret are required")
	}

	id := NewSessionID()
	log := logger.Session(id, req.Target.String(), req.Principal)

	opts := r.opts
	if req.Options != nil {
		opts = *req.Options
	}
	opts.Logger = log

	target := req.Target
	if target.Kind == transport.KindSSH {
		target.Username = req.Principal
		target.Password = req.Secret
	}
	ch, err := r.dialer.Dial(ctx, target)
	if err != nil {
		log.Warnf("dial failed: %v", err)
		return nil, DialError(req.Target.String(), err)
	}

	m := NewMachine(ch, req.Target.String(), opts)
	creds := Credentials{Principal: req.Principal, Secret: req.Secret, EnableSecret: req.EnableSecret}
	if err := m.Open(ctx, creds, req.Level, req.Timeout); err != nil {
		m.Abort()
		log.Warnf("session setup failed: %v", err)
		return nil, err
	}

	now := r.now()
	s := &Session{
		ID:        id,
		Target:    req.Target,
		Principal: req.Principal,
		Role:      req.Role,
		Level:     m.Level(),
		CreatedAt: now,
		machine:   m,
	}
	s.touch(now)

	r.mutex.Lock()
	r.sessions[id] = s
	r.mutex.Unlock()
	r.created.Add(1)

	log.WithField("priv_level", s.Level).Info("session created")
	return &CreateResult{ID: id, Role: req.Role, Level: s.Level, Output: CleanOutput(m.Transcript())}, nil
}

// DialError 拨号错误归类
func DialError(target string, err error) error {
	kind := KindConnectionClosed
	var ne net.Error
	switch {
	case errors.Is(err, transport.ErrBinaryNotFound):
		kind = KindConfiguration
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		kind = KindConnectTimeout
	}
	return &Error{Kind: kind, Op: "dial", Target: target, Err: err}
}

func (r *Registry) lookup(id string) (*Session, error) {
	r.mutex.RLock()
	s, ok := r.sessions[id]
	r.mutex.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindSessionNotFound, Op: "lookup", Err: fmt.Errorf("session %q not found or expired", id)}
	}
	return s, nil
}

// ParseRawLine 识别 "\xNN" 形式的原始控制字节输入
func ParseRawLine(line string) (byte, bool) {
	if len(line) != 4 || !strings.HasPrefix(line, `\x`) {
		return 0, false
	}
	v, err := strconv.ParseUint(line[2:], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

// Send 在会话上执行一行输入。
// 同一会话的调用按到达顺序串行；超时不关闭会话，对端断开则移除会话。
func (r *Registry) Send(ctx context.Context, id, line string, timeout time.Duration) (string, error) {
	r.Sweep()
	s, err := r.lookup(id)
	if err != nil {
		return "", err
	}

	s.busy.Add(1)
	s.mu.Lock()
	defer func() {
		s.touch(r.now())
		s.mu.Unlock()
		s.busy.Add(-1)
	}()
	s.touch(r.now())

	// 等锁期间可能已被关闭
	if _, err := r.lookup(id); err != nil {
		return "", err
	}

	var out string
	if b, ok := ParseRawLine(line); ok {
		out, err = s.machine.Raw(ctx, b)
	} else if IsHelpQuery(line) {
		out, err = s.machine.Help(ctx, line)
	} else {
		out, err = s.machine.Execute(ctx, line, timeout)
	}
	if KindOf(err) == KindConnectionClosed {
		r.remove(id)
		s.machine.Abort()
		logger.Session(id, s.Target.String(), s.Principal).Info("session closed by peer")
	}
	return out, err
}

// Close 移除并关闭会话；不存在时忽略
func (r *Registry) Close(id string) error {
	s := r.remove(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine.Close()
	logger.Session(id, s.Target.String(), s.Principal).Info("session closed")
	return nil
}

func (r *Registry) remove(id string) *Session {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	return s
}

// Get 会话快照
func (r *Registry) Get(id string) (*SessionInfo, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	info := r.info(s)
	return &info, nil
}

func (r *Registry) info(s *Session) SessionInfo {
	state := "BUSY"
	if s.mu.TryLock() {
		state = s.machine.State().String()
		s.mu.Unlock()
	}
	return SessionInfo{
		ID:         s.ID,
		Target:     s.Target.String(),
		Principal:  s.Principal,
		Role:       s.Role,
		Level:      s.Level,
		State:      state,
		CreatedAt:  s.CreatedAt,
		LastAccess: s.LastAccess(),
	}
}

// List 按创建时间排序的会话列表
func (r *Registry) List() []SessionInfo {
	r.mutex.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, r.info(s))
	}
	r.mutex.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len 会话数
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}

// Sweep 回收空闲超时的会话，返回回收数量；正在执行的会话不回收
func (r *Registry) Sweep() int {
	now := r.now()
	var expired []*Session

	r.mutex.Lock()
	for id, s := range r.sessions {
		if s.busy.Load() > 0 {
			continue
		}
		if now.Sub(s.LastAccess()) > r.idleTimeout {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mutex.Unlock()

	for _, s := range expired {
		r.reaped.Add(1)
		logger.Session(s.ID, s.Target.String(), s.Principal).Info("idle session reaped")
		r.closing.Add(1)
		go func(s *Session) {
			defer r.closing.Done()
			s.mu.Lock()
			defer s.mu.Unlock()
			s.machine.Close()
		}(s)
	}
	return len(expired)
}

// Start 启动定时清理
func (r *Registry) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.cleanup()
}

func (r *Registry) cleanup() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Shutdown 停止清理并并发关闭全部会话
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mutex.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mutex.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range all {
		g.Go(func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.machine.Close()
			return nil
		})
	}
	done := make(chan error, 1)
	go func() {
		err := g.Wait()
		r.closing.Wait()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStats 统计信息
func (r *Registry) GetStats() map[string]interface{} {
	r.mutex.RLock()
	total := len(r.sessions)
	busy := 0
	for _, s := range r.sessions {
		if s.busy.Load() > 0 {
			busy++
		}
	}
	r.mutex.RUnlock()

	return map[string]interface{}{
		"total_sessions": total,
		"busy_sessions":  busy,
		"created_total":  r.created.Load(),
		"reaped_total":   r.reaped.Load(),
		"idle_timeout":   r.idleTimeout.String(),
	}
}
