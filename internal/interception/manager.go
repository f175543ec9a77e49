package interception

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/config"
	"github.com/mattjoyce/motionhost/internal/files"
	"github.com/mattjoyce/motionhost/internal/log"
	"github.com/mattjoyce/motionhost/internal/plugin"
	"github.com/mattjoyce/motionhost/internal/protocol"
)

// ConnectionBase is the connection id of the first interceptor. Codes an
// interceptor asks for carry its connection id as SourceConnection.
const ConnectionBase = 1000

const defaultTimeout = 30 * time.Second

type interceptor struct {
	name    string
	plugin  *plugin.Plugin
	conn    int
	modes   plugin.Modes
	codes   []plugin.CodeFilter
	timeout time.Duration
	config  map[string]any
	logger  *slog.Logger

	// one code at a time per interceptor
	sem chan struct{}
}

func (ic *interceptor) wants(c *code.Code, mode plugin.Mode) bool {
	if !ic.modes.Has(mode) || c.SourceConnection == ic.conn {
		return false
	}
	if len(ic.codes) == 0 {
		return true
	}
	for _, f := range ic.codes {
		if f.Matches(c) {
			return true
		}
	}
	return false
}

type activeCode struct {
	code *code.Code
	mode plugin.Mode
}

// Info describes an enabled interceptor.
type Info struct {
	Name       string        `json:"name"`
	Connection int           `json:"connection"`
	Modes      []string      `json:"modes"`
	Codes      []string      `json:"codes,omitempty"`
	Timeout    time.Duration `json:"timeout"`
	Busy       string        `json:"busy,omitempty"`
}

// Manager runs the enabled interceptors for codes passing the pipeline.
type Manager struct {
	interceptors []*interceptor
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  map[int]activeCode
	starter files.Starter
}

// New enables every interceptor configured in cfg that reg discovered.
// Interceptors that are missing, disabled or misconfigured are skipped
// with a warning.
func New(reg *plugin.Registry, cfg config.InterceptionConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger: log.WithComponent("interception"),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[int]activeCode),
	}

	names := make([]string, 0, len(cfg.Interceptors))
	for name := range cfg.Interceptors {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ic, err := m.enable(reg, name, cfg.Interceptors[name], cfg.Timeout, ConnectionBase+len(m.interceptors))
		if err != nil {
			m.logger.Warn("interceptor not enabled", "interceptor", name, "error", err)
			continue
		}
		if ic == nil {
			continue
		}
		m.interceptors = append(m.interceptors, ic)
		m.logger.Info("enabled interceptor", "interceptor", name, "connection", ic.conn, "modes", ic.modes)
	}
	return m
}

func (m *Manager) enable(reg *plugin.Registry, name string, conf config.InterceptorConf, sectionTimeout time.Duration, conn int) (*interceptor, error) {
	if !conf.Enabled {
		return nil, nil
	}
	if reg == nil {
		return nil, errors.New("no interceptors discovered")
	}
	p, ok := reg.Get(name)
	if !ok {
		return nil, errors.New("not found in interceptors directory")
	}

	var modes plugin.Modes
	for _, s := range conf.Modes {
		mode, err := plugin.ParseMode(s)
		if err != nil {
			return nil, err
		}
		if !p.SupportsMode(mode) {
			return nil, fmt.Errorf("mode %s not declared in manifest", mode)
		}
		modes = append(modes, mode)
	}
	if len(modes) == 0 {
		modes = p.Modes
	}

	filters := p.Codes
	if len(conf.Codes) > 0 {
		filters = nil
		for _, s := range conf.Codes {
			f, err := plugin.ParseCodeFilter(s)
			if err != nil {
				return nil, err
			}
			filters = append(filters, f)
		}
	}

	if missing := p.MissingConfigKeys(conf.Config); len(missing) > 0 {
		return nil, fmt.Errorf("missing required config keys: %s", strings.Join(missing, ", "))
	}

	timeout := conf.Timeout
	if timeout <= 0 {
		timeout = sectionTimeout
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &interceptor{
		name:    name,
		plugin:  p,
		conn:    conn,
		modes:   modes,
		codes:   filters,
		timeout: timeout,
		config:  conf.Config,
		logger:  log.WithInterceptor(name).With("connection", conn),
		sem:     make(chan struct{}, 1),
	}, nil
}

// SetStarter sets where codes requested by interceptors are submitted.
func (m *Manager) SetStarter(s files.Starter) {
	m.mu.Lock()
	m.starter = s
	m.mu.Unlock()
}

// Enabled reports whether any interceptor registered for mode.
func (m *Manager) Enabled(mode plugin.Mode) bool {
	for _, ic := range m.interceptors {
		if ic.modes.Has(mode) {
			return true
		}
	}
	return false
}

// Interceptors describes the enabled interceptors.
func (m *Manager) Interceptors() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.interceptors))
	for _, ic := range m.interceptors {
		info := Info{Name: ic.name, Connection: ic.conn, Timeout: ic.timeout}
		for _, mode := range ic.modes {
			info.Modes = append(info.Modes, string(mode))
		}
		for _, f := range ic.codes {
			info.Codes = append(info.Codes, f.String())
		}
		if a, ok := m.active[ic.conn]; ok {
			info.Busy = a.code.ShortString()
		}
		out = append(out, info)
	}
	return out
}

// CodeBeingIntercepted returns the code an interceptor on conn is
// currently handling and the mode it is handling it in.
func (m *Manager) CodeBeingIntercepted(conn int) (*code.Code, plugin.Mode, bool) {
	if conn < ConnectionBase {
		return nil, "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[conn]
	if !ok {
		return nil, "", false
	}
	return a.code, a.mode, true
}

// Intercept offers c to every interceptor registered for mode, in name
// order. resolved means an interceptor answered c and c.Result is set. A
// returned cancellation error means c is to be resolved as cancelled.
func (m *Manager) Intercept(ctx context.Context, c *code.Code, mode plugin.Mode) (bool, error) {
	if mode == plugin.ModeExecuted {
		m.Notify(c)
		return false, nil
	}
	for _, ic := range m.interceptors {
		if !ic.wants(c, mode) {
			continue
		}
		resolved, err := m.run(ctx, ic, c, mode)
		if err != nil || resolved {
			return resolved, err
		}
	}
	return false, nil
}

func (m *Manager) run(ctx context.Context, ic *interceptor, c *code.Code, mode plugin.Mode) (bool, error) {
	select {
	case ic.sem <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-ic.sem }()

	m.setActive(ic.conn, c, mode)
	defer m.clearActive(ic.conn)

	req := m.request(ic, c, mode)
	logger := ic.logger.With("request_id", req.RequestID, "code", c.ShortString(), "mode", string(mode))

	resp, stderr, err := spawn(ctx, ic.plugin.Entrypoint, req, ic.timeout, logger)
	if stderr != "" {
		logger.Debug("interceptor stderr", "stderr", stderr)
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logger.Warn("interception failed, passing code", "error", err)
		return false, nil
	}
	for _, entry := range resp.Logs {
		logger.Info("interceptor log", "level", entry.Level, "message", entry.Message)
	}
	if resp.Status == "error" {
		c.Result = code.Errorf("%s", resp.Error)
		return true, nil
	}

	var replies []*code.Result
	if len(resp.Codes) > 0 {
		replies, err = m.runCodes(ctx, ic, c, mode, resp.Codes, logger)
		if err != nil {
			return false, err
		}
	}

	switch resp.EffectiveAction() {
	case protocol.ActionResolve:
		c.Result = fold(append(replies, resultFrom(resp.Result)))
		logger.Debug("code resolved by interceptor")
		return true, nil
	case protocol.ActionCancel:
		logger.Debug("code cancelled by interceptor")
		return false, code.ErrCancelled
	default:
		return false, nil
	}
}

// runCodes submits the codes an interceptor asked for on c's channel.
// In pre mode every code is awaited and its reply returned. In post mode
// the codes queue behind c, so they are only started.
func (m *Manager) runCodes(ctx context.Context, ic *interceptor, c *code.Code, mode plugin.Mode, texts []string, logger *slog.Logger) ([]*code.Result, error) {
	m.mu.Lock()
	starter := m.starter
	m.mu.Unlock()
	if starter == nil {
		return nil, errors.New("interceptor requested codes but nothing executes them")
	}

	var replies []*code.Result
	for _, text := range texts {
		nc, err := code.Parse(text)
		if err != nil {
			logger.Warn("invalid code from interceptor", "text", text, "error", err)
			replies = append(replies, code.Errorf("%s: %v", text, err))
			continue
		}
		nc.Channel = c.Channel
		nc.SourceConnection = ic.conn
		nc.WithContext(c.Context())
		if mode == plugin.ModePost {
			nc.Flags |= code.Asynchronous
		}
		if err := starter.StartCode(ctx, nc); err != nil {
			return nil, fmt.Errorf("start %s for %s: %w", nc.ShortString(), ic.name, err)
		}
		if mode == plugin.ModePost {
			continue
		}

		res, err := nc.Wait(ctx)
		switch {
		case err == nil:
			if res != nil && res.Content != "" {
				replies = append(replies, res)
			}
		case code.IsCancelled(err):
			return nil, err
		default:
			replies = append(replies, code.Errorf("%s: %v", nc.ShortString(), err))
		}
	}
	return replies, nil
}

// Notify hands an executed code to the interceptors registered for the
// executed mode. It does not wait for them.
func (m *Manager) Notify(c *code.Code) {
	var targets []*interceptor
	for _, ic := range m.interceptors {
		if ic.wants(c, plugin.ModeExecuted) {
			targets = append(targets, ic)
		}
	}
	if len(targets) == 0 {
		return
	}

	for _, ic := range targets {
		// built now, pooled codes are reused once completed
		req := m.request(ic, c, plugin.ModeExecuted)
		m.wg.Add(1)
		go func(ic *interceptor, req *protocol.Request) {
			defer m.wg.Done()
			select {
			case ic.sem <- struct{}{}:
			case <-m.ctx.Done():
				return
			}
			defer func() { <-ic.sem }()

			logger := ic.logger.With("request_id", req.RequestID, "mode", req.Mode)
			resp, _, err := spawn(m.ctx, ic.plugin.Entrypoint, req, ic.timeout, logger)
			if err != nil {
				if m.ctx.Err() == nil {
					logger.Warn("executed notification failed", "error", err)
				}
				return
			}
			for _, entry := range resp.Logs {
				logger.Info("interceptor log", "level", entry.Level, "message", entry.Message)
			}
			if len(resp.Codes) > 0 || resp.EffectiveAction() != protocol.ActionPass {
				logger.Warn("executed mode ignores actions and codes", "action", resp.Action, "codes", len(resp.Codes))
			}
		}(ic, req)
	}
}

// Close stops pending notifications and waits for running ones.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Wait blocks until every started notification has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) setActive(conn int, c *code.Code, mode plugin.Mode) {
	m.mu.Lock()
	m.active[conn] = activeCode{code: c, mode: mode}
	m.mu.Unlock()
}

func (m *Manager) clearActive(conn int) {
	m.mu.Lock()
	delete(m.active, conn)
	m.mu.Unlock()
}

func (m *Manager) request(ic *interceptor, c *code.Code, mode plugin.Mode) *protocol.Request {
	return &protocol.Request{
		Protocol:   protocol.Version,
		RequestID:  uuid.NewString(),
		Connection: ic.conn,
		Mode:       string(mode),
		Code:       codeMessage(c),
		Config:     ic.config,
		DeadlineAt: time.Now().Add(ic.timeout),
	}
}

func codeMessage(c *code.Code) protocol.CodeMessage {
	msg := protocol.CodeMessage{
		Channel:      c.Channel.String(),
		Text:         c.String(),
		Type:         string(c.Type),
		Major:        c.Major,
		Minor:        c.Minor,
		Flags:        c.Flags.String(),
		LineNumber:   c.LineNumber,
		FilePosition: c.FilePosition,
	}
	if c.File != nil {
		msg.File = c.File.Name()
	}
	for _, p := range c.Params {
		msg.Params = append(msg.Params, protocol.Parameter{Letter: string(p.Letter), Value: p.Value})
	}
	if c.Result != nil {
		msg.Result = &protocol.Result{Type: c.Result.Type.String(), Content: c.Result.Content}
	}
	return msg
}

func resultFrom(r *protocol.Result) *code.Result {
	if r == nil {
		return code.Success("")
	}
	var t code.MessageType
	if err := t.UnmarshalText([]byte(r.Type)); err != nil {
		t = code.MessageWarning
	}
	return &code.Result{Type: t, Content: r.Content}
}

// fold joins replies into one result of the most severe type.
func fold(replies []*code.Result) *code.Result {
	out := code.Success("")
	var parts []string
	for _, r := range replies {
		if r == nil {
			continue
		}
		if r.Content != "" {
			parts = append(parts, r.Content)
		}
		if r.Type > out.Type {
			out.Type = r.Type
		}
	}
	out.Content = strings.Join(parts, "\n")
	return out
}
