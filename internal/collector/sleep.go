package collector

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	logindDest        = "org.freedesktop.login1"
	logindPath        = "/org/freedesktop/login1"
	logindManager     = "org.freedesktop.login1.Manager"
	logindSession     = "org.freedesktop.login1.Session"
	propertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"

	// logind does not always emit a change for the manager's idle hint, so
	// it is also polled.
	idlePollInterval = 30 * time.Second
)

// idleHint is logind's aggregated idle state. Since is the realtime
// microsecond timestamp of the last change.
type idleHint struct {
	Idle  bool
	Since uint64
}

// SleepMonitor listens for systemd-logind sleep, session and idle signals.
// A resume, a session unlock or the idle hint clearing means someone is at
// the machine, and each is delivered on the Activity channel.
type SleepMonitor struct {
	conn     *dbus.Conn
	done     chan struct{}
	activity chan struct{}
	log      *slog.Logger

	readIdle func() (idleHint, error)
	lastIdle *idleHint
}

// NewSleepMonitor creates a new sleep monitor connected to the system bus.
func NewSleepMonitor(logger *slog.Logger) (*SleepMonitor, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(logindManager), dbus.WithMatchMember("PrepareForSleep")},
		{dbus.WithMatchInterface(logindManager), dbus.WithMatchMember("PrepareForShutdown")},
		{dbus.WithMatchInterface(logindSession), dbus.WithMatchMember("Unlock")},
		{
			dbus.WithMatchSender(logindDest),
			dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
			dbus.WithMatchMember("PropertiesChanged"),
		},
	}
	for _, opts := range matches {
		if err := conn.AddMatchSignal(opts...); err != nil {
			return nil, err
		}
	}

	m := newSleepMonitor(conn, logger)
	m.readIdle = m.readLogindIdle
	m.pollIdle()
	go m.listen()
	return m, nil
}

func newSleepMonitor(conn *dbus.Conn, logger *slog.Logger) *SleepMonitor {
	return &SleepMonitor{
		conn:     conn,
		done:     make(chan struct{}),
		activity: make(chan struct{}, 1),
		log:      logger,
	}
}

// Activity returns a channel that receives a value on each wake, unlock or
// return from idle.
func (m *SleepMonitor) Activity() <-chan struct{} {
	return m.activity
}

// Close stops the monitor.
func (m *SleepMonitor) Close() {
	close(m.done)
}

func (m *SleepMonitor) listen() {
	ch := make(chan *dbus.Signal, 16)
	m.conn.Signal(ch)
	defer m.conn.RemoveSignal(ch)

	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-ch:
			m.handle(sig)
		case <-ticker.C:
			m.pollIdle()
		case <-m.done:
			return
		}
	}
}

func (m *SleepMonitor) handle(sig *dbus.Signal) {
	if sig == nil {
		return
	}

	switch sig.Name {
	case logindSession + ".Unlock":
		m.log.Info("session unlocked")
		m.notify()
		return
	case propertiesChanged:
		m.handleProperties(sig.Body)
		return
	case logindManager + ".PrepareForShutdown", logindManager + ".PrepareForSleep":
	default:
		return
	}

	if len(sig.Body) < 1 {
		return
	}
	active, ok := sig.Body[0].(bool)
	if !ok {
		return
	}

	switch sig.Name {
	case logindManager + ".PrepareForShutdown":
		if active {
			m.log.Info("system preparing for shutdown/hibernate")
		}
	case logindManager + ".PrepareForSleep":
		if active {
			m.log.Info("system going to sleep")
		} else {
			m.log.Info("system woke up")
			m.notify()
		}
	}
}

// handleProperties reacts to the idle hint of the manager or a session
// clearing.
func (m *SleepMonitor) handleProperties(body []any) {
	if len(body) < 2 {
		return
	}
	iface, ok := body[0].(string)
	if !ok || (iface != logindManager && iface != logindSession) {
		return
	}
	changed, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	v, ok := changed["IdleHint"]
	if !ok {
		return
	}
	if idle, ok := v.Value().(bool); ok && !idle {
		m.log.Debug("idle hint cleared", "interface", iface)
		m.notify()
	}
}

// pollIdle reads the manager's idle hint and signals activity when it is
// not idle and has changed since the last read. The first read only seeds
// the state.
func (m *SleepMonitor) pollIdle() {
	if m.readIdle == nil {
		return
	}
	hint, err := m.readIdle()
	if err != nil {
		m.log.Debug("read idle hint", "err", err)
		return
	}
	prev := m.lastIdle
	m.lastIdle = &hint
	if prev == nil || hint == *prev || hint.Idle {
		return
	}
	m.log.Debug("idle hint changed", "idle_since", hint.Since)
	m.notify()
}

func (m *SleepMonitor) readLogindIdle() (idleHint, error) {
	obj := m.conn.Object(logindDest, logindPath)
	var hint idleHint
	if err := obj.StoreProperty(logindManager+".IdleHint", &hint.Idle); err != nil {
		return idleHint{}, fmt.Errorf("get IdleHint: %w", err)
	}
	if err := obj.StoreProperty(logindManager+".IdleSinceHint", &hint.Since); err != nil {
		return idleHint{}, fmt.Errorf("get IdleSinceHint: %w", err)
	}
	return hint, nil
}

func (m *SleepMonitor) notify() {
	select {
	case m.activity <- struct{}{}:
	default:
	}
}
