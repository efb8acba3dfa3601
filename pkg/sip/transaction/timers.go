package transaction

import (
	"sync"
	"time"
)

// TimerID идентификатор таймера
type TimerID string

const (
	// Таймеры согласно RFC 3261
	TimerA TimerID = "A" // INVITE request retransmit
	TimerB TimerID = "B" // INVITE transaction timeout
	TimerD TimerID = "D" // Wait for response retransmits
	TimerE TimerID = "E" // Non-INVITE request retransmit
	TimerF TimerID = "F" // Non-INVITE transaction timeout
	TimerG TimerID = "G" // INVITE response retransmit
	TimerH TimerID = "H" // ACK receipt
	TimerI TimerID = "I" // Wait for ACK retransmits
	TimerJ TimerID = "J" // Wait for non-INVITE request retransmits
	TimerK TimerID = "K" // Wait for non-INVITE response retransmits

	// TimerDeadline абсолютный предел ожидания финального ответа,
	// предварительные ответы его не останавливают
	TimerDeadline TimerID = "deadline"
)

// Timers базовые значения таймеров транзакций
type Timers struct {
	// T1 оценка RTT, начальный интервал ретрансмиссий
	T1 time.Duration
	// T2 максимальный интервал ретрансмиссий
	T2 time.Duration
	// T4 максимальное время жизни сообщения в сети
	T4 time.Duration
	// MaxRetransmits лимит ретрансмиссий одного запроса
	MaxRetransmits int
	// Reliable транспорт без потерь: нет ретрансмиссий и ожидания в Completed
	Reliable bool
}

// DefaultTimers возвращает значения RFC 3261 для UDP
func DefaultTimers() Timers {
	return Timers{
		T1:             500 * time.Millisecond,
		T2:             4 * time.Second,
		T4:             5 * time.Second,
		MaxRetransmits: 10,
	}
}

// Duration возвращает длительность таймера. Ноль означает, что таймер
// не запускается.
func (t Timers) Duration(id TimerID) time.Duration {
	switch id {
	case TimerA, TimerE, TimerG:
		if t.Reliable {
			return 0
		}
		return t.T1
	case TimerB, TimerF, TimerH:
		return 64 * t.T1
	case TimerD, TimerJ:
		if t.Reliable {
			return 0
		}
		return 64 * t.T1
	case TimerI, TimerK:
		if t.Reliable {
			return 0
		}
		return t.T4
	default:
		return 0
	}
}

// Timer представляет активный таймер
type Timer struct {
	ID       TimerID
	Duration time.Duration
	timer    *time.Timer
}

// NewTimer создает новый таймер
func NewTimer(id TimerID, duration time.Duration, callback func()) *Timer {
	if duration <= 0 {
		return nil
	}

	return &Timer{
		ID:       id,
		Duration: duration,
		timer:    time.AfterFunc(duration, callback),
	}
}

// Stop останавливает таймер
func (t *Timer) Stop() bool {
	if t.timer != nil {
		return t.timer.Stop()
	}
	return false
}

// TimerManager управляет таймерами транзакции.
//
// Методы вызываются под lock. Колбэк таймера выполняется под тем же lock и
// только если таймер не был остановлен или перезапущен до срабатывания.
type TimerManager struct {
	lock   sync.Locker
	timers map[TimerID]*Timer
}

// NewTimerManager создает новый менеджер таймеров
func NewTimerManager(lock sync.Locker) *TimerManager {
	return &TimerManager{
		lock:   lock,
		timers: make(map[TimerID]*Timer),
	}
}

// Start запускает таймер, останавливая предыдущий с тем же ID
func (tm *TimerManager) Start(id TimerID, duration time.Duration, callback func()) {
	tm.Stop(id)

	var self *Timer
	self = NewTimer(id, duration, func() {
		tm.lock.Lock()
		defer tm.lock.Unlock()

		if tm.timers[id] != self {
			return // stale
		}
		delete(tm.timers, id)
		callback()
	})
	if self != nil {
		tm.timers[id] = self
	}
}

// Stop останавливает таймер
func (tm *TimerManager) Stop(id TimerID) bool {
	if timer, ok := tm.timers[id]; ok {
		stopped := timer.Stop()
		delete(tm.timers, id)
		return stopped
	}
	return false
}

// StopAll останавливает все таймеры
func (tm *TimerManager) StopAll() {
	for id := range tm.timers {
		tm.Stop(id)
	}
}

// IsActive проверяет активен ли таймер
func (tm *TimerManager) IsActive(id TimerID) bool {
	_, ok := tm.timers[id]
	return ok
}

// GetNextRetransmitInterval вычисляет следующий интервал ретрансмиссии
// согласно RFC 3261 (удваивается до T2)
func GetNextRetransmitInterval(current time.Duration, t2 time.Duration) time.Duration {
	next := current * 2
	if next > t2 {
		return t2
	}
	return next
}
