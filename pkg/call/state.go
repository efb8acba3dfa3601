package call

// State состояние звонка
type State string

const (
	StateIdle       State = "idle"
	StateRinging    State = "ringing"
	StateConnected  State = "connected"
	StateOnHold     State = "on_hold"
	StateTerminated State = "terminated"
)

// String returns string representation of state
func (s State) String() string {
	return string(s)
}

// IsTerminal проверяет, что состояние конечное
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// CauseKind причина перехода
type CauseKind string

const (
	// CauseUserIntent переход по вызову пользователя
	CauseUserIntent CauseKind = "userIntent"
	// CauseRemoteAnswer удаленная сторона ответила 2xx
	CauseRemoteAnswer CauseKind = "remoteAnswer"
	// CauseRemoteRejected исходящий INVITE отклонен
	CauseRemoteRejected CauseKind = "remoteRejected"
	// CauseRemoteTermination удаленная сторона завершила звонок (BYE, CANCEL, 481)
	CauseRemoteTermination CauseKind = "remoteTermination"
	// CauseHoldRejected удаленная сторона отклонила удержание
	CauseHoldRejected CauseKind = "holdRejected"
	// CauseResumeRejected удаленная сторона отклонила возобновление
	CauseResumeRejected CauseKind = "resumeRejected"
	// CauseSignalingTimeout транзакция не получила ответа в срок
	CauseSignalingTimeout CauseKind = "signalingTimeout"
	// CauseTransportFailure транспорт не смог доставить сообщение
	CauseTransportFailure CauseKind = "transportFailure"
)

// Cause описывает причину перехода: код и текст из ответа или заголовка
// Reason, Err для переходов по ошибке
type Cause struct {
	Kind       CauseKind
	StatusCode int
	Reason     string
	Err        error
}

// Observer получает уведомления о переходах состояний.
//
// OnStateChanged вызывается синхронно внутри критической секции сессии.
// Из него можно читать State, LastCause и RemoteHold; действия этой же
// сессии вернут ErrSessionBusy по истечении IntentTimeout.
type Observer interface {
	OnStateChanged(prev, next State, cause Cause)
}

// ObserverFunc адаптер функции к Observer
type ObserverFunc func(prev, next State, cause Cause)

// OnStateChanged calls f(prev, next, cause)
func (f ObserverFunc) OnStateChanged(prev, next State, cause Cause) {
	f(prev, next, cause)
}
