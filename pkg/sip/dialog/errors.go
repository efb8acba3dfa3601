package dialog

import (
	"errors"

	"github.com/arzzra/callsession/pkg/sip/transaction"
)

var (
	// Dialog errors
	ErrInvalidState = errors.New("invalid dialog state")
	ErrTerminated   = errors.New("dialog terminated")

	// ErrOutOfOrderRequest входящий запрос с CSeq не больше последнего
	// принятого; состояние диалога не меняется
	ErrOutOfOrderRequest = errors.New("out-of-order request")

	// ErrSessionBusy уже есть незавершенная модификация сессии (re-INVITE)
	ErrSessionBusy = errors.New("session modification pending")

	// ErrSignalingTimeout транзакция диалога не получила финального ответа
	ErrSignalingTimeout = errors.New("signaling timeout")

	// ErrTransportFailure транспорт не смог доставить сообщение диалога
	ErrTransportFailure = transaction.ErrTransportFailure

	// ErrDialogMismatch сообщение не относится к этому диалогу
	ErrDialogMismatch = errors.New("message does not match dialog")
)
