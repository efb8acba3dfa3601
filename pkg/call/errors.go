package call

import (
	"errors"

	"github.com/arzzra/callsession/pkg/sip/dialog"
)

var (
	// ErrInvalidTransition действие недопустимо в текущем состоянии
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrSessionBusy сессия занята другим действием или незавершенным re-INVITE
	ErrSessionBusy = dialog.ErrSessionBusy
)
