package transaction

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/callsession/pkg/sip/message"
)

// branchPrefix magic cookie RFC 3261 §8.1.1.7
const branchPrefix = "z9hG4bK"

// Key идентификатор транзакции: branch верхнего Via и метод.
// CANCEL имеет тот же branch, что и INVITE, но отдельную транзакцию.
type Key struct {
	Branch string
	Method string
}

// String возвращает строковое представление ключа транзакции
func (k Key) String() string {
	return k.Branch + "|" + k.Method
}

// GenerateBranch генерирует новый branch параметр для Via заголовка
func GenerateBranch() string {
	return sip.GenerateBranch()
}

// keyOf строит ключ для сообщения. Для ответов метод берется из CSeq,
// ACK на не-2xx относится к INVITE транзакции.
func keyOf(msg message.Message) (Key, error) {
	branch := message.Branch(msg)
	if branch == "" {
		return Key{}, fmt.Errorf("%w: missing branch parameter in Via header", ErrInvalidRequest)
	}
	if !strings.HasPrefix(branch, branchPrefix) {
		return Key{}, fmt.Errorf("%w: branch %q must start with %s", ErrInvalidRequest, branch, branchPrefix)
	}

	_, method, err := msg.CSeq()
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if method == "ACK" {
		method = "INVITE"
	}

	return Key{Branch: branch, Method: method}, nil
}

// viaAddress возвращает адрес отправки ответов по верхнему Via
// (RFC 3261 §18.2.2): received/rport имеют приоритет над sent-by.
func viaAddress(msg message.Message) string {
	via := msg.GetHeader("Via")
	if i := strings.IndexByte(via, ','); i != -1 {
		via = via[:i]
	}

	// "SIP/2.0/UDP host:port;params"
	fields := strings.Fields(via)
	if len(fields) < 2 {
		return ""
	}
	sentBy := strings.Join(fields[1:], "")
	if semi := strings.IndexByte(sentBy, ';'); semi != -1 {
		sentBy = sentBy[:semi]
	}

	host, port, err := net.SplitHostPort(sentBy)
	if err != nil {
		host, port = sentBy, "5060"
	}
	if received, ok := message.HeaderParam(via, "received"); ok && received != "" {
		host = received
	}
	if rport, ok := message.HeaderParam(via, "rport"); ok {
		if _, err := strconv.Atoi(rport); err == nil {
			port = rport
		}
	}

	return net.JoinHostPort(host, port)
}
