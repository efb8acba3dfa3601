package dialog

import (
	"github.com/arzzra/callsession/pkg/sip/message"
)

// Key идентификатор диалога (RFC 3261 §12): Call-ID и теги сторон
type Key struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// String returns "call-id;local=tag;remote=tag"
func (k Key) String() string {
	return k.CallID + ";local=" + k.LocalTag + ";remote=" + k.RemoteTag
}

// KeyOf извлекает ключ из принятого сообщения. Запрос пришел от удаленной
// стороны: To tag наш, From tag ее. В ответе на наш запрос наоборот.
func KeyOf(msg message.Message) Key {
	from := message.Tag(msg.GetHeader("From"))
	to := message.Tag(msg.GetHeader("To"))

	if _, ok := msg.(*message.Response); ok {
		return Key{CallID: msg.CallID(), LocalTag: from, RemoteTag: to}
	}
	return Key{CallID: msg.CallID(), LocalTag: to, RemoteTag: from}
}

// Key возвращает ключ диалога; RemoteTag пуст до первого ответа с To tag
func (d *Dialog) Key() Key {
	return Key{CallID: d.callID, LocalTag: d.localTag, RemoteTag: d.remoteTag}
}

// matches проверяет, что принятое сообщение относится к этому диалогу
func (d *Dialog) matches(msg message.Message) bool {
	k := KeyOf(msg)
	return k.CallID == d.callID &&
		k.LocalTag == d.localTag &&
		(d.remoteTag == "" || k.RemoteTag == d.remoteTag)
}
