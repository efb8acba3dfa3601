package dialog

import (
	"fmt"
	"math/rand/v2"
)

// SequenceManager управляет CSeq номерами для диалога
//
// RFC 3261 Section 12.2:
// - локальный CSeq строго увеличивается для каждого нового запроса
// - удаленный CSeq каждого нового запроса больше предыдущего
// - ACK и CANCEL используют номер INVITE и не проверяются
type SequenceManager struct {
	localCSeq  uint32 // Текущий локальный CSeq
	remoteCSeq uint32 // Последний принятый удаленный CSeq
	remoteSet  bool
}

// NewSequenceManager создает новый менеджер CSeq
func NewSequenceManager(initialLocal uint32) *SequenceManager {
	return &SequenceManager{
		localCSeq: initialLocal,
	}
}

// NextLocalCSeq возвращает следующий локальный CSeq для нового запроса
func (sm *SequenceManager) NextLocalCSeq() uint32 {
	sm.localCSeq++
	return sm.localCSeq
}

// LocalCSeq возвращает текущий локальный CSeq без инкремента
func (sm *SequenceManager) LocalCSeq() uint32 {
	return sm.localCSeq
}

// RemoteCSeq возвращает последний принятый удаленный CSeq
func (sm *SequenceManager) RemoteCSeq() uint32 {
	return sm.remoteCSeq
}

// CheckRemote проверяет CSeq входящего запроса, не меняя состояние
func (sm *SequenceManager) CheckRemote(cseq uint32, method string) error {
	if method == "ACK" || method == "CANCEL" || !sm.remoteSet {
		return nil
	}
	if cseq <= sm.remoteCSeq {
		return fmt.Errorf("%w: %s CSeq %d, last accepted %d", ErrOutOfOrderRequest, method, cseq, sm.remoteCSeq)
	}
	return nil
}

// AcceptRemote запоминает CSeq принятого запроса
func (sm *SequenceManager) AcceptRemote(cseq uint32, method string) {
	if method == "ACK" || method == "CANCEL" {
		return
	}
	if !sm.remoteSet || cseq > sm.remoteCSeq {
		sm.remoteCSeq = cseq
		sm.remoteSet = true
	}
}

// GenerateInitialCSeq генерирует начальный CSeq номер
//
// RFC 3261 §8.1.1.5: значение меньше 2**31
func GenerateInitialCSeq() uint32 {
	return rand.Uint32N(1<<31 - 1<<16)
}
