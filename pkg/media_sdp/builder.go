package media_sdp

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/samber/lo"
)

// Session локальное медиа описание одного вызова. Версия o= растет с
// каждым сформированным телом (RFC 3264 §8).
type Session struct {
	config    Config
	sessionID uint64

	mu      sync.Mutex
	version uint64
	codec   Codec
}

// NewSession создает медиа описание вызова
func NewSession(config Config) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	id := uint64(time.Now().UnixNano())
	return &Session{
		config:    config,
		sessionID: id,
		version:   id,
		codec:     config.Codecs[0],
	}, nil
}

// Offer формирует SDP offer. hold выставляет a=sendonly, иначе a=sendrecv.
func (s *Session) Offer(hold bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	direction := DirectionSendRecv
	if hold {
		direction = DirectionSendOnly
	}
	return s.marshal(s.config.Codecs, direction)
}

// Answer формирует SDP answer на offer удаленной стороны. Выбирается
// первый кодек offer, который поддерживается локально.
func (s *Session) Answer(offer []byte, hold bool) ([]byte, error) {
	remote, err := Parse(offer)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	codec, ok := lo.Find(remote.PayloadTypes, func(pt uint8) bool {
		_, supported := s.supported(pt)
		return supported
	})
	if !ok {
		return nil, NewSDPError(ErrorCodeIncompatibleCodec,
			"нет общего кодека, предложены %v", remote.PayloadTypes)
	}
	s.codec, _ = s.supported(codec)

	return s.marshal([]Codec{s.codec}, answerDirection(remote.Direction, hold))
}

// IsHold сообщает, поставила ли удаленная сторона вызов на удержание
// (sendonly / inactive или c=0.0.0.0 по RFC 2543)
func (s *Session) IsHold(body []byte) bool {
	remote, err := Parse(body)
	if err != nil {
		return false
	}
	return remote.Direction.IsHold() || remote.Address == "0.0.0.0"
}

func (s *Session) supported(pt uint8) (Codec, bool) {
	return lo.Find(s.config.Codecs, func(c Codec) bool {
		return c.PayloadType == pt
	})
}

func (s *Session) marshal(codecs []Codec, direction Direction) ([]byte, error) {
	s.version++

	addrType := s.config.addressType()
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      s.sessionID,
			SessionVersion: s.version,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: s.config.Address,
		},
		SessionName: sdp.SessionName(s.config.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: s.config.Address},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: 0,
					StopTime:  0,
				},
			},
		},
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: s.config.Port},
			Protos: []string{"RTP", "AVP"},
			Formats: lo.Map(codecs, func(c Codec, _ int) string {
				return strconv.Itoa(int(c.PayloadType))
			}),
		},
	}

	for _, c := range codecs {
		media.Attributes = append(media.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)))
	}

	// DTMF
	if pt := s.config.DTMFPayloadType; pt != 0 {
		media.MediaName.Formats = append(media.MediaName.Formats, strconv.Itoa(int(pt)))
		media.Attributes = append(media.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", pt)),
			sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", pt)))
	}

	if s.config.Ptime > 0 {
		media.Attributes = append(media.Attributes,
			sdp.NewAttribute("ptime", strconv.Itoa(int(s.config.Ptime/time.Millisecond))))
	}

	// Направление медиа потока
	media.Attributes = append(media.Attributes, sdp.NewPropertyAttribute(string(direction)))

	desc.MediaDescriptions = []*sdp.MediaDescription{media}

	data, err := desc.Marshal()
	if err != nil {
		return nil, WrapSDPError(ErrorCodeSDPGeneration, err, "не удалось сериализовать SDP")
	}
	return data, nil
}
