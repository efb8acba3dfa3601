package media_sdp

import (
	"strconv"

	"github.com/pion/sdp/v3"
)

// Remote разобранное описание удаленной стороны
type Remote struct {
	Address      string
	Port         int
	PayloadTypes []uint8
	Direction    Direction
}

// Parse разбирает SDP тело и извлекает первый audio поток
func Parse(body []byte) (*Remote, error) {
	if len(body) == 0 {
		return nil, NewSDPError(ErrorCodeSDPParsing, "пустое SDP тело")
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, WrapSDPError(ErrorCodeSDPParsing, err, "не удалось разобрать SDP")
	}

	// Ищем аудио медиа описание
	var audio *sdp.MediaDescription
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media == "audio" {
			audio = media
			break
		}
	}
	if audio == nil {
		return nil, NewSDPError(ErrorCodeSDPParsing, "аудио медиа описание не найдено")
	}

	remote := &Remote{
		Port:      audio.MediaName.Port.Value,
		Direction: mediaDirection(&desc, audio),
	}

	// Сначала connection на уровне медиа, затем на уровне сессии
	switch {
	case audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil:
		remote.Address = audio.ConnectionInformation.Address.Address
	case desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil:
		remote.Address = desc.ConnectionInformation.Address.Address
	}

	for _, format := range audio.MediaName.Formats {
		pt, err := strconv.ParseUint(format, 10, 8)
		if err != nil {
			continue
		}
		remote.PayloadTypes = append(remote.PayloadTypes, uint8(pt))
	}

	return remote, nil
}
