package dialog

import (
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/samber/lo"

	"github.com/arzzra/callsession/pkg/sip/message"
)

// route один элемент route set
type route struct {
	header string // "<sip:proxy;lr>" как получено
	uri    sip.Uri
}

// RouteSet управляет маршрутами диалога
type RouteSet struct {
	routes []route
}

// NewRouteSet создает новый route set
func NewRouteSet() *RouteSet {
	return &RouteSet{}
}

// BuildFromRecordRoute строит route set из Record-Route заголовков.
//
// UAS берет Record-Route запроса в прямом порядке (RFC 3261 §12.1.1),
// UAC берет Record-Route ответа в обратном порядке (§12.1.2).
// Элементы с неразбираемым URI пропускаются.
func (rs *RouteSet) BuildFromRecordRoute(recordRoutes []string, isUAC bool) {
	values := lo.FlatMap(recordRoutes, func(rr string, _ int) []string {
		return splitHeaderList(rr)
	})
	if isUAC {
		values = lo.Reverse(values)
	}

	rs.routes = lo.FilterMap(values, func(value string, _ int) (route, bool) {
		var uri sip.Uri
		if err := sip.ParseUri(message.AddrSpec(value), &uri); err != nil {
			return route{}, false
		}
		return route{header: formatRouteHeader(value), uri: uri}, true
	})
}

// Routes возвращает Route заголовки в порядке следования
func (rs *RouteSet) Routes() []string {
	return lo.Map(rs.routes, func(r route, _ int) string { return r.header })
}

// IsEmpty проверяет, пуст ли route set
func (rs *RouteSet) IsEmpty() bool {
	return len(rs.routes) == 0
}

// Size возвращает количество маршрутов
func (rs *RouteSet) Size() int {
	return len(rs.routes)
}

// IsLooseRouting проверяет, используется ли loose routing
// Согласно RFC 3261, если первый Route имеет параметр lr, то используется loose routing
func (rs *RouteSet) IsLooseRouting() bool {
	if rs.IsEmpty() {
		return false
	}
	if rs.routes[0].uri.UriParams == nil {
		return false
	}
	_, ok := rs.routes[0].uri.UriParams.Get("lr")
	return ok
}

// RequestTarget возвращает Request-URI и Route заголовки запроса внутри
// диалога (RFC 3261 §12.2.1.1).
//
// Loose routing: Request-URI = remote target, Route = весь route set.
// Strict routing: Request-URI = первый маршрут, Route = остальные плюс
// remote target в конце.
func (rs *RouteSet) RequestTarget(remoteTarget string) (string, []string) {
	if rs.IsEmpty() {
		return remoteTarget, nil
	}
	if rs.IsLooseRouting() {
		return remoteTarget, rs.Routes()
	}

	first := rs.routes[0].uri
	routes := append(rs.Routes()[1:], "<"+remoteTarget+">")
	return first.String(), routes
}

// NextHop возвращает адрес host:port, куда отправлять запрос: первый
// маршрут или remote target
func (rs *RouteSet) NextHop(remoteTarget string) string {
	if !rs.IsEmpty() {
		return uriHostPort(rs.routes[0].uri, message.AddrSpec(rs.routes[0].header))
	}

	var uri sip.Uri
	if err := sip.ParseUri(remoteTarget, &uri); err != nil {
		return ""
	}
	return uriHostPort(uri, remoteTarget)
}

// uriHostPort возвращает host:port URI, порт по умолчанию 5060 (5061 для sips)
func uriHostPort(uri sip.Uri, raw string) string {
	port := uri.Port
	if port == 0 {
		port = 5060
		if strings.HasPrefix(strings.ToLower(raw), "sips:") {
			port = 5061
		}
	}
	return net.JoinHostPort(uri.Host, strconv.Itoa(port))
}

// formatRouteHeader форматирует URI для Route заголовка
func formatRouteHeader(value string) string {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "<") || strings.Contains(value, "<") {
		return value
	}
	return "<" + value + ">"
}

// splitHeaderList разбивает значение заголовка по запятым вне <...> и кавычек
func splitHeaderList(value string) []string {
	var (
		parts   []string
		start   int
		inAngle bool
		inQuote bool
	)
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '"':
			inQuote = !inQuote
		case '<':
			if !inQuote {
				inAngle = true
			}
		case '>':
			if !inQuote {
				inAngle = false
			}
		case ',':
			if !inAngle && !inQuote {
				parts = append(parts, strings.TrimSpace(value[start:i]))
				start = i + 1
			}
		}
	}
	parts = append(parts, strings.TrimSpace(value[start:]))

	return lo.Compact(parts)
}
