package dialog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFromRecordRoute(t *testing.T) {
	tests := []struct {
		name         string
		isUAC        bool
		recordRoutes []string
		expected     []string
	}{
		{
			name:         "UAC with single Record-Route",
			isUAC:        true,
			recordRoutes: []string{"<sip:proxy1.example.com;lr>"},
			expected:     []string{"<sip:proxy1.example.com;lr>"},
		},
		{
			name:         "UAC reverses comma separated list",
			isUAC:        true,
			recordRoutes: []string{"<sip:proxy1.example.com;lr>, <sip:proxy2.example.com;lr>"},
			expected:     []string{"<sip:proxy2.example.com;lr>", "<sip:proxy1.example.com;lr>"},
		},
		{
			name:  "UAC reverses separate headers",
			isUAC: true,
			recordRoutes: []string{
				"<sip:proxy1.example.com;lr>",
				"<sip:proxy2.example.com;lr>",
				"<sip:proxy3.example.com;lr>",
			},
			expected: []string{
				"<sip:proxy3.example.com;lr>",
				"<sip:proxy2.example.com;lr>",
				"<sip:proxy1.example.com;lr>",
			},
		},
		{
			name:  "UAS keeps order",
			isUAC: false,
			recordRoutes: []string{
				"<sip:proxy1.example.com;lr>, <sip:proxy2.example.com;lr>",
				"<sip:proxy3.example.com;lr>",
			},
			expected: []string{
				"<sip:proxy1.example.com;lr>",
				"<sip:proxy2.example.com;lr>",
				"<sip:proxy3.example.com;lr>",
			},
		},
		{
			name:         "Bare URI is wrapped",
			isUAC:        false,
			recordRoutes: []string{"sip:proxy1.example.com"},
			expected:     []string{"<sip:proxy1.example.com>"},
		},
		{
			name:         "Empty",
			isUAC:        true,
			recordRoutes: nil,
			expected:     []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := NewRouteSet()
			rs.BuildFromRecordRoute(tt.recordRoutes, tt.isUAC)

			assert.Equal(t, tt.expected, rs.Routes())
			assert.Equal(t, len(tt.expected), rs.Size())
		})
	}
}

func TestRouteSet_LooseRouting(t *testing.T) {
	rs := NewRouteSet()
	rs.BuildFromRecordRoute([]string{"<sip:proxy1.example.com;lr>", "<sip:proxy2.example.com:5070;lr>"}, false)
	require.True(t, rs.IsLooseRouting())

	uri, routes := rs.RequestTarget("sip:bob@192.0.2.4:5080")
	assert.Equal(t, "sip:bob@192.0.2.4:5080", uri)
	assert.Equal(t, []string{"<sip:proxy1.example.com;lr>", "<sip:proxy2.example.com:5070;lr>"}, routes)
	assert.Equal(t, "proxy1.example.com:5060", rs.NextHop("sip:bob@192.0.2.4:5080"))
}

func TestRouteSet_StrictRouting(t *testing.T) {
	rs := NewRouteSet()
	rs.BuildFromRecordRoute([]string{"<sip:proxy1.example.com:5070>", "<sip:proxy2.example.com;lr>"}, false)
	require.False(t, rs.IsLooseRouting())

	uri, routes := rs.RequestTarget("sip:bob@192.0.2.4:5080")
	assert.Contains(t, uri, "proxy1.example.com")
	assert.Equal(t, []string{"<sip:proxy2.example.com;lr>", "<sip:bob@192.0.2.4:5080>"}, routes)
	assert.Equal(t, "proxy1.example.com:5070", rs.NextHop("sip:bob@192.0.2.4:5080"))
}

func TestRouteSet_Empty(t *testing.T) {
	rs := NewRouteSet()
	assert.True(t, rs.IsEmpty())
	assert.False(t, rs.IsLooseRouting())

	uri, routes := rs.RequestTarget("sip:bob@192.0.2.4:5080")
	assert.Equal(t, "sip:bob@192.0.2.4:5080", uri)
	assert.Empty(t, routes)

	assert.Equal(t, "192.0.2.4:5080", rs.NextHop("sip:bob@192.0.2.4:5080"))
	assert.Equal(t, "192.0.2.4:5060", rs.NextHop("sip:bob@192.0.2.4"))
	assert.Equal(t, "192.0.2.4:5061", rs.NextHop("sips:bob@192.0.2.4"))
}

func TestSplitHeaderList(t *testing.T) {
	parts := splitHeaderList(`"Proxy, One" <sip:p1.example.com;lr>, <sip:p2.example.com;lr>,`)
	assert.Equal(t, []string{`"Proxy, One" <sip:p1.example.com;lr>`, "<sip:p2.example.com;lr>"}, parts)
}
