package telemetry

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys attached to mwclient instruments.
const (
	AttrFrameKind = attribute.Key("frame.kind")
	AttrMethod    = attribute.Key("hub.method")
	AttrChannels  = attribute.Key("stream.channels")
	AttrTemplate  = attribute.Key("request.template")
	AttrStatus    = attribute.Key("http.status")
)

// FrameAttributes tags an inbound frame.
func FrameAttributes(kind string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrFrameKind.String(kind)}
}

// MethodAttributes tags an outbound hub command.
func MethodAttributes(method string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrMethod.String(method)}
}

// RequestAttributes tags a site request; status 0 is a transport failure.
func RequestAttributes(template string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTemplate.String(template),
		AttrStatus.String(strconv.Itoa(status)),
	}
}
