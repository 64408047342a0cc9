package metadata

import (
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
)

// headerPrefix marks Watermill metadata keys that carry request headers, so
// they do not collide with transport metadata such as partition keys.
const headerPrefix = "header."

// valueSeparator joins multi-valued headers into one metadata string.
const valueSeparator = "\x1f"

// FromWatermill extracts headers stored with ToWatermill. Keys without the
// header prefix are ignored.
func FromWatermill(md message.Metadata) Headers {
	if len(md) == 0 {
		return Headers{}
	}

	result := make(Headers)
	for k, v := range md {
		name, ok := strings.CutPrefix(k, headerPrefix)
		if !ok || name == "" {
			continue
		}
		result[name] = strings.Split(v, valueSeparator)
	}
	return result
}

// ToWatermill flattens headers into Watermill metadata under the header prefix.
func ToWatermill(headers Headers) message.Metadata {
	if len(headers) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(headers))
	for k, values := range headers {
		wm[headerPrefix+k] = strings.Join(values, valueSeparator)
	}
	return wm
}

// CopyToWatermill writes headers into an existing message's metadata.
func CopyToWatermill(msg *message.Message, headers Headers) {
	if msg == nil {
		return
	}
	for k, v := range ToWatermill(headers) {
		msg.Metadata.Set(k, v)
	}
}
