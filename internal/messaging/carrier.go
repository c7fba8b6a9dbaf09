package messaging

import "github.com/segmentio/kafka-go"

const (
	EventKindHeader = "event-type"
	EventIDHeader   = "event-id"
)

// headerCarrier exposes Kafka message headers to the otel propagator.
type headerCarrier struct {
	headers *[]kafka.Header
}

func carrierFor(msg *kafka.Message) headerCarrier {
	return headerCarrier{headers: &msg.Headers}
}

func (c headerCarrier) Get(key string) string {
	return headerValue(*c.headers, key)
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
