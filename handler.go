package earpm

// LocalHandlerEntry represents one locally registered event handler.
// It is created on AddEventHandler and destroyed on RemoveEventHandler;
// removing a non-existent id is a benign no-op.
type LocalHandlerEntry struct {
	ID     uint64
	Topics []string
	Filter Filter
	QoS    QoS
}

// matches reports whether this handler is interested in an event on
// topic with the given properties: the topic must match one of the
// handler's patterns and the properties must satisfy the filter.
func (h LocalHandlerEntry) matches(topic string, props map[string]string) bool {
	matched := false

	for _, pattern := range h.Topics {
		if matchPattern(pattern, topic) {
			matched = true
			break
		}
	}

	if !matched {
		return false
	}

	return h.Filter.Matches(props)
}

// matchPattern implements the three supported topic-pattern shapes:
// literal, "*" (single level, the equivalent of MQTT's "+"), and
// "prefix/*" (a multi-level trailing wildcard, the equivalent of
// MQTT's "#").
func matchPattern(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	if pattern == "*" {
		return !containsSlash(topic)
	}

	const multiSuffix = "/*"

	if len(pattern) > len(multiSuffix) && pattern[len(pattern)-len(multiSuffix):] == multiSuffix {
		prefix := pattern[:len(pattern)-len(multiSuffix)]

		return topic == prefix || (len(topic) > len(prefix) && topic[:len(prefix)] == prefix && topic[len(prefix)] == '/')
	}

	return false
}

func containsSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}

	return false
}
