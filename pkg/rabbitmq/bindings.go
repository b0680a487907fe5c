package rabbitmq

import "strings"

type binding struct {
	pattern []string
	handler Handler
}

// bindingRouter resolves a delivery's routing key to the handler registered for the
// matching topic pattern. Exact patterns win over wildcard ones.
type bindingRouter struct {
	exact    map[string]Handler
	wildcard []binding
}

func newBindingRouter() *bindingRouter {
	return &bindingRouter{exact: map[string]Handler{}}
}

func (r *bindingRouter) add(pattern string, handler Handler) {
	if !strings.ContainsAny(pattern, "*#") {
		r.exact[pattern] = handler
		return
	}
	r.wildcard = append(r.wildcard, binding{pattern: strings.Split(pattern, "."), handler: handler})
}

func (r *bindingRouter) match(routingKey string) (Handler, bool) {
	if h, ok := r.exact[routingKey]; ok {
		return h, true
	}
	words := strings.Split(routingKey, ".")
	for _, b := range r.wildcard {
		if topicMatch(b.pattern, words) {
			return b.handler, true
		}
	}
	return nil, false
}

// topicMatch implements AMQP topic semantics: `*` matches one word, `#` zero or more.
func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && words[0] == pattern[0] && topicMatch(pattern[1:], words[1:])
	}
}
