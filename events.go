package rentwheel

import "sync"

// ============================================================================
// Chat events
// ============================================================================

// Event names emitted by Chat.
const (
	EventMessagesChanged  = "messages.changed"  // payload: MessagesChanged
	EventMessageLocal     = "message.local"     // payload: Message (provisional)
	EventMessageConfirmed = "message.confirmed" // payload: Confirmation
	EventMessageFailed    = "message.failed"    // payload: SendFailure
	EventMessageReceived  = "message.received"  // payload: Message
	EventMessageDeleted   = "message.deleted"   // payload: Message
	EventReadMarked       = "read.marked"       // payload: ReadMarked
	EventReadFailed       = "read.failed"       // payload: error
	EventNotice           = "notice"            // payload: Notice
)

// ChatEventHandler receives Chat events. Panics inside handlers are recovered.
type ChatEventHandler func(event string, payload any)

// MessagesChanged carries the full list after a mutation.
type MessagesChanged struct {
	ConversationID string
	Messages       []Message
}

// Confirmation pairs a provisional id with the durable message that replaced it.
type Confirmation struct {
	LocalID MessageID
	Message Message
}

// SendFailure reports a rolled back send.
type SendFailure struct {
	LocalID MessageID
	Body    string
	Err     error
}

// ReadMarked reports a completed mark-read.
type ReadMarked struct {
	ConversationID string
	Updated        int
}

// Notice is a user-facing message. Kind lets a UI style "not allowed"
// differently from "try again".
type Notice struct {
	Kind ErrorKind
	Text string
}

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]ChatEventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]ChatEventHandler)}
}

// On registers a handler. Use "*" to receive every event.
func (e *emitter) On(event string, handler ChatEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := append(append([]ChatEventHandler{}, e.listeners[event]...), e.listeners["*"]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) notice(err error) {
	text := NoticeOf(err)
	if text == "" {
		return
	}
	e.emit(EventNotice, Notice{Kind: KindOf(err), Text: text})
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]ChatEventHandler)
}
