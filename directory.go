package rentwheel

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// Directory resolves the unique conversation for a renter, an owner and an
// optional vehicle.
type Directory struct {
	backend Backend
	log     zerolog.Logger
}

// NewDirectory creates a Directory on top of backend.
func NewDirectory(backend Backend, log zerolog.Logger) *Directory {
	return &Directory{backend: backend, log: log}
}

// Resolve returns the conversation keyed by (self, counterparty, scope),
// creating it on first contact. Scope matching is exact: NoScope only matches
// NoScope.
func (d *Directory) Resolve(ctx context.Context, self, counterparty string, scope Scope) (*Conversation, error) {
	const op = "resolve conversation"
	if self == "" {
		return nil, newError(KindUnauthenticated, op, "", nil)
	}
	counterparty = strings.TrimSpace(counterparty)
	if counterparty == "" {
		return nil, newError(KindValidation, op, "", errors.New("counterparty is required"))
	}
	if counterparty == self {
		return nil, newError(KindValidation, op, "You cannot message yourself", errors.New("counterparty equals self"))
	}

	conv, err := d.backend.FindOrCreateConversation(ctx, self, counterparty, Scope(strings.TrimSpace(string(scope))))
	if err != nil {
		d.log.Warn().Err(err).Str("counterparty", counterparty).Str("vehicle_id", string(scope)).Msg("conversation lookup failed")
		return nil, asKind(op, err)
	}
	d.log.Debug().Str("conversation_id", conv.ID).Msg("conversation resolved")
	return conv, nil
}
